/*
Package coordinator handles all the logic related to forging blocks as the
operator of the rollup.

The forging of blocks is done with a pipeline in order to allow multiple
blocks being proved in parallel.  The maximum number of blocks that can be
proved in parallel is determined by the number of available proof servers.

The Pipeline consists of two goroutines.  The first one is in charge of
preparing a block: it closes the deposit and exit batches that waited longer
than MaxBatchWait, and then builds and commits the next block, in priority
order: a closed deposit batch, a closed exit batch, and finally a selection of
L2 txs from the pool.  The committed block is sent to an idle proof server.
The second goroutine is in charge of waiting for the proof server to finish
computing the proof and sending the result to the TxManager.  All the block
information moves between functions and goroutines via the BlockInfo struct.

Proofs may arrive in any order, but blocks are verified strictly in order:
the TxManager keeps the proved blocks until all the previous ones have been
verified.  At any point if a verification is rejected, the TxManager signals
the Coordinator to reset the Pipeline, which proves again the committed blocks
that are not verified.

Besides, the Coordinator runs a liveness watcher that reports the committed
blocks whose challenge period passed without a verification.  These faults are
only reported: nothing in the protocol resolves them.
*/
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"tokamak-settlement/batchbuilder"
	"tokamak-settlement/common"
	"tokamak-settlement/coordinator/prover"
	"tokamak-settlement/eth"
	"tokamak-settlement/log"
	"tokamak-settlement/metric"
	"tokamak-settlement/txselector"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

var errSkipBlockByPolicy = fmt.Errorf("skip block by policy")

const (
	queueLen         = 16
	longWaitDuration = 999 * time.Hour
	zeroDuration     = 0 * time.Second
)

// Config contains the Coordinator configuration
type Config struct {
	// ForgerAddress is the address under which this coordinator is forging
	// and collects the fees of its blocks
	ForgerAddress ethCommon.Address
	// ForgeRetryInterval is the waiting interval between calls forge a
	// block after an error
	ForgeRetryInterval time.Duration
	// ForgeDelay is the minimum delay between two L2 blocks.  If set to
	// 0s, the coordinator will forge L2 blocks at the maximum rate.
	ForgeDelay time.Duration
	// MaxBatchWait is how long a deposit or exit batch with requests stays
	// open before the coordinator closes it
	MaxBatchWait time.Duration
	// SyncRetryInterval is the waiting interval before restarting a
	// stopped pipeline
	SyncRetryInterval time.Duration
	// TxManagerCheckInterval is the waiting interval between verification
	// retries in the TxManager
	TxManagerCheckInterval time.Duration
	// LivenessCheckInterval is the waiting interval between checks of
	// overdue blocks
	LivenessCheckInterval time.Duration
	// DebugBatchPath if set, specifies the path where blockInfo is stored
	// in JSON in every step/update of the pipeline
	DebugBatchPath string
	Purger         PurgerCfg
}

// Opt is a Coordinator option
type Opt func(*Coordinator)

// WithClock sets the clock used for batch waits, forge delays and the pool
// purge
func WithClock(clock clockwork.Clock) Opt {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// Coordinator implements the Coordinator type
type Coordinator struct {
	// State
	pipelineNum int // Pipeline sequential number.  The first pipeline is 1
	provers     []prover.Client
	started     bool

	cfg   Config
	clock clockwork.Clock

	ethClient    eth.ClientInterface
	txSelector   *txselector.TxSelector
	batchBuilder *batchbuilder.BatchBuilder

	msgCh  chan interface{}
	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc

	pipeline  *Pipeline
	purger    *Purger
	txManager *TxManager
	liveness  *LivenessWatcher
}

// MsgStopPipeline indicates a signal to reset the pipeline
type MsgStopPipeline struct {
	Reason string
	// FailedBlockNum indicates the first blockNum that failed in the
	// pipeline.  If FailedBlockNum is 0, it should be ignored.
	FailedBlockNum common.BlockNum
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(cfg Config,
	txSelector *txselector.TxSelector,
	batchBuilder *batchbuilder.BatchBuilder,
	serverProofs []prover.Client,
	ethClient eth.ClientInterface,
	opts ...Opt,
) (*Coordinator, error) {
	if len(serverProofs) == 0 {
		return nil, common.Wrap(fmt.Errorf("the coordinator needs at least one proof server"))
	}
	if cfg.DebugBatchPath != "" {
		if err := os.MkdirAll(cfg.DebugBatchPath, 0744); err != nil {
			return nil, common.Wrap(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := Coordinator{
		pipelineNum: 0,
		provers:     serverProofs,

		cfg:   cfg,
		clock: clockwork.NewRealClock(),

		ethClient:    ethClient,
		txSelector:   txSelector,
		batchBuilder: batchBuilder,

		purger: &Purger{cfg: cfg.Purger},

		msgCh: make(chan interface{}, queueLen),
		ctx:   ctx,
		// wg
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(&c)
	}
	c.purger.lastPurge = c.clock.Now()
	c.txManager = NewTxManager(&cfg, ethClient, &c)
	c.liveness = NewLivenessWatcher(ethClient, c.clock)
	return &c, nil
}

func (c *Coordinator) newPipeline(ctx context.Context) (*Pipeline, error) {
	c.pipelineNum++
	return NewPipeline(ctx, c.cfg, c.pipelineNum, c.clock, c.ethClient, c.txSelector,
		c.batchBuilder, c.purger, c, c.txManager, c.provers)
}

// SendMsg is a thread safe method to pass a message to the Coordinator
func (c *Coordinator) SendMsg(ctx context.Context, msg interface{}) {
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
	}
}

func (c *Coordinator) handleMsg(ctx context.Context, msg interface{}) error {
	switch msg := msg.(type) {
	case MsgStopPipeline:
		log.Infow("Coordinator received MsgStopPipeline", "reason", msg.Reason,
			"failedBlock", msg.FailedBlockNum)
		if err := c.handleStopPipeline(ctx, msg.Reason); err != nil {
			return common.Wrap(fmt.Errorf("Coordinator.handleStopPipeline: %w", common.Unwrap(err)))
		}
	default:
		log.Fatalf("Coordinator Unexpected Coordinator msg of type %T: %+v", msg, msg)
	}
	return nil
}

func (c *Coordinator) handleStopPipeline(ctx context.Context, reason string) error {
	if c.pipeline != nil {
		c.pipeline.Stop(c.ctx)
		c.pipeline = nil
	}
	return c.startPipeline(ctx)
}

func (c *Coordinator) startPipeline(ctx context.Context) error {
	pipeline, err := c.newPipeline(ctx)
	if err != nil {
		return common.Wrap(err)
	}
	if err := pipeline.Start(); err != nil {
		return common.Wrap(err)
	}
	c.pipeline = pipeline
	return nil
}

// Start the coordinator
func (c *Coordinator) Start() {
	if c.started {
		log.Fatal("Coordinator already started")
	}
	c.started = true

	c.wg.Add(1)
	go func() {
		c.txManager.Run(c.ctx)
		c.wg.Done()
	}()

	c.wg.Add(1)
	go func() {
		c.liveness.Run(c.ctx, c.cfg.LivenessCheckInterval)
		c.wg.Done()
	}()

	c.wg.Add(1)
	go func() {
		timer := time.NewTimer(zeroDuration)
		for {
			select {
			case <-c.ctx.Done():
				log.Info("Coordinator done")
				c.wg.Done()
				return
			case msg := <-c.msgCh:
				if err := c.handleMsg(c.ctx, msg); c.ctx.Err() != nil {
					continue
				} else if err != nil {
					log.Errorw("Coordinator.handleMsg", "err", err)
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(c.cfg.SyncRetryInterval)
					continue
				}
			case <-timer.C:
				timer.Reset(longWaitDuration)
				if c.pipeline != nil {
					continue
				}
				if err := c.startPipeline(c.ctx); c.ctx.Err() != nil {
					continue
				} else if err != nil {
					log.Errorw("Coordinator.startPipeline", "err", err)
					timer.Reset(c.cfg.SyncRetryInterval)
					continue
				}
			}
		}
	}()
}

const stopCtxTimeout = 200 * time.Millisecond

// Stop the coordinator
func (c *Coordinator) Stop() {
	if !c.started {
		log.Fatal("Coordinator already stopped")
	}
	c.started = false
	log.Infow("Stopping Coordinator...")
	c.cancel()
	c.wg.Wait()
	if c.pipeline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopCtxTimeout)
		defer cancel()
		c.pipeline.Stop(ctx)
		c.pipeline = nil
	}
}

// LivenessWatcher reports the committed blocks that passed their deadline
// without a verification
type LivenessWatcher struct {
	ethClient eth.RollupInterface
	clock     clockwork.Clock
	reported  map[common.BlockNum]bool
}

// NewLivenessWatcher creates a LivenessWatcher ticking on clock
func NewLivenessWatcher(ethClient eth.RollupInterface, clock clockwork.Clock) *LivenessWatcher {
	return &LivenessWatcher{
		ethClient: ethClient,
		clock:     clock,
		reported:  make(map[common.BlockNum]bool),
	}
}

// Check reports the overdue blocks not reported yet and returns them
func (w *LivenessWatcher) Check() []*common.Block {
	overdue := w.ethClient.RollupOverdueBlocks()
	metric.OverdueBlocks.Set(float64(len(overdue)))
	current := make(map[common.BlockNum]bool, len(overdue))
	var faults []*common.Block
	for _, block := range overdue {
		current[block.Num] = true
		if w.reported[block.Num] {
			continue
		}
		log.Warnw("liveness fault", "block", block.Num, "deadline", block.Deadline,
			"committedAt", block.CommittedAt, "err", common.ErrDeadlineMissed)
		metric.LivenessFaults.Inc()
		faults = append(faults, block)
	}
	w.reported = current
	return faults
}

// Run checks the overdue blocks every interval until ctx is done
func (w *LivenessWatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("LivenessWatcher done")
			return
		case <-ticker.Chan():
			w.Check()
		}
	}
}
