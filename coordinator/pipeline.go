package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tokamak-settlement/batchbuilder"
	"tokamak-settlement/common"
	"tokamak-settlement/coordinator/prover"
	"tokamak-settlement/eth"
	"tokamak-settlement/log"
	"tokamak-settlement/metric"
	"tokamak-settlement/rollup"
	"tokamak-settlement/txprocessor"
	"tokamak-settlement/txselector"

	"github.com/jonboulle/clockwork"
)

type state struct {
	// blockNum is the last committed block
	blockNum        common.BlockNum
	lastL2ForgeTime time.Time
	// reprove are the committed blocks without a proof in flight
	reprove []common.BlockNum
}

// Pipeline manages the forging of blocks with parallel server proofs
type Pipeline struct {
	num   int
	cfg   Config
	clock clockwork.Clock

	// state
	state         state
	started       bool
	rw            sync.RWMutex
	errAtBlockNum common.BlockNum

	proversPool  *ProversPool
	provers      []prover.Client
	coord        *Coordinator
	txManager    *TxManager
	ethClient    eth.ClientInterface
	txSelector   *txselector.TxSelector
	batchBuilder *batchbuilder.BatchBuilder
	purger       *Purger

	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPipeline creates a new Pipeline
func NewPipeline(ctx context.Context,
	cfg Config,
	num int, // Pipeline sequential number
	clock clockwork.Clock,
	ethClient eth.ClientInterface,
	txSelector *txselector.TxSelector,
	batchBuilder *batchbuilder.BatchBuilder,
	purger *Purger,
	coord *Coordinator,
	txManager *TxManager,
	provers []prover.Client,
) (*Pipeline, error) {
	proversPool := NewProversPool(len(provers))
	proversPoolSize := 0
	for _, prover := range provers {
		if err := prover.WaitReady(ctx); err != nil {
			log.Errorw("prover.WaitReady", "err", err)
		} else {
			proversPool.Add(ctx, prover)
			proversPoolSize++
		}
	}
	if proversPoolSize == 0 {
		return nil, common.Wrap(fmt.Errorf("no provers in the pool"))
	}
	return &Pipeline{
		num:          num,
		cfg:          cfg,
		clock:        clock,
		proversPool:  proversPool,
		provers:      provers,
		coord:        coord,
		txManager:    txManager,
		ethClient:    ethClient,
		txSelector:   txSelector,
		batchBuilder: batchBuilder,
		purger:       purger,
	}, nil
}

// reset pipeline state
func (p *Pipeline) reset() error {
	lastCommitted := p.ethClient.RollupLastCommitted()
	p.state = state{blockNum: lastCommitted}
	for num := p.ethClient.RollupLastVerified() + 1; num <= lastCommitted; num++ {
		p.state.reprove = append(p.state.reprove, num)
	}
	// txs selected by a stopped pipeline are selectable again
	p.txSelector.Pool().RevertForging()

	// Reset the StateDB in the BatchBuilder from the local checkpoint of
	// the last committed block if it exists, or else from the
	// synchronizer.
	exists, err := p.batchBuilder.LocalStateDB().CheckpointExists(lastCommitted)
	if err != nil {
		return common.Wrap(err)
	}
	if err := p.batchBuilder.Reset(lastCommitted, !exists); err != nil {
		return common.Wrap(err)
	}
	localRoot := p.batchBuilder.LocalStateDB().Root()
	if committedRoot := p.ethClient.RollupLastCommittedRoot(); localRoot != committedRoot {
		return common.Wrap(fmt.Errorf("local state root %s doesn't match the committed root %s at block %d",
			localRoot.Hex(), committedRoot.Hex(), lastCommitted))
	}
	return nil
}

func (p *Pipeline) getErrAtBlockNum() common.BlockNum {
	p.rw.RLock()
	defer p.rw.RUnlock()
	return p.errAtBlockNum
}

func (p *Pipeline) setErrAtBlockNum(blockNum common.BlockNum) {
	p.rw.Lock()
	defer p.rw.Unlock()
	p.errAtBlockNum = blockNum
}

// closeStaleBatches closes the deposit and exit batches whose first request
// waited longer than MaxBatchWait
func (p *Pipeline) closeStaleBatches() {
	if p.cfg.MaxBatchWait <= 0 {
		return
	}
	now := p.clock.Now()
	for _, kind := range []common.BatchKind{common.BatchKindDeposit, common.BatchKindExit} {
		batch, n := p.ethClient.OpenBatch(kind)
		if n == 0 || now.Sub(batch.OpenedAt) < p.cfg.MaxBatchWait {
			continue
		}
		next := p.ethClient.StartNextBatch(kind)
		log.Debugw("Pipeline: stale batch closed", "kind", kind, "batch", batch.Num,
			"requests", n, "next", next)
	}
}

// nextCircuit decides which block to forge next.  A block reproved has
// priority, then closed deposit batches, closed exit batches, and L2 txs.
func (p *Pipeline) nextCircuit() (common.Circuit, error) {
	if len(p.state.reprove) > 0 {
		return "", nil
	}
	p.closeStaleBatches()
	for _, kind := range []common.BatchKind{common.BatchKindDeposit, common.BatchKindExit} {
		if _, _, ok := p.ethClient.BatchToCommit(kind); ok {
			return kind.Circuit(), nil
		}
	}
	if len(p.txSelector.Pool().Pending()) == 0 {
		return "", common.Wrap(errSkipBlockByPolicy)
	}
	if p.clock.Now().Sub(p.state.lastL2ForgeTime) < p.cfg.ForgeDelay {
		return "", common.Wrap(errSkipBlockByPolicy)
	}
	return common.CircuitTransfer, nil
}

// handleForgeBlock decides the next block, waits for an available proof
// server, calls p.forgeBlock to build and commit the block, and then sends
// the proof inputs to the selected proof server so that the proof
// computation begins.
func (p *Pipeline) handleForgeBlock(ctx context.Context) (blockInfo *BlockInfo, err error) {
	p.purger.PurgeMaybe(p.txSelector.Pool(), p.clock.Now())

	// 1. Decide what to forge
	circuit, err := p.nextCircuit()
	if err != nil {
		return nil, common.Wrap(err)
	}

	// 2. Wait for an available serverProof (blocking call)
	serverProof, err := p.proversPool.Get(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	} else if err != nil {
		log.Errorw("proversPool.Get", "err", err)
		return nil, common.Wrap(err)
	}
	defer func() {
		// If we encounter any error (notice that this function returns
		// errors to notify that a block is not forged not only because
		// of unexpected errors but also due to benign causes), add the
		// serverProof back to the pool
		if err != nil {
			p.proversPool.Add(ctx, serverProof)
		}
	}()

	// 3. Forge the block internally and commit it, or pick the committed
	// block to prove again
	if circuit == "" {
		blockInfo, err = p.reproveBlock()
	} else {
		blockInfo, err = p.forgeBlock(circuit)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	} else if err != nil {
		return nil, common.Wrap(err)
	}

	// 4. Send the proof inputs to the proof server
	blockInfo.ServerProof = serverProof
	blockInfo.ProofStart = time.Now()
	if err := p.sendServerProof(ctx, blockInfo); ctx.Err() != nil {
		return nil, ctx.Err()
	} else if err != nil {
		log.Errorw("sendServerProof", "err", err)
		return nil, common.Wrap(err)
	}
	return blockInfo, nil
}

func (p *Pipeline) reproveBlock() (*BlockInfo, error) {
	num := p.state.reprove[0]
	block, err := p.ethClient.RollupBlock(num)
	if err != nil {
		return nil, common.Wrap(err)
	}
	p.state.reprove = p.state.reprove[1:]
	log.Infow("Pipeline: proving committed block again", "block", num)
	return &BlockInfo{
		PipelineNum: p.num,
		BlockNum:    num,
		Circuit:     block.Circuit,
		BatchNum:    block.BatchNum,
		Block:       block,
		Debug: Debug{
			StartTimestamp:  time.Now(),
			CommitTimestamp: block.CommittedAt,
			Status:          StatusCommitted,
		},
	}, nil
}

func (p *Pipeline) rollback() {
	if err := p.batchBuilder.Rollback(); err != nil {
		log.Errorw("BatchBuilder.Rollback", "err", err)
	}
}

// forgeBlock builds the next block of the given circuit on the local state
// and commits it
func (p *Pipeline) forgeBlock(circuit common.Circuit) (*BlockInfo, error) {
	num := p.state.blockNum + 1
	blockInfo := &BlockInfo{
		PipelineNum: p.num,
		BlockNum:    num,
		Circuit:     circuit,
		Debug: Debug{
			StartTimestamp: time.Now(),
		},
	}

	var out *txprocessor.ProcessTxOutput
	var err error
	pool := p.txSelector.Pool()
	switch circuit {
	case common.CircuitDeposit, common.CircuitExit:
		kind := common.BatchKindDeposit
		if circuit == common.CircuitExit {
			kind = common.BatchKindExit
		}
		batch, reqs, ok := p.ethClient.BatchToCommit(kind)
		if !ok {
			return nil, common.Wrap(errSkipBlockByPolicy)
		}
		blockInfo.BatchNum = batch.Num
		if kind == common.BatchKindDeposit {
			out, err = p.batchBuilder.BuildDepositBlock(num, batch, reqs)
		} else {
			out, err = p.batchBuilder.BuildExitBlock(num, batch, reqs)
		}
		if err != nil {
			p.rollback()
			return nil, common.Wrap(err)
		}
	case common.CircuitTransfer:
		sel := p.txSelector.GetL2TxSelection()
		if len(sel.L2Txs) == 0 {
			return nil, common.Wrap(errSkipBlockByPolicy)
		}
		out, err = p.batchBuilder.BuildL2Block(num, sel.L2Txs)
		if err != nil {
			pool.Revert(sel.IDs())
			p.rollback()
			return nil, common.Wrap(err)
		}
		blockInfo.TxIDs = p.txSelector.Settle(sel, out)
		blockInfo.Rejected = out.Rejected
		blockInfo.Debug.RejectedTxs = len(out.Rejected)
		p.state.lastL2ForgeTime = p.clock.Now()
		if len(blockInfo.TxIDs) == 0 {
			p.rollback()
			log.Debugw("Pipeline: no tx of the selection applies", "rejected", len(out.Rejected))
			return nil, common.Wrap(errSkipBlockByPolicy)
		}
	default:
		return nil, common.Wrap(fmt.Errorf("%w: %q", common.ErrInvalidCircuit, circuit))
	}
	blockInfo.Debug.Status = StatusForged
	p.cfg.debugBlockStore(blockInfo)

	block, err := p.ethClient.RollupCommitBlock(rollup.CommitArgs{
		Num:       num,
		Circuit:   circuit,
		BatchNum:  blockInfo.BatchNum,
		NewRoot:   out.NewRoot,
		PackedTxs: out.PackedTxs,
		Prover:    p.cfg.ForgerAddress,
	})
	if err != nil {
		p.rollback()
		pool.Revert(blockInfo.TxIDs)
		if common.IsErr(err, common.ErrBatchContentsChanged) {
			log.Infow("Pipeline: batch changed before its commit", "block", num,
				"batch", blockInfo.BatchNum, "err", err)
			return nil, common.Wrap(errSkipBlockByPolicy)
		}
		return nil, common.Wrap(err)
	}
	if err := p.batchBuilder.Confirm(num); err != nil {
		return nil, common.Wrap(err)
	}
	pool.MarkCommitted(blockInfo.TxIDs, num)
	p.state.blockNum = num

	blockInfo.Block = block
	blockInfo.Debug.CommitTimestamp = time.Now()
	blockInfo.Debug.StartToCommitDelay =
		blockInfo.Debug.CommitTimestamp.Sub(blockInfo.Debug.StartTimestamp).Seconds()
	blockInfo.Debug.Status = StatusCommitted
	p.cfg.debugBlockStore(blockInfo)
	log.Infow("Pipeline: block committed", "block", num, "circuit", circuit,
		"batch", blockInfo.BatchNum, "txs", len(blockInfo.TxIDs), "root", block.NewRoot.Hex())
	return blockInfo, nil
}

// sendServerProof sends the proof inputs of a committed block to the proof
// server
func (p *Pipeline) sendServerProof(ctx context.Context, blockInfo *BlockInfo) error {
	blockInfo.ProofInputs = prover.NewProofInputs(blockInfo.Block)
	if err := blockInfo.ServerProof.CalculateProof(ctx, blockInfo.ProofInputs); err != nil {
		return common.Wrap(err)
	}
	return nil
}

// waitServerProof gets the proof verdict of a block from the proof server
func (p *Pipeline) waitServerProof(ctx context.Context, blockInfo *BlockInfo) error {
	defer metric.MeasureDuration(metric.WaitServerProof, blockInfo.ProofStart,
		fmt.Sprint(blockInfo.BlockNum), string(blockInfo.Circuit))

	verdict, err := blockInfo.ServerProof.GetProof(ctx) // blocking call,
	// until not resolved don't continue. Returns when the proof server has calculated the proof
	if err != nil {
		return common.Wrap(err)
	}
	blockInfo.Verdict = verdict
	blockInfo.Debug.ProofTimestamp = time.Now()
	blockInfo.Debug.Status = StatusProof
	p.cfg.debugBlockStore(blockInfo)
	log.Infow("Pipeline: block proof calculated", "block", blockInfo.BlockNum)
	return nil
}

// Start the forging pipeline
func (p *Pipeline) Start() error {
	if p.started {
		log.Fatal("Pipeline already started")
	}
	p.started = true

	if err := p.reset(); err != nil {
		return common.Wrap(err)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	queueSize := 1
	blockChSentServerProof := make(chan *BlockInfo, queueSize)

	p.wg.Add(1)
	go func() {
		timer := time.NewTimer(zeroDuration)
		for {
			select {
			case <-p.ctx.Done():
				log.Info("Pipeline forgeBlock loop done")
				p.wg.Done()
				return
			case <-timer.C:
				timer.Reset(p.cfg.ForgeRetryInterval)
				// Once errAtBlockNum != 0, we stop forging
				// blocks because there's been an error and we
				// wait for the pipeline to be stopped.
				if p.getErrAtBlockNum() != 0 {
					continue
				}
				blockInfo, err := p.handleForgeBlock(p.ctx)
				if p.ctx.Err() != nil {
					continue
				} else if common.Unwrap(err) == errSkipBlockByPolicy {
					continue
				} else if err != nil {
					failed := p.state.blockNum + 1
					p.setErrAtBlockNum(failed)
					p.coord.SendMsg(p.ctx, MsgStopPipeline{
						Reason: fmt.Sprintf(
							"Pipeline.handleForgeBlock: %v", err),
						FailedBlockNum: failed,
					})
					continue
				}

				select {
				case blockChSentServerProof <- blockInfo:
				case <-p.ctx.Done():
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(zeroDuration)
			}
		}
	}()

	p.wg.Add(1)
	go func() {
		for {
			select {
			case <-p.ctx.Done():
				log.Info("Pipeline waitServerProof loop done")
				p.wg.Done()
				return
			case blockInfo := <-blockChSentServerProof:
				go func(p *Pipeline, blockInfo *BlockInfo) {
					// Once errAtBlockNum != 0, we stop forging
					// blocks because there's been an error and we
					// wait for the pipeline to be stopped.
					if p.getErrAtBlockNum() != 0 {
						return
					}
					err := p.waitServerProof(p.ctx, blockInfo)
					if p.ctx.Err() != nil {
						return
					} else if err != nil {
						log.Errorw("waitServerProof", "err", err)
						p.setErrAtBlockNum(blockInfo.BlockNum)
						p.coord.SendMsg(p.ctx, MsgStopPipeline{
							Reason: fmt.Sprintf(
								"Pipeline.waitServerProof: %v", err),
							FailedBlockNum: blockInfo.BlockNum,
						})
						return
					}
					// We are done with this serverProof, add it back to the pool
					p.proversPool.Add(p.ctx, blockInfo.ServerProof)
					p.txManager.AddBlock(p.ctx, blockInfo)
				}(p, blockInfo)
			}
		}
	}()
	return nil
}

// Stop the forging pipeline
func (p *Pipeline) Stop(ctx context.Context) {
	if !p.started {
		log.Fatal("Pipeline already stopped")
	}
	p.started = false
	log.Info("Stopping Pipeline...")
	p.cancel()
	p.wg.Wait()
	for _, prover := range p.provers {
		if err := prover.Cancel(ctx); ctx.Err() != nil {
			continue
		} else if err != nil {
			log.Errorw("prover.Cancel", "err", err)
		}
	}
}
