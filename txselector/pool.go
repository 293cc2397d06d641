package txselector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tokamak-settlement/common"
	"tokamak-settlement/log"
	"tokamak-settlement/metric"

	"github.com/jonboulle/clockwork"
)

// PoolTxState is the state of a PoolTx
type PoolTxState string

const (
	// PoolTxStatePending tx waits to be selected
	PoolTxStatePending PoolTxState = "pend"
	// PoolTxStateForging tx is in the block being built
	PoolTxStateForging PoolTxState = "fing"
	// PoolTxStateCommitted tx is in a committed block
	PoolTxStateCommitted PoolTxState = "cmtd"
	// PoolTxStateVerified tx is in a verified block
	PoolTxStateVerified PoolTxState = "vrfd"
	// PoolTxStateFailed tx was rejected, FailReason tells why
	PoolTxStateFailed PoolTxState = "fail"
)

// PoolTx is a signed L2 tx tracked by the pool
type PoolTx struct {
	TxID       common.TxID       `json:"id"`
	Tx         common.L2Tx       `json:"-"`
	Signature  *common.Signature `json:"-"`
	State      PoolTxState       `json:"state"`
	FailReason string            `json:"failReason,omitempty"`
	// BlockNum is the block that includes the tx, once committed
	BlockNum  common.BlockNum `json:"blockNum,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Final returns true when the tx state no longer changes
func (tx *PoolTx) Final() bool {
	return tx.State == PoolTxStateVerified || tx.State == PoolTxStateFailed
}

// PoolConfig is the TxPool configuration
type PoolConfig struct {
	// MaxTxs is the maximum number of pending txs.  0 means no limit.
	MaxTxs int
}

// Opt is a TxPool option
type Opt func(*TxPool)

// WithClock sets the clock of the pool timestamps
func WithClock(clock clockwork.Clock) Opt {
	return func(p *TxPool) {
		p.clock = clock
	}
}

// TxPool keeps the L2 txs received through the API until they are verified or
// failed.  It is safe for concurrent use.
type TxPool struct {
	mu      sync.RWMutex
	cfg     PoolConfig
	clock   clockwork.Clock
	txs     map[common.TxID]*PoolTx
	pending int
}

// NewTxPool creates an empty TxPool
func NewTxPool(cfg PoolConfig, opts ...Opt) *TxPool {
	p := &TxPool{
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		txs:   make(map[common.TxID]*PoolTx),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddTx inserts a signed tx.  The signature is expected to be checked by the
// caller, committedNonce is the nonce of the sender in the operator state.
func (p *TxPool) AddTx(stx *common.SignedTx, committedNonce common.Nonce) (common.TxID, error) {
	id, err := stx.ID()
	if err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	if nonce := stx.Tx.TxNonce(); nonce < committedNonce {
		return common.TxID{}, common.Wrap(fmt.Errorf("%w: nonce %d, account nonce %d",
			common.ErrNonceTooLow, nonce, committedNonce))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.txs[id]; ok {
		return common.TxID{}, common.Wrap(fmt.Errorf("%w: %s", common.ErrTxExists, id))
	}
	if p.cfg.MaxTxs > 0 && p.pending >= p.cfg.MaxTxs {
		return common.TxID{}, common.Wrap(common.ErrPoolFull)
	}
	p.txs[id] = &PoolTx{
		TxID:      id,
		Tx:        stx.Tx,
		Signature: stx.Signature,
		State:     PoolTxStatePending,
		Timestamp: p.clock.Now(),
	}
	p.setPending(p.pending + 1)
	log.Debugw("TxPool: tx added", "tx", id, "type", stx.Tx.Type(), "from", stx.Tx.FromIdx())
	return id, nil
}

func (p *TxPool) setPending(n int) {
	p.pending = n
	metric.PoolPending.Set(float64(n))
}

// Status returns a copy of the pool entry of id.  The tx itself is shared,
// pool txs are never modified.
func (p *TxPool) Status(id common.TxID) (*PoolTx, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tx, ok := p.txs[id]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("%w: %s", common.ErrTxNotFound, id))
	}
	c := *tx
	return &c, nil
}

// Pending returns the pending txs ordered by sender and nonce
func (p *TxPool) Pending() []*PoolTx {
	p.mu.RLock()
	defer p.mu.RUnlock()
	txs := make([]*PoolTx, 0, p.pending)
	for _, tx := range p.txs {
		if tx.State == PoolTxStatePending {
			c := *tx
			txs = append(txs, &c)
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		a, b := txs[i].Tx, txs[j].Tx
		if a.FromIdx() != b.FromIdx() {
			return a.FromIdx() < b.FromIdx()
		}
		if a.TxNonce() != b.TxNonce() {
			return a.TxNonce() < b.TxNonce()
		}
		return txs[i].Timestamp.Before(txs[j].Timestamp)
	})
	return txs
}

// transition moves the txs in state from to state to, ignoring the ones in a
// different state
func (p *TxPool) transition(ids []common.TxID, from, to PoolTxState, update func(*PoolTx)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	pending := p.pending
	for _, id := range ids {
		tx, ok := p.txs[id]
		if !ok || tx.State != from {
			continue
		}
		if from == PoolTxStatePending {
			pending--
		}
		if to == PoolTxStatePending {
			pending++
		}
		tx.State = to
		tx.Timestamp = now
		if update != nil {
			update(tx)
		}
	}
	p.setPending(pending)
}

// MarkForging moves pending txs to forging
func (p *TxPool) MarkForging(ids []common.TxID) {
	p.transition(ids, PoolTxStatePending, PoolTxStateForging, nil)
}

// MarkCommitted moves forging txs to committed in block blockNum
func (p *TxPool) MarkCommitted(ids []common.TxID, blockNum common.BlockNum) {
	p.transition(ids, PoolTxStateForging, PoolTxStateCommitted, func(tx *PoolTx) {
		tx.BlockNum = blockNum
	})
}

// Revert moves forging txs back to pending
func (p *TxPool) Revert(ids []common.TxID) {
	p.transition(ids, PoolTxStateForging, PoolTxStatePending, nil)
}

// RevertForging moves every forging tx back to pending
func (p *TxPool) RevertForging() {
	p.mu.RLock()
	var ids []common.TxID
	for id, tx := range p.txs {
		if tx.State == PoolTxStateForging {
			ids = append(ids, id)
		}
	}
	p.mu.RUnlock()
	p.Revert(ids)
}

// MarkFailed fails a pending or forging tx with a typed reason
func (p *TxPool) MarkFailed(id common.TxID, reason string) {
	fail := func(tx *PoolTx) { tx.FailReason = reason }
	p.transition([]common.TxID{id}, PoolTxStateForging, PoolTxStateFailed, fail)
	p.transition([]common.TxID{id}, PoolTxStatePending, PoolTxStateFailed, fail)
}

// MarkVerified moves the committed txs of block blockNum to verified, and
// returns their ids
func (p *TxPool) MarkVerified(blockNum common.BlockNum) []common.TxID {
	var ids []common.TxID
	p.mu.RLock()
	for id, tx := range p.txs {
		if tx.State == PoolTxStateCommitted && tx.BlockNum == blockNum {
			ids = append(ids, id)
		}
	}
	p.mu.RUnlock()
	p.transition(ids, PoolTxStateCommitted, PoolTxStateVerified, nil)
	return ids
}

// Purge removes the txs that reached a final state longer than ttl ago
func (p *TxPool) Purge(ttl time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	limit := p.clock.Now().Add(-ttl)
	n := 0
	for id, tx := range p.txs {
		if tx.Final() && tx.Timestamp.Before(limit) {
			delete(p.txs, id)
			n++
		}
	}
	if n > 0 {
		log.Debugw("TxPool: purged final txs", "n", n)
	}
	return n
}
