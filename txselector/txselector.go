/*
Package txselector is responsible to choose the transactions from the pool that will be forged in the next block.

The pool keeps every L2 tx received through the API with its state:

	pend -> fing -> cmtd -> vrfd
	          \-> fail (with the typed reason of the rejection)

Transaction constrains are not checked here but by the txprocessor while the
batchbuilder applies the selection on the operator state:
- Sender account exists and is not cleared
- Sender account has enough balance: tx.Amount + fee <= account.Balance
- Sender account has correct nonce: `tx.Nonce == account.Nonce`
- The tx has not expired: `goodUntilBlock` is 0 or not lower than the block

Important considerations:
- It's assumed that signatures are correct, since they're checked before inserting txs to the pool
- The state is processed sequentially meaning that each tx that is selected affects the state, in other words:
the order in which txs are selected can make other txs became valid or invalid.
The selection is ordered by (sender, nonce) so that the txs of a sender apply in nonce order.

Current implementation:
 1. Get the pending transactions from the pool, ordered by (sender, nonce)
 2. Keep at most MaxL2Txs of them and mark them as forging
 3. Once processed, Settle returns the rejected ones to their final state:
    txs rejected for a nonce gap go back to pending (the missing nonce may
    still arrive), the rest fail with their reason. Txs left out by the
    processor go back to pending too.
*/
package txselector

import (
	"tokamak-settlement/common"
	"tokamak-settlement/log"
	"tokamak-settlement/metric"
	"tokamak-settlement/txprocessor"
)

// Config is the TxSelector configuration
type Config struct {
	// MaxL2Txs is the maximum number of txs selected for a block.  0 means
	// no limit.
	MaxL2Txs int
}

// Selection is the set of pool txs chosen for a block
type Selection struct {
	PoolTxs []*PoolTx
	L2Txs   []common.L2Tx
}

// IDs returns the ids of the selected txs
func (s *Selection) IDs() []common.TxID {
	ids := make([]common.TxID, len(s.PoolTxs))
	for i, tx := range s.PoolTxs {
		ids[i] = tx.TxID
	}
	return ids
}

// TxSelector implements all the functionalities to select the txs for the next
// block
type TxSelector struct {
	cfg  Config
	pool *TxPool
}

// NewTxSelector returns a *TxSelector
func NewTxSelector(cfg Config, pool *TxPool) *TxSelector {
	return &TxSelector{
		cfg:  cfg,
		pool: pool,
	}
}

// Pool returns the TxPool of the TxSelector
func (txsel *TxSelector) Pool() *TxPool {
	return txsel.pool
}

// GetL2TxSelection selects pending txs for the next block and marks them as
// forging
func (txsel *TxSelector) GetL2TxSelection() *Selection {
	pending := txsel.pool.Pending()
	if txsel.cfg.MaxL2Txs > 0 && len(pending) > txsel.cfg.MaxL2Txs {
		pending = pending[:txsel.cfg.MaxL2Txs]
	}
	sel := &Selection{
		PoolTxs: pending,
		L2Txs:   make([]common.L2Tx, len(pending)),
	}
	for i, tx := range pending {
		sel.L2Txs[i] = tx.Tx
	}
	txsel.pool.MarkForging(sel.IDs())
	return sel
}

// Settle updates the pool with the outcome of processing sel, and returns the
// ids of the accepted txs, which stay forging until their block is committed
func (txsel *TxSelector) Settle(sel *Selection, out *txprocessor.ProcessTxOutput) []common.TxID {
	rejected := make(map[common.TxID]txprocessor.RejectedTx, len(out.Rejected))
	for _, r := range out.Rejected {
		rejected[r.ID] = r
	}
	accepted := make(map[common.TxID]bool, len(out.Txs))
	for _, tx := range out.Txs {
		id, err := common.NewTxID(tx)
		if err != nil {
			log.Warnw("TxSelector: accepted tx without id", "err", err)
			continue
		}
		accepted[id] = true
	}

	var acceptedIDs, revert []common.TxID
	for _, tx := range sel.PoolTxs {
		switch r, ok := rejected[tx.TxID]; {
		case accepted[tx.TxID]:
			acceptedIDs = append(acceptedIDs, tx.TxID)
		case ok && common.IsErr(r.Err, common.ErrNonceGap):
			revert = append(revert, tx.TxID)
		case ok:
			txsel.pool.MarkFailed(tx.TxID, r.Reason)
			metric.RejectedL2Txs.WithLabelValues(r.Reason).Inc()
		default:
			revert = append(revert, tx.TxID)
		}
	}
	txsel.pool.Revert(revert)
	metric.SelectedL2Txs.Set(float64(len(acceptedIDs)))
	return acceptedIDs
}
