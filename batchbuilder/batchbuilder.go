package batchbuilder

import (
	"fmt"

	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"
	"tokamak-settlement/database/kvdb"
	"tokamak-settlement/database/statedb"
	"tokamak-settlement/txprocessor"

	"github.com/hermeznetwork/tracerr"
)

// ConfigBatch contains the batch configuration
type ConfigBatch struct {
	TxProcessorConfig txprocessor.Config
}

// BatchBuilder builds blocks on a local copy of the state.  The local state
// runs ahead of the synchronizer one: it holds every committed block, where
// the synchronizer only holds the verified ones.  There is one checkpoint per
// committed block, numbered as the block.
type BatchBuilder struct {
	localStateDB *statedb.LocalStateDB
	tp           *txprocessor.TxProcessor
}

// NewBatchBuilder constructs a new BatchBuilder, and executes the bb.Reset
// method
func NewBatchBuilder(dbpath string, synchronizerStateDB *statedb.StateDB, blockNum common.BlockNum,
	nLevels uint64, cfg ConfigBatch) (*BatchBuilder, error) {
	localStateDB, err := statedb.NewLocalStateDB(
		statedb.Config{
			Path:    dbpath,
			Keep:    kvdb.DefaultKeep,
			Type:    statedb.TypeBatchBuilder,
			NLevels: int(nLevels),
		},
		synchronizerStateDB)
	if err != nil {
		return nil, common.Wrap(err)
	}

	bb := BatchBuilder{
		localStateDB: localStateDB,
		tp:           txprocessor.NewTxProcessor(localStateDB.StateDB, cfg.TxProcessorConfig),
	}

	err = bb.Reset(blockNum, true)
	return &bb, common.Wrap(err)
}

// Reset tells the BatchBuilder to reset it's internal state to the required
// `blockNum`.  If `fromSynchronizer` is true, the BatchBuilder must take a
// copy of the rollup state from the Synchronizer at that `blockNum`, otherwise
// it can just roll back the internal copy.
func (bb *BatchBuilder) Reset(blockNum common.BlockNum, fromSynchronizer bool) error {
	return common.Wrap(bb.localStateDB.Reset(blockNum, fromSynchronizer))
}

// BuildL2Block applies txs on top of the last confirmed block.  Rejected txs
// are reported in the output and leave the state untouched.
func (bb *BatchBuilder) BuildL2Block(blockNum common.BlockNum,
	txs []common.L2Tx) (*txprocessor.ProcessTxOutput, error) {
	if err := bb.checkNext(blockNum); err != nil {
		return nil, common.Wrap(err)
	}
	out, err := bb.tp.ProcessL2Txs(blockNum, txs)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return out, nil
}

// BuildDepositBlock credits the live requests of a closed deposit batch
func (bb *BatchBuilder) BuildDepositBlock(blockNum common.BlockNum, batch *common.Batch,
	reqs []*batchqueue.Request) (*txprocessor.ProcessTxOutput, error) {
	if err := bb.checkBatch(blockNum, batch, common.BatchKindDeposit); err != nil {
		return nil, common.Wrap(err)
	}
	out, err := bb.tp.ProcessDeposits(reqs, batch.Size)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return out, nil
}

// BuildExitBlock empties the accounts of the live requests of a closed exit
// batch
func (bb *BatchBuilder) BuildExitBlock(blockNum common.BlockNum, batch *common.Batch,
	reqs []*batchqueue.Request) (*txprocessor.ProcessTxOutput, error) {
	if err := bb.checkBatch(blockNum, batch, common.BatchKindExit); err != nil {
		return nil, common.Wrap(err)
	}
	out, err := bb.tp.ProcessExits(reqs, batch.Size)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return out, nil
}

// Confirm checkpoints the state of the block just built once it has been
// committed
func (bb *BatchBuilder) Confirm(blockNum common.BlockNum) error {
	if err := bb.checkNext(blockNum); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(bb.localStateDB.MakeCheckpoint())
}

// Rollback discards the block built since the last Confirm
func (bb *BatchBuilder) Rollback() error {
	return bb.Reset(bb.localStateDB.CurrentBlock(), false)
}

// LastConfirmed returns the number of the last confirmed block
func (bb *BatchBuilder) LastConfirmed() common.BlockNum {
	return bb.localStateDB.CurrentBlock()
}

// LocalStateDB returns the underlying LocalStateDB
func (bb *BatchBuilder) LocalStateDB() *statedb.LocalStateDB {
	return bb.localStateDB
}

func (bb *BatchBuilder) checkNext(blockNum common.BlockNum) error {
	if next := bb.localStateDB.CurrentBlock() + 1; blockNum != next {
		return tracerr.Wrap(fmt.Errorf("%w: building block %d on top of block %d",
			common.ErrOutOfOrderCommit, blockNum, next-1))
	}
	return nil
}

func (bb *BatchBuilder) checkBatch(blockNum common.BlockNum, batch *common.Batch, kind common.BatchKind) error {
	if err := bb.checkNext(blockNum); err != nil {
		return tracerr.Wrap(err)
	}
	if batch.Kind != kind {
		return tracerr.Wrap(fmt.Errorf("%w: batch %d is a %s batch, want %s",
			common.ErrInvalidCircuit, batch.Num, batch.Kind, kind))
	}
	if !batch.Closed {
		return tracerr.Wrap(fmt.Errorf("%w: %s batch %d is still open",
			common.ErrOutOfOrderCommit, batch.Kind, batch.Num))
	}
	return nil
}
