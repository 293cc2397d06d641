package historydb

import (
	"fmt"
	"math/big"
	"time"

	"tokamak-settlement/common"
	"tokamak-settlement/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// HistoryDB persist the historic of the rollup
type HistoryDB struct {
	dbRead     *sqlx.DB
	dbWrite    *sqlx.DB
	apiConnCon *database.APIConnectionController
}

// NewHistoryDB initialize the DB
func NewHistoryDB(dbRead, dbWrite *sqlx.DB, apiConnCon *database.APIConnectionController) *HistoryDB {
	return &HistoryDB{
		dbRead:     dbRead,
		dbWrite:    dbWrite,
		apiConnCon: apiConnCon,
	}
}

// DB returns a pointer to the HistoryDB.db. This method should be used only
// for internal testing purposes.
func (hdb *HistoryDB) DB() *sqlx.DB {
	return hdb.dbWrite
}

// AddBlock insert a committed block into the DB
func (hdb *HistoryDB) AddBlock(block *common.Block) error { return hdb.addBlock(hdb.dbWrite, block) }
func (hdb *HistoryDB) addBlock(d meddler.DB, block *common.Block) error {
	return common.Wrap(meddler.Insert(d, "block", block))
}

// AddBlocks inserts blocks into the DB
func (hdb *HistoryDB) AddBlocks(blocks []common.Block) error {
	return common.Wrap(hdb.addBlocks(hdb.dbWrite, blocks))
}

func (hdb *HistoryDB) addBlocks(d meddler.DB, blocks []common.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	return common.Wrap(database.BulkInsert(
		d,
		`INSERT INTO block (
			block_num,
			circuit,
			batch_num,
			old_root,
			new_root,
			commitment,
			fees,
			prover,
			deadline,
			state,
			packed_txs,
			account_idxs,
			committed_at,
			verified_at,
			eth_block_num
		) VALUES %s;`,
		blocks,
	))
}

// GetBlock retrieve a block from the DB, given a block number
func (hdb *HistoryDB) GetBlock(blockNum common.BlockNum) (*common.Block, error) {
	block := &common.Block{}
	err := meddler.QueryRow(
		hdb.dbRead, block,
		"SELECT * FROM block WHERE block_num = $1;", blockNum,
	)
	return block, common.Wrap(err)
}

// GetAllBlocks retrieve all blocks from the DB
func (hdb *HistoryDB) GetAllBlocks() ([]common.Block, error) {
	var blocks []*common.Block
	err := meddler.QueryAll(
		hdb.dbRead, &blocks,
		"SELECT * FROM block ORDER BY block_num;",
	)
	return database.SlicePtrsToSlice(blocks).([]common.Block), common.Wrap(err)
}

// GetBlocks retrieve blocks from the DB, given a range of block numbers
// defined by from and to (to excluded)
func (hdb *HistoryDB) GetBlocks(from, to common.BlockNum) ([]common.Block, error) {
	var blocks []*common.Block
	err := meddler.QueryAll(
		hdb.dbRead, &blocks,
		"SELECT * FROM block WHERE $1 <= block_num AND block_num < $2 ORDER BY block_num;",
		from, to,
	)
	return database.SlicePtrsToSlice(blocks).([]common.Block), common.Wrap(err)
}

// GetLastBlock retrieve the block with the highest block number from the DB
func (hdb *HistoryDB) GetLastBlock() (*common.Block, error) {
	block := &common.Block{}
	err := meddler.QueryRow(
		hdb.dbRead, block, "SELECT * FROM block ORDER BY block_num DESC LIMIT 1;",
	)
	return block, common.Wrap(err)
}

// GetLastVerifiedBlockNum returns the number of the last verified block, or 0
func (hdb *HistoryDB) GetLastVerifiedBlockNum() (common.BlockNum, error) {
	var blockNum common.BlockNum
	row := hdb.dbRead.QueryRow(
		"SELECT COALESCE(MAX(block_num), 0) FROM block WHERE state = $1;",
		common.BlockStateVerified,
	)
	return blockNum, common.Wrap(row.Scan(&blockNum))
}

// Reorg deletes all the information that was added into the DB after the
// lastValidBlock.  Withdrawals released by the deleted blocks are deleted in
// cascade.
func (hdb *HistoryDB) Reorg(lastValidBlock common.BlockNum) error {
	_, err := hdb.dbWrite.Exec("DELETE FROM block WHERE block_num > $1;", lastValidBlock)
	if err != nil {
		return common.Wrap(err)
	}
	_, err = hdb.dbWrite.Exec("UPDATE batch SET state = $1, block_num = 0 WHERE block_num > $2;",
		common.BatchStateCreated, lastValidBlock)
	return common.Wrap(err)
}

// AddBatch insert or replaces a Batch into the DB
func (hdb *HistoryDB) AddBatch(batch *common.Batch) error { return hdb.addBatch(hdb.dbWrite, batch) }
func (hdb *HistoryDB) addBatch(d meddler.DB, batch *common.Batch) error {
	if batch == nil {
		return nil
	}
	_, err := d.Exec(
		`INSERT INTO batch (batch_num, kind, state, fee, block_num, timestamp, closed, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kind, batch_num) DO UPDATE SET
			state = EXCLUDED.state,
			block_num = EXCLUDED.block_num,
			timestamp = EXCLUDED.timestamp,
			closed = EXCLUDED.closed,
			size = EXCLUDED.size;`,
		batch.Num, batch.Kind, batch.State, common.BigIntOrZero(batch.Fee).String(),
		batch.BlockNum, batch.Timestamp.UTC(), batch.Closed, batch.Size,
	)
	return common.Wrap(err)
}

// GetBatch returns the batch of the given kind and number
func (hdb *HistoryDB) GetBatch(kind common.BatchKind, batchNum common.BatchNum) (*common.Batch, error) {
	batch := &common.Batch{}
	err := meddler.QueryRow(
		hdb.dbRead, batch,
		"SELECT * FROM batch WHERE kind = $1 AND batch_num = $2;", kind, batchNum,
	)
	return batch, common.Wrap(err)
}

// GetAllBatches retrieve all batches of a kind from the DB
func (hdb *HistoryDB) GetAllBatches(kind common.BatchKind) ([]common.Batch, error) {
	var batches []*common.Batch
	err := meddler.QueryAll(
		hdb.dbRead, &batches,
		"SELECT * FROM batch WHERE kind = $1 ORDER BY batch_num;", kind,
	)
	return database.SlicePtrsToSlice(batches).([]common.Batch), common.Wrap(err)
}

// VerifyBlock marks a block as verified and stores, in a single SQL
// transaction, the batch it settled and the withdrawals it released.
func (hdb *HistoryDB) VerifyBlock(blockNum common.BlockNum, verifiedAt time.Time,
	batch *common.Batch, withdrawals []common.WithdrawInfo) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	res, err := txn.Exec(
		"UPDATE block SET state = $1, verified_at = $2 WHERE block_num = $3;",
		common.BlockStateVerified, verifiedAt.UTC(), blockNum,
	)
	if err != nil {
		return common.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return common.Wrap(err)
	}
	if n != 1 {
		return common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownBlock, blockNum))
	}
	if err = hdb.addBatch(txn, batch); err != nil {
		return common.Wrap(err)
	}
	if err = hdb.addWithdrawals(txn, withdrawals); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

// AddWithdrawals insert withdrawals into the DB
func (hdb *HistoryDB) AddWithdrawals(withdrawals []common.WithdrawInfo) error {
	return common.Wrap(hdb.addWithdrawals(hdb.dbWrite, withdrawals))
}

func (hdb *HistoryDB) addWithdrawals(d meddler.DB, withdrawals []common.WithdrawInfo) error {
	if len(withdrawals) == 0 {
		return nil
	}
	return common.Wrap(database.BulkInsert(
		d,
		`INSERT INTO withdrawal (
			id,
			account,
			owner,
			amount,
			remaining_amount,
			token,
			tx_hash,
			tx_block,
			tx_log_index,
			block_num,
			full_exit,
			timestamp
		) VALUES %s;`,
		withdrawals,
	))
}

// GetWithdrawal returns the withdrawal with the given id
func (hdb *HistoryDB) GetWithdrawal(id uint64) (*common.WithdrawInfo, error) {
	w := &common.WithdrawInfo{}
	err := meddler.QueryRow(
		hdb.dbRead, w, "SELECT * FROM withdrawal WHERE id = $1;", id,
	)
	return w, common.Wrap(err)
}

// GetWithdrawals returns the withdrawals of owner, oldest first
func (hdb *HistoryDB) GetWithdrawals(owner ethCommon.Address) ([]common.WithdrawInfo, error) {
	var ws []*common.WithdrawInfo
	err := meddler.QueryAll(
		hdb.dbRead, &ws,
		"SELECT * FROM withdrawal WHERE owner = $1 ORDER BY id;", owner,
	)
	return database.SlicePtrsToSlice(ws).([]common.WithdrawInfo), common.Wrap(err)
}

// GetWithdrawalsAPI is GetWithdrawals gated by the API connection
// controller
func (hdb *HistoryDB) GetWithdrawalsAPI(owner ethCommon.Address) ([]common.WithdrawInfo, error) {
	if hdb.apiConnCon != nil {
		cancel, err := hdb.apiConnCon.Acquire()
		defer cancel()
		if err != nil {
			return nil, common.Wrap(err)
		}
		defer hdb.apiConnCon.Release()
	}
	return hdb.GetWithdrawals(owner)
}

// AddFinalizedWithdrawal stores a pull of released funds and decreases the
// remaining amount of its withdrawal
func (hdb *HistoryDB) AddFinalizedWithdrawal(fw *common.FinalizedWithdrawal) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	var remainingStr string
	if err = txn.QueryRow(
		"SELECT remaining_amount FROM withdrawal WHERE id = $1 FOR UPDATE;", fw.WithdrawalID,
	).Scan(&remainingStr); err != nil {
		return common.Wrap(err)
	}
	remaining, ok := new(big.Int).SetString(remainingStr, 10)
	if !ok {
		return common.Wrap(fmt.Errorf("big.Int.SetString failed on %q", remainingStr))
	}
	if remaining.Cmp(fw.Amount) < 0 {
		return common.NewShortfallError(common.ErrInsufficientBalance, fw.Amount, remaining)
	}
	remaining.Sub(remaining, fw.Amount)
	if _, err = txn.Exec("UPDATE withdrawal SET remaining_amount = $1 WHERE id = $2;",
		remaining.String(), fw.WithdrawalID); err != nil {
		return common.Wrap(err)
	}
	if err = meddler.Insert(txn, "finalized_withdrawal", fw); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

// GetFinalizedWithdrawals returns the pulls of a withdrawal
func (hdb *HistoryDB) GetFinalizedWithdrawals(withdrawalID uint64) ([]common.FinalizedWithdrawal, error) {
	var fws []*common.FinalizedWithdrawal
	err := meddler.QueryAll(
		hdb.dbRead, &fws,
		"SELECT * FROM finalized_withdrawal WHERE withdrawal_id = $1 ORDER BY tx_block, tx_log_index;",
		withdrawalID,
	)
	return database.SlicePtrsToSlice(fws).([]common.FinalizedWithdrawal), common.Wrap(err)
}
