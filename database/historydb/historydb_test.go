package historydb

import (
	"math/big"
	"os"
	"testing"
	"time"

	"tokamak-settlement/common"
	"tokamak-settlement/database"
	"tokamak-settlement/log"
	"tokamak-settlement/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var historyDB *HistoryDB

func init() {
	log.Init("debug", []string{"stdout"})
}

func TestMain(m *testing.M) {
	// init DB
	db, err := database.InitTestSQLDB()
	if err != nil && !common.IsErr(err, database.ErrNoTestDB) {
		panic(err)
	}
	if db != nil {
		historyDB = NewHistoryDB(db, db, database.NewAPIConnectionController(1, time.Second))
	}

	// Run tests
	result := m.Run()
	if db != nil {
		if err := db.Close(); err != nil {
			log.Errorw("Error closing the history DB", "err", err)
		}
	}
	os.Exit(result)
}

func requireDB(t *testing.T) {
	if historyDB == nil {
		t.Skip("POSTGRES_PASS not set, skipping HistoryDB tests")
	}
	test.WipeDB(historyDB.DB())
}

func setTestBlocks(from, to common.BlockNum) []common.Block {
	var blocks []common.Block
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	for i := from; i < to; i++ {
		blocks = append(blocks, common.Block{
			Num:         i,
			Circuit:     common.CircuitTransfer,
			OldRoot:     ethCommon.BigToHash(big.NewInt(int64(i))),
			NewRoot:     ethCommon.BigToHash(big.NewInt(int64(i + 1))),
			Commitment:  ethCommon.BigToHash(big.NewInt(int64(1000 + i))),
			Fees:        common.FeeTotals{common.NativeTokenID: big.NewInt(int64(i))},
			Prover:      ethCommon.HexToAddress("0x1111"),
			Deadline:    now.Add(time.Hour),
			State:       common.BlockStateCommitted,
			PackedTxs:   []byte{byte(i)},
			CommittedAt: now,
			EthBlockNum: int64(10 + i),
		})
	}
	return blocks
}

func assertEqualBlock(t *testing.T, expected *common.Block, actual *common.Block) {
	assert.Equal(t, expected.Num, actual.Num)
	assert.Equal(t, expected.NewRoot, actual.NewRoot)
	assert.Equal(t, expected.Commitment, actual.Commitment)
	assert.Equal(t, expected.State, actual.State)
	assert.Equal(t, expected.PackedTxs, actual.PackedTxs)
	assert.Equal(t, expected.Deadline.Unix(), actual.Deadline.Unix())
	assert.Equal(t, 0, expected.Fees.Get(common.NativeTokenID).Cmp(actual.Fees.Get(common.NativeTokenID)))
}

func TestBlocks(t *testing.T) {
	requireDB(t)
	blocks := setTestBlocks(1, 6)
	for i := range blocks {
		require.NoError(t, historyDB.AddBlock(&blocks[i]))
	}
	fetched, err := historyDB.GetAllBlocks()
	require.NoError(t, err)
	require.Equal(t, len(blocks), len(fetched))
	for i := range blocks {
		assertEqualBlock(t, &blocks[i], &fetched[i])
	}
	last, err := historyDB.GetLastBlock()
	require.NoError(t, err)
	assertEqualBlock(t, &blocks[len(blocks)-1], last)

	ranged, err := historyDB.GetBlocks(2, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, len(ranged))

	require.NoError(t, historyDB.Reorg(3))
	fetched, err = historyDB.GetAllBlocks()
	require.NoError(t, err)
	assert.Equal(t, 3, len(fetched))
}

func TestVerifyBlockWithWithdrawals(t *testing.T) {
	requireDB(t)
	blocks := setTestBlocks(1, 3)
	require.NoError(t, historyDB.AddBlocks(blocks))

	owner := ethCommon.HexToAddress("0x2222")
	now := time.Date(2024, time.March, 1, 13, 0, 0, 0, time.UTC)
	withdrawals := []common.WithdrawInfo{
		{
			ID: 1, Account: 7, Owner: owner,
			Amount: big.NewInt(1000), RemainingAmount: big.NewInt(1000),
			TokenID: 1, TxHash: ethCommon.HexToHash("0xaa"), TxBlock: 20, TxLogIndex: 0,
			BlockNum: 1, Timestamp: now,
		},
		{
			ID: 2, Account: 7, Owner: owner,
			Amount: big.NewInt(5), RemainingAmount: big.NewInt(5),
			TokenID: 0, TxHash: ethCommon.HexToHash("0xaa"), TxBlock: 20, TxLogIndex: 1,
			BlockNum: 1, FullExit: true, Timestamp: now,
		},
	}
	batch := &common.Batch{Num: 1, Kind: common.BatchKindExit, State: common.BatchStateVerified,
		Fee: big.NewInt(3), BlockNum: 1, Timestamp: now, Closed: true, Size: 4}
	require.NoError(t, historyDB.VerifyBlock(1, now, batch, withdrawals))

	b, err := historyDB.GetBlock(1)
	require.NoError(t, err)
	assert.Equal(t, common.BlockStateVerified, b.State)
	assert.Equal(t, now.Unix(), b.VerifiedAt.Unix())
	lastVerified, err := historyDB.GetLastVerifiedBlockNum()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(1), lastVerified)

	dbBatch, err := historyDB.GetBatch(common.BatchKindExit, 1)
	require.NoError(t, err)
	assert.Equal(t, common.BatchStateVerified, dbBatch.State)
	assert.Equal(t, "3", dbBatch.Fee.String())

	// same (tx_hash, tx_log_index) is rejected
	err = historyDB.AddWithdrawals([]common.WithdrawInfo{{
		ID: 3, Account: 7, Owner: owner, Amount: big.NewInt(1), RemainingAmount: big.NewInt(1),
		TxHash: ethCommon.HexToHash("0xaa"), TxBlock: 20, TxLogIndex: 1, BlockNum: 1, Timestamp: now,
	}})
	assert.Error(t, err)

	// unknown block
	err = historyDB.VerifyBlock(9, now, nil, nil)
	assert.True(t, common.IsErr(err, common.ErrUnknownBlock))

	ws, err := historyDB.GetWithdrawalsAPI(owner)
	require.NoError(t, err)
	require.Equal(t, 2, len(ws))
	assert.Equal(t, "1000", ws[0].Amount.String())
	assert.True(t, ws[1].FullExit)

	// partial pulls decrease the remaining amount
	require.NoError(t, historyDB.AddFinalizedWithdrawal(&common.FinalizedWithdrawal{
		WithdrawalID: 1, Amount: big.NewInt(400),
		TxHash: ethCommon.HexToHash("0xbb"), TxBlock: 21, TxLogIndex: 0,
	}))
	err = historyDB.AddFinalizedWithdrawal(&common.FinalizedWithdrawal{
		WithdrawalID: 1, Amount: big.NewInt(601),
		TxHash: ethCommon.HexToHash("0xbb"), TxBlock: 21, TxLogIndex: 1,
	})
	assert.True(t, common.IsErr(err, common.ErrInsufficientBalance))
	w, err := historyDB.GetWithdrawal(1)
	require.NoError(t, err)
	assert.Equal(t, "600", w.RemainingAmount.String())
	fws, err := historyDB.GetFinalizedWithdrawals(1)
	require.NoError(t, err)
	assert.Equal(t, 1, len(fws))

	// deleting the block cascades to withdrawals and their pulls
	require.NoError(t, historyDB.Reorg(0))
	ws, err = historyDB.GetWithdrawals(owner)
	require.NoError(t, err)
	assert.Equal(t, 0, len(ws))
}
