package txprocessor

import (
	"math/big"
	"os"
	"testing"

	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"
	"tokamak-settlement/database/statedb"
	"tokamak-settlement/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deleteme []string

func init() {
	log.Init("debug", []string{"stdout"})
}

func TestMain(m *testing.M) {
	exitVal := m.Run()
	for _, dir := range deleteme {
		if err := os.RemoveAll(dir); err != nil {
			panic(err)
		}
	}
	os.Exit(exitVal)
}

func newTestStateDB(t *testing.T) *statedb.StateDB {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	sdb, err := statedb.NewStateDB(statedb.Config{Path: dir, Keep: 16, Type: statedb.TypeSynchronizer})
	require.NoError(t, err)
	return sdb
}

func owner(i int) ethCommon.Address {
	return ethCommon.BigToAddress(big.NewInt(int64(0xa000 + i)))
}

func depositRequests() []*batchqueue.Request {
	return []*batchqueue.Request{
		{AccountIdx: 1, Owner: owner(1), Token: 1, Amount: big.NewInt(1000), FeePaid: big.NewInt(10)},
		{AccountIdx: 2, Owner: owner(2), Token: 1, Amount: big.NewInt(50), FeePaid: big.NewInt(10)},
	}
}

func TestProcessDeposits(t *testing.T) {
	sdb := newTestStateDB(t)
	defer sdb.Close()
	tp := NewTxProcessor(sdb, Config{})

	before := sdb.Root()
	out, err := tp.ProcessDeposits(depositRequests(), 4)
	require.NoError(t, err)
	require.Len(t, out.Txs, 4)
	assert.True(t, out.Txs[3].(*common.Deposit).IsPadding())
	assert.Len(t, out.PackedTxs, 4*common.DepositBytesLen)
	assert.NotEqual(t, before, out.NewRoot)
	assert.Empty(t, out.Fees.Tokens())

	acc, err := sdb.GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, "1000", acc.Balance(1).String())
	assert.Equal(t, owner(1), acc.Owner)

	// a second deposit to the same account accumulates
	_, err = tp.ProcessDeposits([]*batchqueue.Request{
		{AccountIdx: 1, Owner: owner(1), Token: 2, Amount: big.NewInt(7), FeePaid: big.NewInt(10)},
	}, 1)
	require.NoError(t, err)
	acc, err = sdb.GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, []common.TokenID{1, 2}, acc.Tokens())
}

func TestProcessL2Txs(t *testing.T) {
	sdb := newTestStateDB(t)
	defer sdb.Close()
	tp := NewTxProcessor(sdb, Config{})
	_, err := tp.ProcessDeposits(depositRequests(), 2)
	require.NoError(t, err)

	txs := []common.L2Tx{
		&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(100), Fee: big.NewInt(5)},
		// replayed nonce
		&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(100), Fee: big.NewInt(5)},
		&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(100), Fee: big.NewInt(5), Nonce: 5},
		&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(1), Fee: big.NewInt(1), Nonce: 1,
			GoodUntilBlock: 1},
		&common.Transfer{From: 2, To: 1, TokenID: 1, Amount: big.NewInt(1000), Fee: big.NewInt(1)},
		&common.Transfer{From: 1, To: 9, TokenID: 1, Amount: big.NewInt(1), Fee: big.NewInt(1), Nonce: 1},
		&common.Close{Idx: 2},
		&common.Withdraw{From: 2, TokenID: 1, Amount: big.NewInt(145), Fee: big.NewInt(5),
			EthAddress: owner(2)},
		&common.Close{Idx: 2, Nonce: 1},
	}
	out, err := tp.ProcessL2Txs(2, txs)
	require.NoError(t, err)

	reasons := make([]string, 0, len(out.Rejected))
	for _, r := range out.Rejected {
		reasons = append(reasons, r.Reason)
	}
	assert.Equal(t, []string{"NonceTooLow", "NonceGap", "TxExpired", "InsufficientBalance",
		"UnknownAccount", "AccountNotEmpty"}, reasons)
	require.Len(t, out.Txs, 3)
	assert.Equal(t, "10", out.Fees.Get(1).String())

	acc, err := sdb.GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, "895", acc.Balance(1).String())
	assert.Equal(t, common.Nonce(1), acc.Nonce)

	// closed accounts can't receive
	out, err = tp.ProcessL2Txs(3, []common.L2Tx{
		&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: 1},
	})
	require.NoError(t, err)
	require.Len(t, out.Rejected, 1)
	assert.True(t, common.IsErr(out.Rejected[0].Err, common.ErrUnknownAccount))
}

func TestMaxTxs(t *testing.T) {
	sdb := newTestStateDB(t)
	defer sdb.Close()
	tp := NewTxProcessor(sdb, Config{MaxTxs: 1})
	_, err := tp.ProcessDeposits(depositRequests(), 2)
	require.NoError(t, err)
	out, err := tp.ProcessL2Txs(1, []common.L2Tx{
		&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(1), Fee: big.NewInt(0)},
		&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(1), Fee: big.NewInt(0), Nonce: 1},
	})
	require.NoError(t, err)
	assert.Len(t, out.Txs, 1)
	assert.Empty(t, out.Rejected)
}

func TestProcessExits(t *testing.T) {
	sdb := newTestStateDB(t)
	defer sdb.Close()
	tp := NewTxProcessor(sdb, Config{})
	_, err := tp.ProcessDeposits(depositRequests(), 2)
	require.NoError(t, err)
	_, err = tp.ProcessDeposits([]*batchqueue.Request{
		{AccountIdx: 2, Owner: owner(2), Token: 3, Amount: big.NewInt(9), FeePaid: big.NewInt(0)},
	}, 1)
	require.NoError(t, err)

	out, err := tp.ProcessExits([]*batchqueue.Request{
		{AccountIdx: 2, Owner: owner(2), Amount: big.NewInt(0), FeePaid: big.NewInt(10)},
	}, 2)
	require.NoError(t, err)
	require.Len(t, out.Txs, 3)
	first := out.Txs[0].(*common.FullExit)
	assert.Equal(t, common.TokenID(1), first.TokenID)
	assert.Equal(t, "50", first.Amount.String())
	assert.Equal(t, "9", out.Txs[1].(*common.FullExit).Amount.String())
	assert.True(t, out.Txs[2].(*common.FullExit).IsPadding())

	_, err = sdb.GetIdxByEthAddr(owner(2))
	assert.Error(t, err)
}

func TestReplayMatchesBuild(t *testing.T) {
	builder := newTestStateDB(t)
	defer builder.Close()
	replayer := newTestStateDB(t)
	defer replayer.Close()
	build := NewTxProcessor(builder, Config{})
	replay := NewTxProcessor(replayer, Config{})

	steps := []func() (common.Circuit, *ProcessTxOutput){
		func() (common.Circuit, *ProcessTxOutput) {
			out, err := build.ProcessDeposits(depositRequests(), 4)
			require.NoError(t, err)
			return common.CircuitDeposit, out
		},
		func() (common.Circuit, *ProcessTxOutput) {
			out, err := build.ProcessL2Txs(2, []common.L2Tx{
				&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(900), Fee: big.NewInt(0)},
				&common.Withdraw{From: 2, TokenID: 1, Amount: big.NewInt(20), Fee: big.NewInt(3),
					EthAddress: owner(2)},
			})
			require.NoError(t, err)
			require.Empty(t, out.Rejected)
			return common.CircuitTransfer, out
		},
		func() (common.Circuit, *ProcessTxOutput) {
			out, err := build.ProcessExits([]*batchqueue.Request{
				{AccountIdx: 2, Owner: owner(2), Amount: big.NewInt(0), FeePaid: big.NewInt(0)},
			}, 2)
			require.NoError(t, err)
			return common.CircuitExit, out
		},
	}
	for i, step := range steps {
		circuit, built := step()
		replayed, err := replay.ProcessPacked(common.BlockNum(i+1), circuit, built.PackedTxs)
		require.NoError(t, err)
		assert.Equal(t, built.NewRoot, replayed.NewRoot, "step %d", i)
		assert.Equal(t, built.Fees.Tokens(), replayed.Fees.Tokens())
	}

	acc, err := replayer.GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, "100", acc.Balance(1).String())

	// a tampered exit amount doesn't replay
	bad, err := common.PackTxs([]common.Tx{
		&common.FullExit{Idx: 1, Owner: owner(1), TokenID: 1, Amount: big.NewInt(1)},
	})
	require.NoError(t, err)
	_, err = replay.ProcessPacked(4, common.CircuitExit, bad)
	assert.True(t, common.IsErr(err, common.ErrInvalidTxBytes))
}

func TestExitWithoutLeaf(t *testing.T) {
	builder := newTestStateDB(t)
	defer builder.Close()
	replayer := newTestStateDB(t)
	defer replayer.Close()
	build := NewTxProcessor(builder, Config{})
	replay := NewTxProcessor(replayer, Config{})

	// the exit batch is applied before the deposit batch creating the leaf
	before := builder.Root()
	out, err := build.ProcessExits([]*batchqueue.Request{
		{AccountIdx: 3, Owner: owner(3), Amount: big.NewInt(0), FeePaid: big.NewInt(10)},
	}, 2)
	require.NoError(t, err)
	require.Len(t, out.Txs, 2)
	exit := out.Txs[0].(*common.FullExit)
	assert.Equal(t, common.AccountIdx(3), exit.Idx)
	assert.Equal(t, owner(3), exit.Owner)
	assert.Equal(t, "0", exit.Amount.String())
	assert.Equal(t, before, out.NewRoot)

	replayed, err := replay.ProcessPacked(1, common.CircuitExit, out.PackedTxs)
	require.NoError(t, err)
	assert.Equal(t, out.NewRoot, replayed.NewRoot)

	out, err = build.ProcessDeposits([]*batchqueue.Request{
		{AccountIdx: 3, Owner: owner(3), Token: 1, Amount: big.NewInt(70), FeePaid: big.NewInt(10)},
	}, 1)
	require.NoError(t, err)
	acc, err := builder.GetAccount(3)
	require.NoError(t, err)
	assert.Equal(t, "70", acc.Balance(1).String())

	// a record paying out of an account without a leaf doesn't replay
	bad, err := common.PackTxs([]common.Tx{
		&common.FullExit{Idx: 7, Owner: owner(7), TokenID: 1, Amount: big.NewInt(5)},
	})
	require.NoError(t, err)
	_, err = replay.ProcessPacked(2, common.CircuitExit, bad)
	assert.True(t, common.IsErr(err, common.ErrInvalidTxBytes))
}

func TestRestoredAccountKeepsNonce(t *testing.T) {
	sdb := newTestStateDB(t)
	defer sdb.Close()
	tp := NewTxProcessor(sdb, Config{})
	_, err := tp.ProcessDeposits(depositRequests(), 2)
	require.NoError(t, err)

	spent := &common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(10), Fee: big.NewInt(1)}
	out, err := tp.ProcessL2Txs(2, []common.L2Tx{spent})
	require.NoError(t, err)
	require.Empty(t, out.Rejected)

	// a deposit batched before the exit restores the cleared leaf
	_, err = tp.ProcessExits([]*batchqueue.Request{
		{AccountIdx: 1, Owner: owner(1), Amount: big.NewInt(0), FeePaid: big.NewInt(0)},
	}, 1)
	require.NoError(t, err)
	cleared, err := sdb.GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(1), cleared.Nonce)

	_, err = tp.ProcessDeposits([]*batchqueue.Request{
		{AccountIdx: 1, Owner: owner(1), Token: 1, Amount: big.NewInt(500), FeePaid: big.NewInt(10)},
	}, 1)
	require.NoError(t, err)
	restored, err := sdb.GetAccount(1)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(1), restored.Nonce)
	assert.Equal(t, "500", restored.Balance(1).String())

	out, err = tp.ProcessL2Txs(5, []common.L2Tx{spent})
	require.NoError(t, err)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "NonceTooLow", out.Rejected[0].Reason)
}
