package eth

import (
	"math/big"
	"testing"
	"time"

	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"
	"tokamak-settlement/log"
	"tokamak-settlement/rollup"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

var (
	alice    = ethCommon.HexToAddress("0xa11ce")
	bob      = ethCommon.HexToAddress("0xb0b")
	operator = ethCommon.HexToAddress("0x0be")
)

func newTestLedger(t *testing.T) (*Ledger, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	l, err := NewLedger(LedgerConfig{
		Rollup:       rollup.Config{ChallengePeriod: time.Hour},
		DepositBatch: batchqueue.Config{BatchSize: 2, Fee: big.NewInt(10)},
		ExitBatch:    batchqueue.Config{BatchSize: 2, Fee: big.NewInt(20)},
	}, WithClock(clock))
	require.NoError(t, err)
	_, err = l.EthRegisterToken(ethCommon.HexToAddress("0x70c3"), "TOK", 18)
	require.NoError(t, err)
	require.NoError(t, l.Mint(alice, common.NativeTokenID, big.NewInt(1000)))
	require.NoError(t, l.Mint(alice, 1, big.NewInt(500)))
	return l, clock
}

func balance(t *testing.T, l *Ledger, owner ethCommon.Address, token common.TokenID) string {
	b, err := l.EthBalance(owner, token)
	require.NoError(t, err)
	return b.String()
}

func TestRequestDepositDebitsWallet(t *testing.T) {
	l, _ := newTestLedger(t)

	r, err := l.RequestDeposit(alice, common.EmptyPubKey, 1, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	assert.True(t, r.Registered)
	assert.Equal(t, "990", balance(t, l, alice, common.NativeTokenID))
	assert.Equal(t, "400", balance(t, l, alice, 1))

	// merged requests are not charged again
	r, err = l.RequestDeposit(alice, common.EmptyPubKey, 1, big.NewInt(50), big.NewInt(10))
	require.NoError(t, err)
	assert.True(t, r.Merged)
	assert.Equal(t, "990", balance(t, l, alice, common.NativeTokenID))
	assert.Equal(t, "350", balance(t, l, alice, 1))

	_, err = l.RequestDeposit(bob, common.EmptyPubKey, 1, big.NewInt(1), big.NewInt(10))
	require.True(t, common.IsErr(err, common.ErrInsufficientBalance))
	assert.Equal(t, common.ClassEconomic, common.ClassOf(err))

	_, err = l.RequestDeposit(alice, common.EmptyPubKey, 7, big.NewInt(1), big.NewInt(10))
	assert.True(t, common.IsErr(err, common.ErrUnknownToken))

	req, err := l.CancelDeposit(alice)
	require.NoError(t, err)
	assert.Equal(t, "150", req.Amount.String())
	assert.Equal(t, "1000", balance(t, l, alice, common.NativeTokenID))
	assert.Equal(t, "500", balance(t, l, alice, 1))

	_, err = l.CancelDeposit(alice)
	assert.True(t, common.IsErr(err, common.ErrNoCancellableRequest))
}

func TestEventsCarryTxHashAndLogIndex(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.RequestDeposit(alice, common.EmptyPubKey, 1, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)

	last, err := l.EthLastBlock()
	require.NoError(t, err)
	block, err := l.EthBlockByNumber(last)
	require.NoError(t, err)
	require.Len(t, block.Events, 1)
	ev := block.Events[0]
	assert.Equal(t, EventDepositRequested, ev.Type)
	assert.Equal(t, last, ev.EthBlockNum)
	assert.NotEqual(t, ethCommon.Hash{}, ev.TxHash)
	assert.Equal(t, "100", ev.Request.Amount.String())

	parent, err := l.EthBlockByNumber(last - 1)
	require.NoError(t, err)
	assert.Equal(t, parent.Hash, block.ParentHash)

	// returned blocks are copies
	block.Events[0].Request.Amount.SetInt64(1)
	again, err := l.EthBlockByNumber(last)
	require.NoError(t, err)
	assert.Equal(t, "100", again.Events[0].Request.Amount.String())

	_, err = l.EthBlockByNumber(last + 1)
	assert.Error(t, err)
}

func TestExitVerifyLocksAndWithdraws(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.RequestDeposit(alice, common.EmptyPubKey, 1, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	l.StartNextBatch(common.BatchKindDeposit)
	batch, _, ok := l.BatchToCommit(common.BatchKindDeposit)
	require.True(t, ok)

	packed, err := common.PackTxs([]common.Tx{
		&common.Deposit{Idx: 1, TokenID: 1, Amount: big.NewInt(100), Owner: alice},
	})
	require.NoError(t, err)
	b1, err := l.RollupCommitBlock(rollup.CommitArgs{Num: 1, Circuit: common.CircuitDeposit,
		BatchNum: batch.Num, NewRoot: ethCommon.HexToHash("0x11"), PackedTxs: packed, Prover: operator})
	require.NoError(t, err)
	_, err = l.RollupVerifyBlock(1, common.ProofVerdict{Valid: true, OldRoot: b1.OldRoot,
		NewRoot: b1.NewRoot, Commitment: b1.Commitment})
	require.NoError(t, err)

	_, err = l.RequestExit(alice, big.NewInt(20))
	require.NoError(t, err)
	assert.Equal(t, common.AccountStatePendingExit, l.AccountState(alice))
	assert.Equal(t, "970", balance(t, l, alice, common.NativeTokenID))
	l.StartNextBatch(common.BatchKindExit)
	batch, _, ok = l.BatchToCommit(common.BatchKindExit)
	require.True(t, ok)

	packed, err = common.PackTxs([]common.Tx{
		&common.FullExit{Idx: 1, Owner: alice, TokenID: 1, Amount: big.NewInt(100)},
	})
	require.NoError(t, err)
	b2, err := l.RollupCommitBlock(rollup.CommitArgs{Num: 2, Circuit: common.CircuitExit,
		BatchNum: batch.Num, NewRoot: ethCommon.HexToHash("0x12"), PackedTxs: packed, Prover: operator})
	require.NoError(t, err)
	assert.Equal(t, b1.NewRoot, b2.OldRoot)
	_, err = l.RollupVerifyBlock(2, common.ProofVerdict{Valid: true, OldRoot: b2.OldRoot,
		NewRoot: b2.NewRoot, Commitment: b2.Commitment})
	require.NoError(t, err)
	assert.Equal(t, common.AccountStateNotRegistered, l.AccountState(alice))
	assert.Equal(t, "30", l.RollupOperatorFees(operator).Get(common.NativeTokenID).String())

	locked := l.LockedWithdrawals(alice)
	require.Len(t, locked, 1)
	assert.True(t, locked[0].FullExit)
	assert.Equal(t, "100", locked[0].RemainingAmount.String())

	last, err := l.EthLastBlock()
	require.NoError(t, err)
	block, err := l.EthBlockByNumber(last)
	require.NoError(t, err)
	require.Len(t, block.Events, 2)
	assert.Equal(t, EventBlockVerified, block.Events[0].Type)
	assert.Equal(t, EventWithdrawalLocked, block.Events[1].Type)
	assert.Equal(t, uint(1), block.Events[1].Withdrawal.TxLogIndex)

	_, err = l.WithdrawFunds(bob, locked[0].ID, nil)
	assert.True(t, common.IsErr(err, common.ErrUnknownWithdrawal))
	_, err = l.WithdrawFunds(alice, locked[0].ID, big.NewInt(101))
	assert.True(t, common.IsErr(err, common.ErrInsufficientBalance))

	fw, err := l.WithdrawFunds(alice, locked[0].ID, big.NewInt(40))
	require.NoError(t, err)
	assert.Equal(t, "40", fw.Amount.String())
	assert.Equal(t, "440", balance(t, l, alice, 1))
	_, err = l.WithdrawFunds(alice, locked[0].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "500", balance(t, l, alice, 1))
	assert.Empty(t, l.LockedWithdrawals(alice))
}
