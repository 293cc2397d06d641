package batchqueue

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"tokamak-settlement/common"
	"tokamak-settlement/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

func owner(i int) ethCommon.Address {
	return ethCommon.BigToAddress(big.NewInt(int64(0xa000 + i)))
}

func newTestQueues(t *testing.T, batchSize int, fee int64) (*Queue, *Queue, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	registry := NewRegistry()
	deposits, err := NewQueue(common.BatchKindDeposit,
		Config{BatchSize: batchSize, Fee: big.NewInt(fee)}, registry, WithClock(clock))
	require.NoError(t, err)
	exits, err := NewQueue(common.BatchKindExit,
		Config{BatchSize: batchSize, Fee: big.NewInt(fee)}, registry, WithClock(clock))
	require.NoError(t, err)
	return deposits, exits, clock
}

func deposit(t *testing.T, q *Queue, i int, amount int64) *Receipt {
	r, err := q.Request(RequestArgs{Owner: owner(i), Token: 1, Amount: big.NewInt(amount), Fee: big.NewInt(10)})
	require.NoError(t, err)
	return r
}

func TestRequestRegistersAndCharges(t *testing.T) {
	deposits, exits, _ := newTestQueues(t, 4, 10)

	r := deposit(t, deposits, 1, 100)
	assert.True(t, r.Registered)
	assert.False(t, r.Merged)
	assert.Equal(t, common.AccountIdx(1), r.AccountIdx)
	assert.Equal(t, common.BatchNum(1), r.BatchNum)
	assert.Equal(t, "10", r.FeeCharged.String())

	r = deposit(t, deposits, 2, 100)
	assert.Equal(t, common.AccountIdx(2), r.AccountIdx)

	// fee too low reports the shortfall
	_, err := deposits.Request(RequestArgs{Owner: owner(3), Token: 1, Amount: big.NewInt(1), Fee: big.NewInt(4)})
	require.True(t, common.IsErr(err, common.ErrBatchFeeTooLow))
	var shortfall *common.ShortfallError
	require.ErrorAs(t, common.Unwrap(err), &shortfall)
	assert.Equal(t, "6", shortfall.Shortfall().String())
	assert.Equal(t, common.ClassEconomic, common.ClassOf(err))
	assert.Equal(t, "BatchFeeTooLow", common.ReasonCode(err))
	assert.Equal(t, 2, deposits.Registry().Len())

	// exits never register
	_, err = exits.Request(RequestArgs{Owner: owner(3), Fee: big.NewInt(10)})
	assert.True(t, common.IsErr(err, common.ErrUnknownAccount))

	r, err = exits.Request(RequestArgs{Owner: owner(1), Fee: big.NewInt(10)})
	require.NoError(t, err)
	assert.Equal(t, common.AccountIdx(1), r.AccountIdx)
	assert.Equal(t, common.AccountStatePendingExit, deposits.Registry().State(owner(1)))
}

func TestRequestMerge(t *testing.T) {
	deposits, _, _ := newTestQueues(t, 4, 10)
	deposit(t, deposits, 1, 100)

	r := deposit(t, deposits, 1, 50)
	assert.True(t, r.Merged)
	assert.Equal(t, "0", r.FeeCharged.String())

	_, err := deposits.Request(RequestArgs{Owner: owner(1), Token: 2, Amount: big.NewInt(1), Fee: big.NewInt(10)})
	assert.True(t, common.IsErr(err, common.ErrRequestTokenMismatch))

	reqs, err := deposits.Requests(1)
	require.NoError(t, err)
	require.Equal(t, 1, len(reqs))
	assert.Equal(t, "150", reqs[0].Amount.String())
	assert.Equal(t, "10", reqs[0].FeePaid.String())
}

func TestConcurrentRequestsMergeIntoOne(t *testing.T) {
	deposits, _, _ := newTestQueues(t, 16, 10)
	// register accounts 1..7
	for i := 1; i <= 7; i++ {
		_, err := deposits.Registry().register(owner(i), common.EmptyPubKey)
		require.NoError(t, err)
	}
	acc, err := deposits.Registry().Lookup(owner(7))
	require.NoError(t, err)
	require.Equal(t, common.AccountIdx(7), acc.Idx)

	var wg sync.WaitGroup
	receipts := make([]*Receipt, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = deposits.Request(RequestArgs{
				Owner: owner(7), Token: 1, Amount: big.NewInt(100), Fee: big.NewInt(10)})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, receipts[0].Merged, receipts[1].Merged)

	reqs, err := deposits.Requests(1)
	require.NoError(t, err)
	require.Equal(t, 1, len(reqs))
	assert.Equal(t, common.AccountIdx(7), reqs[0].AccountIdx)
	assert.Equal(t, "200", reqs[0].Amount.String())
}

func TestBatchFillsAndStartNextBatch(t *testing.T) {
	deposits, _, _ := newTestQueues(t, 2, 10)
	deposit(t, deposits, 1, 1)
	r := deposit(t, deposits, 2, 1)
	assert.Equal(t, common.BatchNum(1), r.BatchNum)

	// batch 1 closed by filling it
	b, err := deposits.Batch(1)
	require.NoError(t, err)
	assert.True(t, b.Closed)
	assert.Equal(t, 2, b.Size)
	open, n := deposits.OpenBatch()
	assert.Equal(t, common.BatchNum(2), open.Num)
	assert.Equal(t, 0, n)

	// the fee of the open batch is fixed, the next one uses the new fee
	require.NoError(t, deposits.SetNextBatchFee(big.NewInt(20)))
	r = deposit(t, deposits, 3, 1)
	assert.Equal(t, "10", r.FeeCharged.String())
	assert.Equal(t, common.BatchNum(3), deposits.StartNextBatch())
	b, err = deposits.Batch(2)
	require.NoError(t, err)
	assert.True(t, b.Closed)
	// one request padded to a full batch
	assert.Equal(t, 2, b.Size)

	_, err = deposits.Request(RequestArgs{Owner: owner(4), Token: 1, Amount: big.NewInt(1), Fee: big.NewInt(10)})
	assert.True(t, common.IsErr(err, common.ErrBatchFeeTooLow))

	// an empty open batch is not closed
	assert.Equal(t, common.BatchNum(3), deposits.StartNextBatch())
}

func TestCancel(t *testing.T) {
	deposits, exits, _ := newTestQueues(t, 4, 10)
	deposit(t, deposits, 1, 100)
	deposit(t, deposits, 2, 100)

	req, err := deposits.Cancel(owner(1))
	require.NoError(t, err)
	assert.Equal(t, "100", req.Amount.String())
	assert.Equal(t, "10", req.FeePaid.String())

	_, err = deposits.Cancel(owner(1))
	assert.True(t, common.IsErr(err, common.ErrNoCancellableRequest))
	_, err = deposits.Cancel(owner(9))
	assert.True(t, common.IsErr(err, common.ErrNoCancellableRequest))

	// a closed batch is still Created, so cancellable
	deposits.StartNextBatch()
	_, err = deposits.Cancel(owner(2))
	require.NoError(t, err)

	// exit cancel restores Registered
	_, err = exits.Request(RequestArgs{Owner: owner(1), Fee: big.NewInt(10)})
	require.NoError(t, err)
	_, err = exits.Cancel(owner(1))
	require.NoError(t, err)
	assert.Equal(t, common.AccountStateRegistered, exits.Registry().State(owner(1)))
}

func TestCancelAfterCommitFails(t *testing.T) {
	deposits, _, _ := newTestQueues(t, 4, 10)
	deposit(t, deposits, 1, 100)
	deposit(t, deposits, 2, 100)
	_, err := deposits.Cancel(owner(2))
	require.NoError(t, err)

	// the canceled request is absent from what gets committed
	deposits.StartNextBatch()
	b, reqs, ok := deposits.NextToCommit()
	require.True(t, ok)
	assert.Equal(t, common.BatchNum(1), b.Num)
	require.Equal(t, 1, len(reqs))
	assert.Equal(t, common.AccountIdx(1), reqs[0].AccountIdx)

	require.NoError(t, deposits.CommitBatch(1, 1, []common.AccountIdx{1, 0, 0, 0}))
	_, err = deposits.Cancel(owner(1))
	assert.True(t, common.IsErr(err, common.ErrNoCancellableRequest))
}

func TestUncommittedRequests(t *testing.T) {
	deposits, _, _ := newTestQueues(t, 4, 10)
	deposit(t, deposits, 1, 100)
	deposits.StartNextBatch()
	deposit(t, deposits, 1, 30)
	assert.Empty(t, deposits.UncommittedRequests(owner(2)))

	// one request per batch, oldest first
	reqs := deposits.UncommittedRequests(owner(1))
	require.Len(t, reqs, 2)
	assert.Equal(t, common.BatchNum(1), reqs[0].BatchNum)
	assert.Equal(t, "100", reqs[0].Amount.String())
	assert.Equal(t, "30", reqs[1].Amount.String())

	// a committed request is still live but no longer uncommitted
	require.NoError(t, deposits.CommitBatch(1, 1, []common.AccountIdx{1, 0, 0, 0}))
	_, ok := deposits.PendingRequest(owner(1))
	assert.True(t, ok)
	reqs = deposits.UncommittedRequests(owner(1))
	require.Len(t, reqs, 1)
	assert.Equal(t, common.BatchNum(2), reqs[0].BatchNum)
}

func TestCommitBatch(t *testing.T) {
	deposits, _, _ := newTestQueues(t, 4, 10)
	deposit(t, deposits, 1, 100)
	deposit(t, deposits, 2, 100)

	_, _, ok := deposits.NextToCommit()
	assert.False(t, ok)

	err := deposits.CommitBatch(2, 1, nil)
	assert.True(t, common.IsErr(err, common.ErrOutOfOrderCommit))

	// contents must match the live requests
	err = deposits.CommitBatch(1, 1, []common.AccountIdx{1, 0, 0, 0})
	assert.True(t, common.IsErr(err, common.ErrBatchContentsChanged))
	err = deposits.CommitBatch(1, 1, []common.AccountIdx{1, 2, 3, 0})
	assert.True(t, common.IsErr(err, common.ErrBatchContentsChanged))
	err = deposits.CommitBatch(1, 1, []common.AccountIdx{1, 1, 2, 0})
	assert.True(t, common.IsErr(err, common.ErrBatchContentsChanged))

	// a failing check leaves the batch untouched
	err = deposits.CommitBatch(1, 1, []common.AccountIdx{1, 2, 0, 0}, func(r *Request) error {
		return common.Wrap(common.ErrBatchContentsChanged)
	})
	assert.True(t, common.IsErr(err, common.ErrBatchContentsChanged))
	assert.Equal(t, common.BatchNum(0), deposits.LastCommitted())

	// committing the open batch closes it
	require.NoError(t, deposits.CommitBatch(1, 7, []common.AccountIdx{1, 2, 0, 0}))
	b, err := deposits.Batch(1)
	require.NoError(t, err)
	assert.Equal(t, common.BatchStateCommitted, b.State)
	assert.Equal(t, common.BlockNum(7), b.BlockNum)
	assert.True(t, b.Closed)
	open, _ := deposits.OpenBatch()
	assert.Equal(t, common.BatchNum(2), open.Num)

	err = deposits.CommitBatch(1, 8, []common.AccountIdx{1, 2, 0, 0})
	assert.True(t, common.IsErr(err, common.ErrOutOfOrderCommit))
}

func TestClearAndCollectFees(t *testing.T) {
	deposits, _, _ := newTestQueues(t, 4, 10)
	deposit(t, deposits, 1, 100)
	deposit(t, deposits, 2, 100)
	deposit(t, deposits, 3, 100)
	idxs := []common.AccountIdx{1, 2, 3, 0}

	// not committed yet
	_, err := deposits.ClearAndCollectFees(1, idxs)
	assert.True(t, common.IsErr(err, common.ErrOutOfOrderVerification))

	require.NoError(t, deposits.CommitBatch(1, 1, idxs))

	_, err = deposits.ClearAndCollectFees(1, []common.AccountIdx{2, 1, 3, 0})
	assert.True(t, common.IsErr(err, common.ErrOutOfOrderIds))
	_, err = deposits.ClearAndCollectFees(1, []common.AccountIdx{1, 1, 3})
	assert.True(t, common.IsErr(err, common.ErrOutOfOrderIds))
	_, err = deposits.ClearAndCollectFees(1, []common.AccountIdx{1, 2, 3, 4})
	assert.True(t, common.IsErr(err, common.ErrUnknownRequestInBatch))

	collected, err := deposits.ClearAndCollectFees(1, idxs)
	require.NoError(t, err)
	assert.Equal(t, "30", collected.Fees.String())
	assert.Equal(t, 3, len(collected.Requests))
	b, err := deposits.Batch(1)
	require.NoError(t, err)
	assert.Equal(t, common.BatchStateVerified, b.State)

	// a second call fails for every id
	for _, idx := range idxs[:3] {
		_, err = deposits.ClearAndCollectFees(1, []common.AccountIdx{idx})
		assert.True(t, common.IsErr(err, common.ErrUnknownRequestInBatch))
	}

	// padding only is a no-op, but still sequenced
	_, err = deposits.ClearAndCollectFees(3, []common.AccountIdx{0, 0})
	assert.True(t, common.IsErr(err, common.ErrOutOfOrderVerification))
}

func TestExitPending(t *testing.T) {
	deposits, exits, _ := newTestQueues(t, 4, 0)
	deposit(t, deposits, 1, 100)

	_, err := exits.Request(RequestArgs{Owner: owner(1)})
	require.NoError(t, err)
	// same batch merges
	r, err := exits.Request(RequestArgs{Owner: owner(1)})
	require.NoError(t, err)
	assert.True(t, r.Merged)

	exits.StartNextBatch()
	deposits.StartNextBatch()
	_, err = exits.Request(RequestArgs{Owner: owner(1)})
	assert.True(t, common.IsErr(err, common.ErrExitPending))
	_, err = deposits.Request(RequestArgs{Owner: owner(1), Token: 1, Amount: big.NewInt(1)})
	assert.True(t, common.IsErr(err, common.ErrExitPending))
}

func TestOpenedAtUsesClock(t *testing.T) {
	deposits, _, clock := newTestQueues(t, 4, 0)
	clock.Advance(time.Minute)
	deposit(t, deposits, 1, 1)
	open, n := deposits.OpenBatch()
	assert.Equal(t, 1, n)
	assert.Equal(t, clock.Now(), open.OpenedAt)
}
