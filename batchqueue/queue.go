package batchqueue

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"tokamak-settlement/common"
	"tokamak-settlement/log"
	"tokamak-settlement/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

// DefaultBatchSize is the number of slots of a batch
const DefaultBatchSize = 8

// Config of a Queue
type Config struct {
	// BatchSize is the capacity of a batch.  Filling a batch closes it.
	BatchSize int
	// Fee is the fee of the first batch, and of every following batch
	// until SetNextBatchFee changes it
	Fee *big.Int
}

// Opt configures a Queue
type Opt func(*Queue)

// WithClock sets the clock used to timestamp batches
func WithClock(clock clockwork.Clock) Opt {
	return func(q *Queue) {
		q.clock = clock
	}
}

// RequestArgs are the arguments of Queue.Request
type RequestArgs struct {
	Owner ethCommon.Address
	// PubKey is the rollup key an owner registers with on its first
	// deposit.  Ignored for exits and for already registered owners.
	PubKey common.PubKeyPacked
	// Token and Amount of a deposit.  Ignored for exits.
	Token  common.TokenID
	Amount *big.Int
	// Fee offered by the caller
	Fee *big.Int
}

// Request is a live deposit or exit request of an account in a batch
type Request struct {
	BatchNum   common.BatchNum
	AccountIdx common.AccountIdx
	Owner      ethCommon.Address
	PubKey     common.PubKeyPacked
	Token      common.TokenID
	Amount     *big.Int
	// FeePaid is the batch fee charged when the request was created
	FeePaid *big.Int
}

func (r *Request) copy() *Request {
	c := *r
	c.Amount = new(big.Int).Set(r.Amount)
	c.FeePaid = new(big.Int).Set(r.FeePaid)
	return &c
}

// Receipt is the outcome of a Request
type Receipt struct {
	BatchNum   common.BatchNum
	AccountIdx common.AccountIdx
	// Merged is true when the request accumulated into a live request of
	// the account in the same batch
	Merged bool
	// FeeCharged is the batch fee for a new request, zero when merged
	FeeCharged *big.Int
	// Registered is true when the request registered its owner
	Registered bool
}

// RequestCheck is run against every live request of a batch before it is
// committed
type RequestCheck func(*Request) error

// Collected is what ClearAndCollectFees removed from a batch
type Collected struct {
	Fees     *big.Int
	Requests []*Request
}

type batch struct {
	common.Batch
	requests map[common.AccountIdx]*Request
}

// Queue accumulates deposit or exit requests into fixed capacity batches
// sharing a fee.  All methods are safe for concurrent use.
type Queue struct {
	mu            sync.Mutex
	kind          common.BatchKind
	cfg           Config
	clock         clockwork.Clock
	registry      *Registry
	batches       map[common.BatchNum]*batch
	open          common.BatchNum
	nextFee       *big.Int
	lastCommitted common.BatchNum
	lastVerified  common.BatchNum
}

// NewQueue creates a Queue of the given kind.  Deposit and exit queues of a
// chain share the same Registry.
func NewQueue(kind common.BatchKind, cfg Config, registry *Registry, opts ...Opt) (*Queue, error) {
	if kind != common.BatchKindDeposit && kind != common.BatchKindExit {
		return nil, common.Wrap(fmt.Errorf("unknown batch kind %q", kind))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Fee == nil {
		cfg.Fee = big.NewInt(0)
	}
	if cfg.Fee.Sign() < 0 {
		return nil, common.Wrap(fmt.Errorf("%w: negative batch fee", common.ErrInvalidAmount))
	}
	q := &Queue{
		kind:     kind,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		registry: registry,
		batches:  make(map[common.BatchNum]*batch),
		nextFee:  new(big.Int).Set(cfg.Fee),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.openNext()
	return q, nil
}

// Kind returns the kind of the queue
func (q *Queue) Kind() common.BatchKind {
	return q.kind
}

// Registry returns the account registry of the queue
func (q *Queue) Registry() *Registry {
	return q.registry
}

// BatchSize returns the capacity of a batch
func (q *Queue) BatchSize() int {
	return q.cfg.BatchSize
}

func (q *Queue) openNext() {
	q.open++
	q.batches[q.open] = &batch{
		Batch: common.Batch{
			Num:       q.open,
			Kind:      q.kind,
			State:     common.BatchStateCreated,
			Fee:       new(big.Int).Set(q.nextFee),
			Timestamp: q.clock.Now(),
		},
		requests: make(map[common.AccountIdx]*Request),
	}
	metric.OpenBatchSize.WithLabelValues(string(q.kind)).Set(0)
}

// close closes the open batch and opens the next one.  The closed batch
// size is rounded up to a multiple of BatchSize; the extra slots are padding.
func (q *Queue) close(b *batch) {
	n := len(b.requests)
	size := (n + q.cfg.BatchSize - 1) / q.cfg.BatchSize * q.cfg.BatchSize
	if size == 0 {
		size = q.cfg.BatchSize
	}
	b.Closed = true
	b.Size = size
	b.Timestamp = q.clock.Now()
	log.Debugw("batch closed", "kind", q.kind, "batch", b.Num, "requests", n, "size", size)
	q.openNext()
}

// Request adds a deposit or exit request of args.Owner to the open batch.
// Deposits from an unknown owner register it.  A request of an account that
// already has a live request in the open batch is merged into it and not
// charged again.
func (q *Queue) Request(args RequestArgs) (*Receipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.batches[q.open]
	fee := common.BigIntOrZero(args.Fee)
	if fee.Cmp(b.Fee) < 0 {
		return nil, common.NewShortfallError(common.ErrBatchFeeTooLow, b.Fee, fee)
	}
	amount := common.BigIntOrZero(args.Amount)
	if q.kind == common.BatchKindDeposit {
		if amount.Sign() <= 0 {
			return nil, common.Wrap(fmt.Errorf("%w: deposit amount must be positive", common.ErrInvalidAmount))
		}
		if _, err := common.AmountToBytes(amount); err != nil {
			return nil, common.Wrap(err)
		}
	}

	acc, err := q.registry.Lookup(args.Owner)
	registered := false
	if common.IsErr(err, common.ErrUnknownAccount) && q.kind == common.BatchKindDeposit {
		registered = true
	} else if err != nil {
		return nil, common.Wrap(err)
	}

	if acc != nil {
		if live, ok := b.requests[acc.Idx]; ok {
			return q.merge(b, live, amount, args.Token)
		}
		if acc.State == common.AccountStatePendingExit {
			return nil, common.Wrap(fmt.Errorf("%w: account %d", common.ErrExitPending, acc.Idx))
		}
	}

	if registered {
		if acc, err = q.registry.register(args.Owner, args.PubKey); err != nil {
			return nil, common.Wrap(err)
		}
	}
	req := &Request{
		BatchNum:   b.Num,
		AccountIdx: acc.Idx,
		Owner:      acc.Owner,
		PubKey:     acc.PubKey,
		Token:      args.Token,
		Amount:     new(big.Int).Set(amount),
		FeePaid:    new(big.Int).Set(b.Fee),
	}
	if q.kind == common.BatchKindExit {
		req.Token = common.NativeTokenID
		req.Amount = big.NewInt(0)
		q.registry.setState(acc.Idx, common.AccountStatePendingExit)
	}
	if len(b.requests) == 0 {
		b.OpenedAt = q.clock.Now()
	}
	b.requests[acc.Idx] = req
	metric.OpenBatchSize.WithLabelValues(string(q.kind)).Set(float64(len(b.requests)))

	receipt := &Receipt{
		BatchNum:   b.Num,
		AccountIdx: acc.Idx,
		FeeCharged: new(big.Int).Set(b.Fee),
		Registered: registered,
	}
	if len(b.requests) >= q.cfg.BatchSize {
		q.close(b)
	}
	return receipt, nil
}

func (q *Queue) merge(b *batch, live *Request, amount *big.Int, token common.TokenID) (*Receipt, error) {
	if q.kind == common.BatchKindDeposit {
		if live.Token != token {
			return nil, common.Wrap(fmt.Errorf("%w: pending token %d, requested %d",
				common.ErrRequestTokenMismatch, live.Token, token))
		}
		total := new(big.Int).Add(live.Amount, amount)
		if _, err := common.AmountToBytes(total); err != nil {
			return nil, common.Wrap(err)
		}
		live.Amount = total
	}
	return &Receipt{
		BatchNum:   b.Num,
		AccountIdx: live.AccountIdx,
		Merged:     true,
		FeeCharged: big.NewInt(0),
	}, nil
}

// StartNextBatch closes the open batch if it has requests and opens the next
// one with the fee set by SetNextBatchFee.  It returns the number of the
// batch that is open afterwards.
func (q *Queue) StartNextBatch() common.BatchNum {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.batches[q.open]
	if len(b.requests) > 0 {
		q.close(b)
	}
	return q.open
}

// SetNextBatchFee sets the fee of the batches opened from now on.  The fee
// of the open batch does not change.
func (q *Queue) SetNextBatchFee(fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 {
		return common.Wrap(fmt.Errorf("%w: negative batch fee", common.ErrInvalidAmount))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextFee = new(big.Int).Set(fee)
	return nil
}

// Cancel removes the live request of owner from the newest batch that is
// still Created, and returns it so that its amount and fee can be refunded.
// Cancelling an exit request makes the account Registered again.
func (q *Queue) Cancel(owner ethCommon.Address) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	acc, err := q.registry.Lookup(owner)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("%w: %v", common.ErrNoCancellableRequest, err))
	}
	for num := q.open; num > q.lastCommitted; num-- {
		b := q.batches[num]
		req, ok := b.requests[acc.Idx]
		if !ok {
			continue
		}
		delete(b.requests, acc.Idx)
		b.Timestamp = q.clock.Now()
		if num == q.open {
			metric.OpenBatchSize.WithLabelValues(string(q.kind)).Set(float64(len(b.requests)))
		}
		if q.kind == common.BatchKindExit {
			q.registry.setState(acc.Idx, common.AccountStateRegistered)
		}
		return req.copy(), nil
	}
	return nil, common.Wrap(fmt.Errorf("%w: owner %s", common.ErrNoCancellableRequest, owner.Hex()))
}

// CommitBatch marks batchNum as committed by blockNum.  accountIdxs are the
// slots of the block, padding included as zero ids; the non zero ids must be
// exactly the live requests of the batch.  checks are run against every live
// request before anything changes.
func (q *Queue) CommitBatch(batchNum common.BatchNum, blockNum common.BlockNum,
	accountIdxs []common.AccountIdx, checks ...RequestCheck) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if batchNum != q.lastCommitted+1 {
		return common.Wrap(fmt.Errorf("%w: batch %d, last committed %d",
			common.ErrOutOfOrderCommit, batchNum, q.lastCommitted))
	}
	b := q.batches[batchNum]
	seen := make(map[common.AccountIdx]bool, len(accountIdxs))
	for _, idx := range accountIdxs {
		if idx == common.EmptyAccountIdx {
			continue
		}
		if _, ok := b.requests[idx]; !ok || seen[idx] {
			return common.Wrap(fmt.Errorf("%w: account %d in batch %d",
				common.ErrBatchContentsChanged, idx, batchNum))
		}
		seen[idx] = true
	}
	if len(seen) != len(b.requests) {
		return common.Wrap(fmt.Errorf("%w: batch %d has %d requests, block claims %d",
			common.ErrBatchContentsChanged, batchNum, len(b.requests), len(seen)))
	}
	for _, check := range checks {
		for _, req := range b.requests {
			if err := check(req); err != nil {
				return common.Wrap(err)
			}
		}
	}

	if !b.Closed {
		q.close(b)
	}
	b.State = common.BatchStateCommitted
	b.BlockNum = blockNum
	b.Timestamp = q.clock.Now()
	q.lastCommitted = batchNum
	return nil
}

// ClearAndCollectFees removes the requests of accountIdxs from a committed
// batch and returns the sum of their fees.  Ids must be strictly ascending;
// zero ids are padding and are skipped.  Nothing changes unless every id is
// valid, so a second call for the same batch fails for every id.
func (q *Queue) ClearAndCollectFees(batchNum common.BatchNum,
	accountIdxs []common.AccountIdx) (*Collected, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var prev common.AccountIdx
	for _, idx := range accountIdxs {
		if idx == common.EmptyAccountIdx {
			continue
		}
		if idx <= prev {
			return nil, common.Wrap(fmt.Errorf("%w: %d after %d", common.ErrOutOfOrderIds, idx, prev))
		}
		prev = idx
	}
	b, ok := q.batches[batchNum]
	for _, idx := range accountIdxs {
		if idx == common.EmptyAccountIdx {
			continue
		}
		if !ok {
			return nil, common.Wrap(fmt.Errorf("%w: account %d, batch %d",
				common.ErrUnknownRequestInBatch, idx, batchNum))
		}
		if _, found := b.requests[idx]; !found {
			return nil, common.Wrap(fmt.Errorf("%w: account %d, batch %d",
				common.ErrUnknownRequestInBatch, idx, batchNum))
		}
	}
	if batchNum != q.lastVerified+1 || !ok || b.State != common.BatchStateCommitted {
		return nil, common.Wrap(fmt.Errorf("%w: batch %d, last verified %d",
			common.ErrOutOfOrderVerification, batchNum, q.lastVerified))
	}

	collected := &Collected{Fees: big.NewInt(0)}
	for _, idx := range accountIdxs {
		if idx == common.EmptyAccountIdx {
			continue
		}
		req := b.requests[idx]
		collected.Fees.Add(collected.Fees, req.FeePaid)
		collected.Requests = append(collected.Requests, req)
		delete(b.requests, idx)
	}
	b.State = common.BatchStateVerified
	b.Timestamp = q.clock.Now()
	q.lastVerified = batchNum
	fees, _ := new(big.Float).SetInt(collected.Fees).Float64()
	metric.CollectedBatchFees.WithLabelValues(string(q.kind)).Add(fees)
	return collected, nil
}

func (q *Queue) batchCopy(b *batch) *common.Batch {
	c := b.Batch
	c.Fee = new(big.Int).Set(b.Fee)
	return &c
}

func sortedRequests(b *batch) []*Request {
	reqs := make([]*Request, 0, len(b.requests))
	for _, req := range b.requests {
		reqs = append(reqs, req.copy())
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].AccountIdx < reqs[j].AccountIdx })
	return reqs
}

// OpenBatch returns the batch that currently accepts requests, and its
// number of requests
func (q *Queue) OpenBatch() (*common.Batch, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.batches[q.open]
	return q.batchCopy(b), len(b.requests)
}

// Batch returns the batch with the given number
func (q *Queue) Batch(num common.BatchNum) (*common.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.batches[num]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("unknown %s batch %d", q.kind, num))
	}
	return q.batchCopy(b), nil
}

// Requests returns copies of the live requests of a batch, ascending by
// account id
func (q *Queue) Requests(num common.BatchNum) ([]*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.batches[num]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("unknown %s batch %d", q.kind, num))
	}
	return sortedRequests(b), nil
}

// NextToCommit returns the next batch to commit and its live requests, once
// it is closed.  ok is false while that batch still accepts requests.
func (q *Queue) NextToCommit() (*common.Batch, []*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.batches[q.lastCommitted+1]
	if !b.Closed {
		return nil, nil, false
	}
	return q.batchCopy(b), sortedRequests(b), true
}

// PendingRequest returns the newest live request of owner, if any.  Live
// requests stay in their batch until it is verified.
func (q *Queue) PendingRequest(owner ethCommon.Address) (*Request, bool) {
	acc, err := q.registry.Lookup(owner)
	if err != nil {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for num := q.open; num > q.lastVerified; num-- {
		if req, ok := q.batches[num].requests[acc.Idx]; ok {
			return req.copy(), true
		}
	}
	return nil, false
}

// UncommittedRequests returns the live requests of owner in the batches not
// committed yet, oldest first
func (q *Queue) UncommittedRequests(owner ethCommon.Address) []*Request {
	acc, err := q.registry.Lookup(owner)
	if err != nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var reqs []*Request
	for num := q.lastCommitted + 1; num <= q.open; num++ {
		if req, ok := q.batches[num].requests[acc.Idx]; ok {
			reqs = append(reqs, req.copy())
		}
	}
	return reqs
}

// LastCommitted returns the number of the last committed batch
func (q *Queue) LastCommitted() common.BatchNum {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastCommitted
}

// LastVerified returns the number of the last verified batch
func (q *Queue) LastVerified() common.BatchNum {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastVerified
}
