package rollup

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"
	"time"

	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"
	"tokamak-settlement/log"
	"tokamak-settlement/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

// DefaultChallengePeriod is the time a committed block has to be verified
const DefaultChallengePeriod = 30 * time.Minute

// Config of the Rollup
type Config struct {
	// ChallengePeriod is added to the commit time to get the deadline of
	// a block
	ChallengePeriod time.Duration
	// GenesisRoot is the account tree root before the first block
	GenesisRoot ethCommon.Hash
}

// Opt configures a Rollup
type Opt func(*Rollup)

// WithClock sets the clock used for commit times and deadlines
func WithClock(clock clockwork.Clock) Opt {
	return func(r *Rollup) {
		r.clock = clock
	}
}

// CommitArgs are the arguments of Rollup.CommitBlock
type CommitArgs struct {
	Num     common.BlockNum
	Circuit common.Circuit
	// BatchNum is the batch settled by a deposit or exit block, 0 for
	// transfer blocks
	BatchNum  common.BatchNum
	NewRoot   ethCommon.Hash
	PackedTxs []byte
	Prover    ethCommon.Address
	// EthBlockNum is the base ledger block of the commit
	EthBlockNum int64
}

// VerifyResult is what the verification of a block settled
type VerifyResult struct {
	Block *common.Block
	// Fees credited to the prover
	Fees        common.FeeTotals
	Withdrawals []*common.Withdraw
	Exits       []*common.FullExit
	Deposits    []*common.Deposit
	// Closed are the accounts closed by Close txs of the block
	Closed []common.AccountIdx
	// Requests are the batch requests cleared by a deposit or exit block
	Requests []*batchqueue.Request
}

// Rollup is the commit and verify state machine of blocks.  Commits and
// verifications are strictly sequential; concurrent callers race on the
// sequence number and all but one fail.
type Rollup struct {
	mu               sync.Mutex
	cfg              Config
	clock            clockwork.Clock
	deposits         *batchqueue.Queue
	exits            *batchqueue.Queue
	blocks           map[common.BlockNum]*common.Block
	lastCommitted    common.BlockNum
	lastVerified     common.BlockNum
	lastVerifiedRoot ethCommon.Hash
	operatorFees     map[ethCommon.Address]common.FeeTotals
}

// NewRollup creates a Rollup settling the batches of the deposits and exits
// queues
func NewRollup(cfg Config, deposits, exits *batchqueue.Queue, opts ...Opt) *Rollup {
	if cfg.ChallengePeriod == 0 {
		cfg.ChallengePeriod = DefaultChallengePeriod
	}
	r := &Rollup{
		cfg:              cfg,
		clock:            clockwork.NewRealClock(),
		deposits:         deposits,
		exits:            exits,
		blocks:           make(map[common.BlockNum]*common.Block),
		lastVerifiedRoot: cfg.GenesisRoot,
		operatorFees:     make(map[ethCommon.Address]common.FeeTotals),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rollup) queue(circuit common.Circuit) *batchqueue.Queue {
	switch circuit {
	case common.CircuitDeposit:
		return r.deposits
	case common.CircuitExit:
		return r.exits
	}
	return nil
}

// blockRecords checks that every record of the block belongs to its circuit
// and returns them
func blockRecords(circuit common.Circuit, packedTxs []byte) ([]common.Tx, error) {
	txs, err := common.DecodeTxs(packedTxs)
	if err != nil {
		return nil, common.Wrap(err)
	}
	for i, tx := range txs {
		if tx.Type().Circuit() != circuit {
			return nil, common.Wrap(fmt.Errorf("%w: record %d is a %s, not allowed in a %s block",
				common.ErrInvalidTxBytes, i, tx.Type(), circuit))
		}
	}
	return txs, nil
}

// slotIdxs returns the batch slots of deposit or exit records: every
// account once, ascending, then one zero per padding record.  Exit records of
// the same account are consecutive.
func slotIdxs(txs []common.Tx) ([]common.AccountIdx, error) {
	var idxs []common.AccountIdx
	padding := 0
	var prev common.AccountIdx
	for i, tx := range txs {
		idx := tx.FromIdx()
		if idx == common.EmptyAccountIdx {
			padding++
			continue
		}
		if padding > 0 {
			return nil, common.Wrap(fmt.Errorf("%w: record %d after padding",
				common.ErrOutOfOrderIds, i))
		}
		switch {
		case idx == prev && tx.Type() == common.TxTypeFullExit:
			continue
		case idx <= prev:
			return nil, common.Wrap(fmt.Errorf("%w: record %d account %d after %d",
				common.ErrOutOfOrderIds, i, idx, prev))
		}
		idxs = append(idxs, idx)
		prev = idx
	}
	for i := 0; i < padding; i++ {
		idxs = append(idxs, common.EmptyAccountIdx)
	}
	return idxs, nil
}

// requestCheck returns a check that the records of an account match its live
// batch request
func requestCheck(txs []common.Tx) batchqueue.RequestCheck {
	return func(req *batchqueue.Request) error {
		for _, tx := range txs {
			if tx.FromIdx() != req.AccountIdx {
				continue
			}
			switch rec := tx.(type) {
			case *common.Deposit:
				if rec.Owner != req.Owner || rec.TokenID != req.Token ||
					rec.Amount.Cmp(req.Amount) != 0 || rec.PubKey != req.PubKey {
					return common.Wrap(fmt.Errorf("%w: deposit record of account %d differs from its request",
						common.ErrBatchContentsChanged, req.AccountIdx))
				}
			case *common.FullExit:
				if rec.Owner != req.Owner {
					return common.Wrap(fmt.Errorf("%w: exit record of account %d differs from its request",
						common.ErrBatchContentsChanged, req.AccountIdx))
				}
			}
		}
		return nil
	}
}

// blockFees sums the fees of the L2 txs of a block, per token
func blockFees(txs []common.Tx) common.FeeTotals {
	fees := make(common.FeeTotals)
	for _, tx := range txs {
		if l2tx, ok := tx.(common.L2Tx); ok {
			token, fee := common.TxFee(l2tx)
			fees.Add(token, fee)
		}
	}
	return fees
}

func (r *Rollup) rejectCommit(err error) error {
	metric.CommitRejected.WithLabelValues(common.ReasonCode(err)).Inc()
	return err
}

// CommitBlock commits the next block.  The block number must be
// lastCommitted+1.  For deposit and exit blocks the records must be exactly
// the live requests of the batch, which gets committed too.  The block fees
// are summed from the packed txs.
func (r *Rollup) CommitBlock(args CommitArgs) (*common.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if args.Num != r.lastCommitted+1 {
		return nil, r.rejectCommit(common.Wrap(fmt.Errorf("%w: block %d, last committed %d",
			common.ErrOutOfOrderCommit, args.Num, r.lastCommitted)))
	}
	if !args.Circuit.Valid() {
		return nil, r.rejectCommit(common.Wrap(fmt.Errorf("%w: %q", common.ErrInvalidCircuit, args.Circuit)))
	}
	txs, err := blockRecords(args.Circuit, args.PackedTxs)
	if err != nil {
		return nil, r.rejectCommit(common.Wrap(err))
	}

	block := &common.Block{
		Num:         args.Num,
		Circuit:     args.Circuit,
		OldRoot:     r.lastCommittedRoot(),
		NewRoot:     args.NewRoot,
		Prover:      args.Prover,
		State:       common.BlockStateCommitted,
		PackedTxs:   bytes.Clone(args.PackedTxs),
		CommittedAt: r.clock.Now(),
		EthBlockNum: args.EthBlockNum,
	}
	block.Deadline = block.CommittedAt.Add(r.cfg.ChallengePeriod)

	queue := r.queue(args.Circuit)
	if queue == nil {
		if args.BatchNum != 0 {
			return nil, r.rejectCommit(common.Wrap(fmt.Errorf("%w: %s blocks settle no batch",
				common.ErrInvalidCircuit, args.Circuit)))
		}
		block.Fees = blockFees(txs)
	} else {
		block.BatchNum = args.BatchNum
		if block.AccountIdxs, err = slotIdxs(txs); err != nil {
			return nil, r.rejectCommit(common.Wrap(err))
		}
	}
	if block.Commitment, err = common.PublicDataCommitment(block.Num, block.Circuit,
		block.Fees, block.PackedTxs); err != nil {
		return nil, r.rejectCommit(common.Wrap(err))
	}
	if queue != nil {
		if err := queue.CommitBatch(args.BatchNum, args.Num, block.AccountIdxs, requestCheck(txs)); err != nil {
			return nil, r.rejectCommit(common.Wrap(err))
		}
	}

	r.blocks[block.Num] = block
	r.lastCommitted = block.Num
	metric.LastCommittedBlock.Set(float64(block.Num))
	log.Infow("block committed", "block", block.Num, "circuit", block.Circuit,
		"batch", block.BatchNum, "root", block.NewRoot.Hex(), "deadline", block.Deadline)
	return block.Copy(), nil
}

func (r *Rollup) lastCommittedRoot() ethCommon.Hash {
	if r.lastCommitted == 0 {
		return r.cfg.GenesisRoot
	}
	return r.blocks[r.lastCommitted].NewRoot
}

func (r *Rollup) rejectVerify(err error) error {
	metric.VerifyRejected.WithLabelValues(common.ReasonCode(err)).Inc()
	return err
}

// VerifyBlock verifies the next block with a proof verdict.  The verdict
// must be valid and checked against the last verified root, the new root and
// the public data commitment of the block.  On success the fees of the block
// are credited to its prover.
func (r *Rollup) VerifyBlock(num common.BlockNum, verdict common.ProofVerdict) (*VerifyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	block, ok := r.blocks[num]
	if num != r.lastVerified+1 || !ok {
		return nil, r.rejectVerify(common.Wrap(fmt.Errorf("%w: block %d, last verified %d, last committed %d",
			common.ErrOutOfOrderVerification, num, r.lastVerified, r.lastCommitted)))
	}
	if !verdict.Valid {
		return nil, r.rejectVerify(common.Wrap(fmt.Errorf("%w: negative verdict for block %d",
			common.ErrInvalidProof, num)))
	}
	if verdict.OldRoot != r.lastVerifiedRoot || verdict.NewRoot != block.NewRoot ||
		verdict.Commitment != block.Commitment {
		return nil, r.rejectVerify(common.Wrap(fmt.Errorf("%w: public inputs of block %d do not match",
			common.ErrInvalidProof, num)))
	}
	txs, err := common.DecodeTxs(block.PackedTxs)
	if err != nil {
		return nil, r.rejectVerify(common.Wrap(err))
	}

	result := &VerifyResult{Fees: block.Fees.Copy()}
	if queue := r.queue(block.Circuit); queue != nil {
		collected, err := queue.ClearAndCollectFees(block.BatchNum, block.AccountIdxs)
		if err != nil {
			return nil, r.rejectVerify(common.Wrap(err))
		}
		result.Fees.Add(common.NativeTokenID, collected.Fees)
		result.Requests = collected.Requests
	}

	cleared := make(map[common.AccountIdx]bool)
	for _, tx := range txs {
		switch rec := tx.(type) {
		case *common.Withdraw:
			result.Withdrawals = append(result.Withdrawals, rec)
		case *common.FullExit:
			if rec.IsPadding() {
				continue
			}
			result.Exits = append(result.Exits, rec)
			cleared[rec.Idx] = true
		case *common.Deposit:
			if !rec.IsPadding() {
				result.Deposits = append(result.Deposits, rec)
			}
		case *common.Close:
			result.Closed = append(result.Closed, rec.Idx)
			cleared[rec.Idx] = true
		}
	}
	registry := r.deposits.Registry()
	for idx := range cleared {
		// a deposit batched before the exit keeps the account alive
		if acc, err := registry.Get(idx); err == nil {
			if _, live := r.deposits.PendingRequest(acc.Owner); live {
				registry.Reactivate(idx)
				continue
			}
		}
		registry.Clear(idx)
	}

	fees, ok := r.operatorFees[block.Prover]
	if !ok {
		fees = make(common.FeeTotals)
		r.operatorFees[block.Prover] = fees
	}
	fees.Merge(result.Fees)

	block.State = common.BlockStateVerified
	block.VerifiedAt = r.clock.Now()
	r.lastVerified = num
	r.lastVerifiedRoot = block.NewRoot
	metric.LastVerifiedBlock.Set(float64(num))
	log.Infow("block verified", "block", num, "circuit", block.Circuit, "root", block.NewRoot.Hex())
	result.Block = block.Copy()
	return result, nil
}

// OverdueBlocks returns the committed blocks that are not verified and whose
// deadline passed.  They are liveness faults: nothing here resolves them.
func (r *Rollup) OverdueBlocks() []*common.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var overdue []*common.Block
	for num := r.lastVerified + 1; num <= r.lastCommitted; num++ {
		if b := r.blocks[num]; now.After(b.Deadline) {
			overdue = append(overdue, b.Copy())
		}
	}
	return overdue
}

// Block returns the block with the given number
func (r *Rollup) Block(num common.BlockNum) (*common.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blocks[num]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownBlock, num))
	}
	return b.Copy(), nil
}

// LastCommitted returns the number of the last committed block
func (r *Rollup) LastCommitted() common.BlockNum {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommitted
}

// LastVerified returns the number of the last verified block
func (r *Rollup) LastVerified() common.BlockNum {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastVerified
}

// LastVerifiedRoot returns the root of the last verified block
func (r *Rollup) LastVerifiedRoot() ethCommon.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastVerifiedRoot
}

// LastCommittedRoot returns the root of the last committed block
func (r *Rollup) LastCommittedRoot() ethCommon.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommittedRoot()
}

// OperatorFees returns the fees credited to an operator
func (r *Rollup) OperatorFees(operator ethCommon.Address) common.FeeTotals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operatorFees[operator].Copy()
}

// ChallengePeriod returns the configured challenge period
func (r *Rollup) ChallengePeriod() time.Duration {
	return r.cfg.ChallengePeriod
}

// Deposits returns the deposit queue
func (r *Rollup) Deposits() *batchqueue.Queue {
	return r.deposits
}

// Exits returns the exit queue
func (r *Rollup) Exits() *batchqueue.Queue {
	return r.exits
}

// OperatorFee returns the fee of token credited to an operator
func (r *Rollup) OperatorFee(operator ethCommon.Address, token common.TokenID) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operatorFees[operator].Get(token)
}
