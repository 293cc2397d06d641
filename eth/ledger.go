package eth

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"
	"tokamak-settlement/log"
	"tokamak-settlement/rollup"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
)

// LedgerConfig is the configuration of a Ledger
type LedgerConfig struct {
	NativeSymbol string
	Rollup       rollup.Config
	DepositBatch batchqueue.Config
	ExitBatch    batchqueue.Config
}

// Opt configures a Ledger
type Opt func(*Ledger)

// WithClock sets the clock of the ledger, shared with its queues and rollup
func WithClock(clock clockwork.Clock) Opt {
	return func(l *Ledger) {
		l.clock = clock
	}
}

type transactionData struct {
	Name  string
	Value interface{}
}

// Ledger is an in-process base ledger.  Every state changing call is mined in
// its own block, whose events carry the hash of the call and their log index.
// Wallet balances, token registry, request queues, the rollup and locked
// withdrawals all live here.
type Ledger struct {
	rw       sync.RWMutex
	clock    clockwork.Clock
	tokens   *common.TokenRegistry
	deposits *batchqueue.Queue
	exits    *batchqueue.Queue
	rollup   *rollup.Rollup
	wallets  map[ethCommon.Address]common.FeeTotals
	locked   map[uint64]*common.WithdrawInfo
	nextID   uint64
	blocks   []*EthBlock
	nonce    uint64
}

// NewLedger creates a Ledger with its genesis block mined
func NewLedger(cfg LedgerConfig, opts ...Opt) (*Ledger, error) {
	l := &Ledger{
		clock:   clockwork.NewRealClock(),
		wallets: make(map[ethCommon.Address]common.FeeTotals),
		locked:  make(map[uint64]*common.WithdrawInfo),
		nextID:  1,
	}
	for _, opt := range opts {
		opt(l)
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	l.tokens = common.NewTokenRegistry(cfg.NativeSymbol)
	registry := batchqueue.NewRegistry()
	var err error
	l.deposits, err = batchqueue.NewQueue(common.BatchKindDeposit, cfg.DepositBatch, registry,
		batchqueue.WithClock(l.clock))
	if err != nil {
		return nil, common.Wrap(err)
	}
	l.exits, err = batchqueue.NewQueue(common.BatchKindExit, cfg.ExitBatch, registry,
		batchqueue.WithClock(l.clock))
	if err != nil {
		return nil, common.Wrap(err)
	}
	l.rollup = rollup.NewRollup(cfg.Rollup, l.deposits, l.exits, rollup.WithClock(l.clock))
	l.blocks = []*EthBlock{{
		Num:  0,
		Time: l.clock.Now(),
		Hash: ethCrypto.Keccak256Hash([]byte("genesis")),
	}}
	return l, nil
}

func (l *Ledger) queue(kind common.BatchKind) *batchqueue.Queue {
	if kind == common.BatchKindExit {
		return l.exits
	}
	return l.deposits
}

// newTransaction returns the ledger transaction of a call.  Callers hold the
// write lock.
func (l *Ledger) newTransaction(name string, value interface{}) *types.Transaction {
	nonce := l.nonce
	l.nonce++
	data, err := json.Marshal(transactionData{name, value})
	if err != nil {
		panic(err)
	}
	return types.NewTransaction(nonce, ethCommon.Address{}, nil, 0, nil, data)
}

func (l *Ledger) nextBlockNum() int64 {
	return int64(len(l.blocks))
}

// mine appends a block holding the events of tx.  Callers hold the write
// lock.
func (l *Ledger) mine(tx *types.Transaction, events ...Event) *EthBlock {
	parent := l.blocks[len(l.blocks)-1]
	num := l.nextBlockNum()
	var numBytes [8]byte
	binary.BigEndian.PutUint64(numBytes[:], uint64(num))
	block := &EthBlock{
		Num:        num,
		Time:       l.clock.Now(),
		ParentHash: parent.Hash,
		Hash:       ethCrypto.Keccak256Hash(parent.Hash[:], numBytes[:], tx.Hash().Bytes()),
	}
	for i := range events {
		events[i].EthBlockNum = num
		events[i].TxHash = tx.Hash()
		events[i].LogIndex = uint(i)
	}
	block.Events = events
	l.blocks = append(l.blocks, block)
	log.Debugw("ledger block mined", "block", num, "events", len(events))
	return block
}

//
// Ethereum
//

// EthLastBlock returns the number of the last mined block
func (l *Ledger) EthLastBlock() (int64, error) {
	l.rw.RLock()
	defer l.rw.RUnlock()
	return l.nextBlockNum() - 1, nil
}

// EthBlockByNumber returns a copy of a mined block
func (l *Ledger) EthBlockByNumber(num int64) (*EthBlock, error) {
	l.rw.RLock()
	defer l.rw.RUnlock()
	if num < 0 || num >= l.nextBlockNum() {
		return nil, common.Wrap(fmt.Errorf("block %d doesn't exist", num))
	}
	return common.DeepCopy(l.blocks[num]).(*EthBlock), nil
}

// EthBalance returns the wallet balance of token of owner
func (l *Ledger) EthBalance(owner ethCommon.Address, token common.TokenID) (*big.Int, error) {
	l.rw.RLock()
	defer l.rw.RUnlock()
	if _, err := l.tokens.Get(token); err != nil {
		return nil, common.Wrap(err)
	}
	return l.wallets[owner].Get(token), nil
}

// Mint credits amount of token to the wallet of owner.  It is the faucet of
// development networks.
func (l *Ledger) Mint(owner ethCommon.Address, token common.TokenID, amount *big.Int) error {
	l.rw.Lock()
	defer l.rw.Unlock()
	if _, err := l.tokens.Get(token); err != nil {
		return common.Wrap(err)
	}
	if amount.Sign() < 0 {
		return common.Wrap(fmt.Errorf("%w: negative mint", common.ErrInvalidAmount))
	}
	l.credit(owner, token, amount)
	return nil
}

func (l *Ledger) credit(owner ethCommon.Address, token common.TokenID, amount *big.Int) {
	wallet, ok := l.wallets[owner]
	if !ok {
		wallet = make(common.FeeTotals)
		l.wallets[owner] = wallet
	}
	wallet.Add(token, amount)
}

func (l *Ledger) debit(owner ethCommon.Address, token common.TokenID, amount *big.Int) {
	l.wallets[owner].Add(token, new(big.Int).Neg(amount))
}

// checkFunds returns a ShortfallError when the wallet of owner holds less
// than required of every token
func (l *Ledger) checkFunds(owner ethCommon.Address, required common.FeeTotals) error {
	for _, token := range required.Tokens() {
		available := l.wallets[owner].Get(token)
		if available.Cmp(required[token]) < 0 {
			return common.NewShortfallError(common.ErrInsufficientBalance, required[token], available)
		}
	}
	return nil
}

// EthRegisterToken adds a token to the registry
func (l *Ledger) EthRegisterToken(addr ethCommon.Address, symbol string,
	decimals uint64) (*common.Token, error) {
	l.rw.Lock()
	defer l.rw.Unlock()
	token, err := l.tokens.Add(addr, symbol, decimals, l.nextBlockNum())
	if err != nil {
		return nil, common.Wrap(err)
	}
	tx := l.newTransaction("registerToken", token)
	l.mine(tx, Event{Type: EventTokenRegistered, Token: token})
	return token, nil
}

// EthToken returns a registered token
func (l *Ledger) EthToken(id common.TokenID) (*common.Token, error) {
	return l.tokens.Get(id)
}

// EthTokens returns every registered token
func (l *Ledger) EthTokens() []common.Token {
	return l.tokens.All()
}

//
// Queues
//

// RequestDeposit locks amount of token plus the batch fee from the wallet of
// owner and adds a deposit request to the open batch
func (l *Ledger) RequestDeposit(owner ethCommon.Address, pubKey common.PubKeyPacked,
	token common.TokenID, amount, fee *big.Int) (*batchqueue.Receipt, error) {
	l.rw.Lock()
	defer l.rw.Unlock()
	if _, err := l.tokens.Get(token); err != nil {
		return nil, common.Wrap(err)
	}
	open, _ := l.deposits.OpenBatch()
	required := common.FeeTotals{common.NativeTokenID: new(big.Int).Set(open.Fee)}
	required.Add(token, amount)
	if err := l.checkFunds(owner, required); err != nil {
		return nil, common.Wrap(err)
	}
	receipt, err := l.deposits.Request(batchqueue.RequestArgs{
		Owner:  owner,
		PubKey: pubKey,
		Token:  token,
		Amount: amount,
		Fee:    fee,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	l.debit(owner, token, amount)
	l.debit(owner, common.NativeTokenID, receipt.FeeCharged)
	req, _ := l.deposits.PendingRequest(owner)
	tx := l.newTransaction("requestDeposit", req)
	l.mine(tx, Event{Type: EventDepositRequested, Request: req})
	return receipt, nil
}

// CancelDeposit cancels the deposit request of owner still in an open or
// uncommitted batch and refunds its amount and fee
func (l *Ledger) CancelDeposit(owner ethCommon.Address) (*batchqueue.Request, error) {
	l.rw.Lock()
	defer l.rw.Unlock()
	req, err := l.deposits.Cancel(owner)
	if err != nil {
		return nil, common.Wrap(err)
	}
	l.credit(owner, req.Token, req.Amount)
	l.credit(owner, common.NativeTokenID, req.FeePaid)
	tx := l.newTransaction("cancelDeposit", req)
	l.mine(tx, Event{Type: EventDepositCancelled, Request: req})
	return req, nil
}

// RequestExit charges the batch fee to owner and adds a full exit request of
// its account to the open batch
func (l *Ledger) RequestExit(owner ethCommon.Address, fee *big.Int) (*batchqueue.Receipt, error) {
	l.rw.Lock()
	defer l.rw.Unlock()
	open, _ := l.exits.OpenBatch()
	if err := l.checkFunds(owner, common.FeeTotals{common.NativeTokenID: open.Fee}); err != nil {
		return nil, common.Wrap(err)
	}
	receipt, err := l.exits.Request(batchqueue.RequestArgs{Owner: owner, Fee: fee})
	if err != nil {
		return nil, common.Wrap(err)
	}
	l.debit(owner, common.NativeTokenID, receipt.FeeCharged)
	req, _ := l.exits.PendingRequest(owner)
	tx := l.newTransaction("requestExit", req)
	l.mine(tx, Event{Type: EventExitRequested, Request: req})
	return receipt, nil
}

// CancelExit cancels the full exit request of owner and refunds its fee
func (l *Ledger) CancelExit(owner ethCommon.Address) (*batchqueue.Request, error) {
	l.rw.Lock()
	defer l.rw.Unlock()
	req, err := l.exits.Cancel(owner)
	if err != nil {
		return nil, common.Wrap(err)
	}
	l.credit(owner, common.NativeTokenID, req.FeePaid)
	tx := l.newTransaction("cancelExit", req)
	l.mine(tx, Event{Type: EventExitCancelled, Request: req})
	return req, nil
}

// AccountState returns the registration state of owner
func (l *Ledger) AccountState(owner ethCommon.Address) common.AccountState {
	return l.deposits.Registry().State(owner)
}

// RegisteredAccount returns the registry entry of owner
func (l *Ledger) RegisteredAccount(owner ethCommon.Address) (*batchqueue.RegisteredAccount, error) {
	return l.deposits.Registry().Lookup(owner)
}

// PendingRequest returns the newest live request of owner in the queue of
// kind, until its batch is verified
func (l *Ledger) PendingRequest(kind common.BatchKind, owner ethCommon.Address) (*batchqueue.Request, bool) {
	return l.queue(kind).PendingRequest(owner)
}

// UncommittedRequests returns the requests of owner in the queue of kind
// whose batches are not committed yet
func (l *Ledger) UncommittedRequests(kind common.BatchKind, owner ethCommon.Address) []*batchqueue.Request {
	return l.queue(kind).UncommittedRequests(owner)
}

// OpenBatch returns the open batch of kind and its number of requests
func (l *Ledger) OpenBatch(kind common.BatchKind) (*common.Batch, int) {
	return l.queue(kind).OpenBatch()
}

// StartNextBatch closes the open batch of kind if it has requests
func (l *Ledger) StartNextBatch(kind common.BatchKind) common.BatchNum {
	l.rw.Lock()
	defer l.rw.Unlock()
	return l.queue(kind).StartNextBatch()
}

// SetNextBatchFee sets the fee of the next batches of kind
func (l *Ledger) SetNextBatchFee(kind common.BatchKind, fee *big.Int) error {
	l.rw.Lock()
	defer l.rw.Unlock()
	return l.queue(kind).SetNextBatchFee(fee)
}

// BatchToCommit returns the next closed batch of kind and its requests
func (l *Ledger) BatchToCommit(kind common.BatchKind) (*common.Batch, []*batchqueue.Request, bool) {
	l.rw.RLock()
	defer l.rw.RUnlock()
	return l.queue(kind).NextToCommit()
}

//
// Rollup
//

// RollupCommitBlock commits a rollup block
func (l *Ledger) RollupCommitBlock(args rollup.CommitArgs) (*common.Block, error) {
	l.rw.Lock()
	defer l.rw.Unlock()
	args.EthBlockNum = l.nextBlockNum()
	block, err := l.rollup.CommitBlock(args)
	if err != nil {
		return nil, common.Wrap(err)
	}
	tx := l.newTransaction("commitBlock", args)
	l.mine(tx, Event{Type: EventBlockCommitted, Block: block})
	return block, nil
}

// RollupVerifyBlock verifies a rollup block and locks the funds released by
// its withdrawals and full exits for their owners
func (l *Ledger) RollupVerifyBlock(num common.BlockNum,
	verdict common.ProofVerdict) (*rollup.VerifyResult, error) {
	l.rw.Lock()
	defer l.rw.Unlock()
	result, err := l.rollup.VerifyBlock(num, verdict)
	if err != nil {
		return nil, common.Wrap(err)
	}
	tx := l.newTransaction("verifyBlock", struct {
		Num     common.BlockNum
		Verdict common.ProofVerdict
	}{num, verdict})
	ethBlockNum := l.nextBlockNum()
	now := l.clock.Now()

	events := []Event{{Type: EventBlockVerified, Verified: result}}
	lock := func(info *common.WithdrawInfo) {
		info.ID = l.nextID
		l.nextID++
		info.RemainingAmount = new(big.Int).Set(info.Amount)
		info.TxHash = tx.Hash()
		info.TxBlock = ethBlockNum
		info.TxLogIndex = uint(len(events))
		info.BlockNum = num
		info.Timestamp = now
		l.locked[info.ID] = info
		c := *info
		events = append(events, Event{Type: EventWithdrawalLocked, Withdrawal: &c})
	}
	for _, w := range result.Withdrawals {
		lock(&common.WithdrawInfo{
			Account: w.From,
			Owner:   w.EthAddress,
			Amount:  new(big.Int).Set(w.Amount),
			TokenID: w.TokenID,
		})
	}
	for _, e := range result.Exits {
		if e.Amount == nil || e.Amount.Sign() == 0 {
			continue
		}
		lock(&common.WithdrawInfo{
			Account:  e.Idx,
			Owner:    e.Owner,
			Amount:   new(big.Int).Set(e.Amount),
			TokenID:  e.TokenID,
			FullExit: true,
		})
	}
	l.mine(tx, events...)
	return result, nil
}

// RollupBlock returns a committed block
func (l *Ledger) RollupBlock(num common.BlockNum) (*common.Block, error) {
	return l.rollup.Block(num)
}

// RollupLastCommitted returns the last committed block number
func (l *Ledger) RollupLastCommitted() common.BlockNum {
	return l.rollup.LastCommitted()
}

// RollupLastVerified returns the last verified block number
func (l *Ledger) RollupLastVerified() common.BlockNum {
	return l.rollup.LastVerified()
}

// RollupLastVerifiedRoot returns the root of the last verified block
func (l *Ledger) RollupLastVerifiedRoot() ethCommon.Hash {
	return l.rollup.LastVerifiedRoot()
}

// RollupLastCommittedRoot returns the root of the last committed block
func (l *Ledger) RollupLastCommittedRoot() ethCommon.Hash {
	return l.rollup.LastCommittedRoot()
}

// RollupOverdueBlocks returns the committed blocks past their deadline
func (l *Ledger) RollupOverdueBlocks() []*common.Block {
	return l.rollup.OverdueBlocks()
}

// RollupOperatorFees returns the fees credited to an operator
func (l *Ledger) RollupOperatorFees(operator ethCommon.Address) common.FeeTotals {
	return l.rollup.OperatorFees(operator)
}

//
// Withdrawals
//

// LockedWithdrawals returns the withdrawals of owner with funds left, by id
func (l *Ledger) LockedWithdrawals(owner ethCommon.Address) []common.WithdrawInfo {
	l.rw.RLock()
	defer l.rw.RUnlock()
	var infos []common.WithdrawInfo
	for _, info := range l.locked {
		if info.Owner == owner && info.RemainingAmount.Sign() > 0 {
			c := *info
			c.Amount = new(big.Int).Set(info.Amount)
			c.RemainingAmount = new(big.Int).Set(info.RemainingAmount)
			infos = append(infos, c)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// WithdrawFunds moves amount of a locked withdrawal into the wallet of its
// owner.  A nil amount withdraws everything left.
func (l *Ledger) WithdrawFunds(owner ethCommon.Address, id uint64,
	amount *big.Int) (*common.FinalizedWithdrawal, error) {
	l.rw.Lock()
	defer l.rw.Unlock()
	info, ok := l.locked[id]
	if !ok || info.Owner != owner {
		return nil, common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownWithdrawal, id))
	}
	if amount == nil {
		amount = new(big.Int).Set(info.RemainingAmount)
	}
	if amount.Sign() <= 0 {
		return nil, common.Wrap(fmt.Errorf("%w: nothing to withdraw", common.ErrInvalidAmount))
	}
	if amount.Cmp(info.RemainingAmount) > 0 {
		return nil, common.NewShortfallError(common.ErrInsufficientBalance, amount, info.RemainingAmount)
	}
	info.RemainingAmount.Sub(info.RemainingAmount, amount)
	l.credit(owner, info.TokenID, amount)
	tx := l.newTransaction("withdrawFunds", struct {
		ID     uint64
		Amount *big.Int
	}{id, amount})
	fw := &common.FinalizedWithdrawal{
		WithdrawalID: id,
		Amount:       new(big.Int).Set(amount),
		TxHash:       tx.Hash(),
		TxBlock:      l.nextBlockNum(),
	}
	l.mine(tx, Event{Type: EventWithdrawalFinalized, Finalized: fw})
	c := *fw
	return &c, nil
}
