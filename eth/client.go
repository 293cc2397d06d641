package eth

import (
	"math/big"
	"time"

	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"
	"tokamak-settlement/rollup"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// EventType is the kind of a base ledger event
type EventType string

const (
	// EventTokenRegistered a token was added to the registry
	EventTokenRegistered EventType = "TokenRegistered"
	// EventDepositRequested a deposit request entered (or merged into) a batch
	EventDepositRequested EventType = "DepositRequested"
	// EventDepositCancelled a deposit request was cancelled and refunded
	EventDepositCancelled EventType = "DepositCancelled"
	// EventExitRequested a full exit request entered a batch
	EventExitRequested EventType = "ExitRequested"
	// EventExitCancelled a full exit request was cancelled and refunded
	EventExitCancelled EventType = "ExitCancelled"
	// EventBlockCommitted a rollup block was committed
	EventBlockCommitted EventType = "BlockCommitted"
	// EventBlockVerified a rollup block was verified
	EventBlockVerified EventType = "BlockVerified"
	// EventWithdrawalLocked funds released by a verified block were locked
	// for their owner
	EventWithdrawalLocked EventType = "WithdrawalLocked"
	// EventWithdrawalFinalized locked funds were pulled into a wallet
	EventWithdrawalFinalized EventType = "WithdrawalFinalized"
)

// Event is a log entry of the base ledger.  Only the field matching Type is
// set.
type Event struct {
	Type        EventType
	EthBlockNum int64
	TxHash      ethCommon.Hash
	LogIndex    uint

	Token      *common.Token               `json:",omitempty"`
	Request    *batchqueue.Request         `json:",omitempty"`
	Block      *common.Block               `json:",omitempty"`
	Verified   *rollup.VerifyResult        `json:",omitempty"`
	Withdrawal *common.WithdrawInfo        `json:",omitempty"`
	Finalized  *common.FinalizedWithdrawal `json:",omitempty"`
}

// EthBlock is a block of the base ledger
type EthBlock struct {
	Num        int64
	Time       time.Time
	Hash       ethCommon.Hash
	ParentHash ethCommon.Hash
	Events     []Event
}

// EthereumInterface is the generic part of the base ledger: blocks, wallets
// and tokens
type EthereumInterface interface {
	EthLastBlock() (int64, error)
	EthBlockByNumber(num int64) (*EthBlock, error)
	EthBalance(owner ethCommon.Address, token common.TokenID) (*big.Int, error)
	EthRegisterToken(addr ethCommon.Address, symbol string, decimals uint64) (*common.Token, error)
	EthToken(id common.TokenID) (*common.Token, error)
	EthTokens() []common.Token
}

// QueueInterface is the deposit and exit request side of the base ledger
type QueueInterface interface {
	RequestDeposit(owner ethCommon.Address, pubKey common.PubKeyPacked, token common.TokenID,
		amount, fee *big.Int) (*batchqueue.Receipt, error)
	CancelDeposit(owner ethCommon.Address) (*batchqueue.Request, error)
	RequestExit(owner ethCommon.Address, fee *big.Int) (*batchqueue.Receipt, error)
	CancelExit(owner ethCommon.Address) (*batchqueue.Request, error)
	AccountState(owner ethCommon.Address) common.AccountState
	RegisteredAccount(owner ethCommon.Address) (*batchqueue.RegisteredAccount, error)
	PendingRequest(kind common.BatchKind, owner ethCommon.Address) (*batchqueue.Request, bool)
	UncommittedRequests(kind common.BatchKind, owner ethCommon.Address) []*batchqueue.Request

	OpenBatch(kind common.BatchKind) (*common.Batch, int)
	StartNextBatch(kind common.BatchKind) common.BatchNum
	SetNextBatchFee(kind common.BatchKind, fee *big.Int) error
	BatchToCommit(kind common.BatchKind) (*common.Batch, []*batchqueue.Request, bool)
}

// RollupInterface is the block lifecycle side of the base ledger
type RollupInterface interface {
	RollupCommitBlock(args rollup.CommitArgs) (*common.Block, error)
	RollupVerifyBlock(num common.BlockNum, verdict common.ProofVerdict) (*rollup.VerifyResult, error)
	RollupBlock(num common.BlockNum) (*common.Block, error)
	RollupLastCommitted() common.BlockNum
	RollupLastVerified() common.BlockNum
	RollupLastVerifiedRoot() ethCommon.Hash
	RollupLastCommittedRoot() ethCommon.Hash
	RollupOverdueBlocks() []*common.Block
	RollupOperatorFees(operator ethCommon.Address) common.FeeTotals
}

// WithdrawalInterface is the payout side of the base ledger
type WithdrawalInterface interface {
	LockedWithdrawals(owner ethCommon.Address) []common.WithdrawInfo
	WithdrawFunds(owner ethCommon.Address, id uint64, amount *big.Int) (*common.FinalizedWithdrawal, error)
}

// ClientInterface is the base ledger interface used by the node modules
type ClientInterface interface {
	EthereumInterface
	QueueInterface
	RollupInterface
	WithdrawalInterface
}
