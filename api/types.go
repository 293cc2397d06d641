package api

import (
	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Response is the envelope of every successful response
type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is the body of every failed request.  Code is the reason code
// of the protocol error, or Internal.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitTxResponse is returned by POST /v1/transactions
type SubmitTxResponse struct {
	ID common.TxID `json:"id"`
}

// DepositRequest is the body of POST /v1/deposits.  The owner is not
// authenticated: the base ledger lives in the node process and the endpoint
// stands for the owner's own contract call.
type DepositRequest struct {
	Owner  ethCommon.Address   `json:"owner" validate:"required"`
	PubKey common.PubKeyPacked `json:"pubKey"`
	Token  common.TokenID      `json:"token"`
	Amount string              `json:"amount" validate:"required"`
	Fee    string              `json:"fee" validate:"required"`
}

// ExitRequest is the body of POST /v1/exits
type ExitRequest struct {
	Owner ethCommon.Address `json:"owner" validate:"required"`
	Fee   string            `json:"fee" validate:"required"`
}

// WithdrawFundsRequest is the body of POST /v1/withdrawals.  An empty amount
// withdraws everything left.
type WithdrawFundsRequest struct {
	Owner  ethCommon.Address `json:"owner" validate:"required"`
	ID     uint64            `json:"id" validate:"required"`
	Amount string            `json:"amount,omitempty"`
}

// Receipt is the response to a deposit or exit request
type Receipt = batchqueue.Receipt

// OnchainAccount is the base ledger side of an owner
type OnchainAccount struct {
	Owner       ethCommon.Address         `json:"owner"`
	Idx         common.AccountIdx         `json:"idx"`
	State       common.AccountState       `json:"state"`
	Wallet      map[common.TokenID]string `json:"wallet"`
	Deposit     *batchqueue.Request       `json:"pendingDeposit,omitempty"`
	Exit        *batchqueue.Request       `json:"pendingExit,omitempty"`
	Withdrawals []common.WithdrawInfo     `json:"withdrawals"`
}

// State is the response of GET /v1/state
type State struct {
	LastCommitted     common.BlockNum `json:"lastCommitted"`
	LastVerified      common.BlockNum `json:"lastVerified"`
	LastVerifiedRoot  string          `json:"lastVerifiedRoot"`
	LastCommittedRoot string          `json:"lastCommittedRoot"`
	// Synced is false while the synchronizer is behind the base ledger
	Synced        bool            `json:"synced"`
	LastSynced    common.BlockNum `json:"lastSynced"`
	LastEthBlock  int64           `json:"lastEthBlock"`
	DepositBatch  *common.Batch   `json:"depositBatch"`
	DepositQueued int             `json:"depositQueued"`
	ExitBatch     *common.Batch   `json:"exitBatch"`
	ExitQueued    int             `json:"exitQueued"`
	PendingTxs    int             `json:"pendingTxs"`
}
