package common

import (
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// WithdrawInfo is a payout of a verified withdraw or full exit, locked on the
// base ledger until its owner pulls it.  TxHash and TxLogIndex identify the
// ledger event that created it.
type WithdrawInfo struct {
	ID              uint64            `json:"id" meddler:"id,pk"`
	Account         AccountIdx        `json:"account" meddler:"account"`
	Owner           ethCommon.Address `json:"owner" meddler:"owner"`
	Amount          *big.Int          `json:"amount" meddler:"amount,bigint"`
	RemainingAmount *big.Int          `json:"remainingAmount" meddler:"remaining_amount,bigint"`
	TokenID         TokenID           `json:"token" meddler:"token"`
	TxHash          ethCommon.Hash    `json:"txHash" meddler:"tx_hash"`
	TxBlock         int64             `json:"txBlock" meddler:"tx_block"`
	TxLogIndex      uint              `json:"txLogIndex" meddler:"tx_log_index"`
	// BlockNum is the rollup block whose verification released the funds
	BlockNum  BlockNum  `json:"blockNum" meddler:"block_num"`
	FullExit  bool      `json:"fullExit" meddler:"full_exit"`
	Timestamp time.Time `json:"timestamp" meddler:"timestamp,utctime"`
}

// FinalizedWithdrawal is a pull of (part of) a WithdrawInfo into the owner
// wallet
type FinalizedWithdrawal struct {
	WithdrawalID uint64         `json:"withdrawalId" meddler:"withdrawal_id"`
	Amount       *big.Int       `json:"amount" meddler:"amount,bigint"`
	TxHash       ethCommon.Hash `json:"txHash" meddler:"tx_hash"`
	TxBlock      int64          `json:"txBlock" meddler:"tx_block"`
	TxLogIndex   uint           `json:"txLogIndex" meddler:"tx_log_index"`
}
