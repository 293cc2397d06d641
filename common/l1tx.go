package common

import (
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Deposit credits Amount of TokenID to Idx.  It is the public data of one
// slot of a deposit batch and registers the account on first use.
type Deposit struct {
	Idx     AccountIdx        `json:"account"`
	TokenID TokenID           `json:"token"`
	Amount  *big.Int          `json:"amount"`
	Owner   ethCommon.Address `json:"owner"`
	PubKey  PubKeyPacked      `json:"pubKey"`
}

// Type implements Tx
func (tx *Deposit) Type() TxType { return TxTypeDeposit }

// FromIdx implements Tx
func (tx *Deposit) FromIdx() AccountIdx { return tx.Idx }

// IsPadding returns true for the zero record filling an unused slot
func (tx *Deposit) IsPadding() bool { return tx.Idx == EmptyAccountIdx }

// Bytes implements Tx: type ‖ account ‖ token ‖ amount ‖ owner ‖ pubKey
func (tx *Deposit) Bytes() ([]byte, error) {
	w := newTxWriter(TxTypeDeposit)
	w.idx(tx.Idx)
	w.token(tx.TokenID)
	w.amount(tx.Amount)
	w.raw(tx.Owner.Bytes())
	w.raw(tx.PubKey[:])
	return w.bytes()
}

// FullExit debits the whole balance of TokenID from Idx and pays it to
// Owner on the base ledger.  Amount is the balance at proving time.
type FullExit struct {
	Idx     AccountIdx        `json:"account"`
	Owner   ethCommon.Address `json:"owner"`
	TokenID TokenID           `json:"token"`
	Amount  *big.Int          `json:"amount"`
}

// Type implements Tx
func (tx *FullExit) Type() TxType { return TxTypeFullExit }

// FromIdx implements Tx
func (tx *FullExit) FromIdx() AccountIdx { return tx.Idx }

// IsPadding returns true for the zero record filling an unused slot
func (tx *FullExit) IsPadding() bool { return tx.Idx == EmptyAccountIdx }

// Bytes implements Tx: type ‖ account ‖ owner ‖ token ‖ amount
func (tx *FullExit) Bytes() ([]byte, error) {
	w := newTxWriter(TxTypeFullExit)
	w.idx(tx.Idx)
	w.raw(tx.Owner.Bytes())
	w.token(tx.TokenID)
	w.amount(tx.Amount)
	return w.bytes()
}
