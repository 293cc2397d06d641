package common

import (
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Transfer moves Amount of TokenID from From to To.  On the wire the amount
// and the fee travel packed, so Bytes fails with ErrAmountOutOfRange when
// either exceeds its codec maximum and rounds down otherwise.
type Transfer struct {
	From    AccountIdx `json:"from"`
	To      AccountIdx `json:"to"`
	TokenID TokenID    `json:"token"`
	Amount  *big.Int   `json:"amount"`
	Fee     *big.Int   `json:"fee"`
	Nonce   Nonce      `json:"nonce"`
	// GoodUntilBlock is the last block the transfer may be included in, 0
	// for no limit
	GoodUntilBlock BlockNum `json:"goodUntilBlock"`
}

// Type implements Tx
func (tx *Transfer) Type() TxType { return TxTypeTransfer }

// FromIdx implements Tx
func (tx *Transfer) FromIdx() AccountIdx { return tx.From }

// TxNonce implements L2Tx
func (tx *Transfer) TxNonce() Nonce { return tx.Nonce }

// Bytes implements Tx:
// type ‖ from ‖ to ‖ token ‖ amount(packed) ‖ fee(packed) ‖ nonce ‖ goodUntilBlock
func (tx *Transfer) Bytes() ([]byte, error) {
	w := newTxWriter(TxTypeTransfer)
	w.idx(tx.From)
	w.idx(tx.To)
	w.token(tx.TokenID)
	w.packed(AmountCodec, tx.Amount)
	w.packed(FeeCodec, tx.Fee)
	w.nonce(tx.Nonce)
	w.blockNum(tx.GoodUntilBlock)
	return w.bytes()
}

// Rounded returns a copy of the transfer with amount and fee rounded down
// to the values the wire form carries
func (tx *Transfer) Rounded() (*Transfer, error) {
	amount, err := AmountCodec.Round(BigIntOrZero(tx.Amount))
	if err != nil {
		return nil, Wrap(err)
	}
	fee, err := FeeCodec.Round(BigIntOrZero(tx.Fee))
	if err != nil {
		return nil, Wrap(err)
	}
	r := *tx
	r.Amount = amount
	r.Fee = fee
	return &r, nil
}

// Withdraw moves Amount of TokenID from From to EthAddress on the base
// ledger.  The amount travels unpacked.
type Withdraw struct {
	From           AccountIdx        `json:"from"`
	TokenID        TokenID           `json:"token"`
	Amount         *big.Int          `json:"amount"`
	Fee            *big.Int          `json:"fee"`
	EthAddress     ethCommon.Address `json:"ethAddress"`
	Nonce          Nonce             `json:"nonce"`
	GoodUntilBlock BlockNum          `json:"goodUntilBlock"`
}

// Type implements Tx
func (tx *Withdraw) Type() TxType { return TxTypeWithdraw }

// FromIdx implements Tx
func (tx *Withdraw) FromIdx() AccountIdx { return tx.From }

// TxNonce implements L2Tx
func (tx *Withdraw) TxNonce() Nonce { return tx.Nonce }

// Bytes implements Tx:
// type ‖ from ‖ token ‖ amount ‖ fee(packed) ‖ ethAddress ‖ nonce ‖ goodUntilBlock
func (tx *Withdraw) Bytes() ([]byte, error) {
	w := newTxWriter(TxTypeWithdraw)
	w.idx(tx.From)
	w.token(tx.TokenID)
	w.amount(tx.Amount)
	w.packed(FeeCodec, tx.Fee)
	w.raw(tx.EthAddress.Bytes())
	w.nonce(tx.Nonce)
	w.blockNum(tx.GoodUntilBlock)
	return w.bytes()
}

// Rounded returns a copy of the withdraw with the fee rounded down
func (tx *Withdraw) Rounded() (*Withdraw, error) {
	fee, err := FeeCodec.Round(BigIntOrZero(tx.Fee))
	if err != nil {
		return nil, Wrap(err)
	}
	r := *tx
	r.Amount = BigIntOrZero(tx.Amount)
	r.Fee = fee
	return &r, nil
}

// Close removes an empty account from the tree
type Close struct {
	Idx   AccountIdx `json:"account"`
	Nonce Nonce      `json:"nonce"`
}

// Type implements Tx
func (tx *Close) Type() TxType { return TxTypeClose }

// FromIdx implements Tx
func (tx *Close) FromIdx() AccountIdx { return tx.Idx }

// TxNonce implements L2Tx
func (tx *Close) TxNonce() Nonce { return tx.Nonce }

// Bytes implements Tx: type ‖ account ‖ nonce
func (tx *Close) Bytes() ([]byte, error) {
	w := newTxWriter(TxTypeClose)
	w.idx(tx.Idx)
	w.nonce(tx.Nonce)
	return w.bytes()
}

// TxFee returns the token and fee paid by an L2Tx.  Close is free.
func TxFee(tx L2Tx) (TokenID, *big.Int) {
	switch t := tx.(type) {
	case *Transfer:
		return t.TokenID, BigIntOrZero(t.Fee)
	case *Withdraw:
		return t.TokenID, BigIntOrZero(t.Fee)
	default:
		return NativeTokenID, big.NewInt(0)
	}
}

// TxGoodUntil returns the expiry block of an L2Tx, 0 for none
func TxGoodUntil(tx L2Tx) BlockNum {
	switch t := tx.(type) {
	case *Transfer:
		return t.GoodUntilBlock
	case *Withdraw:
		return t.GoodUntilBlock
	default:
		return 0
	}
}

// RoundTx returns tx with every packed field rounded to its wire value
func RoundTx(tx L2Tx) (L2Tx, error) {
	switch t := tx.(type) {
	case *Transfer:
		return t.Rounded()
	case *Withdraw:
		return t.Rounded()
	case *Close:
		c := *t
		return &c, nil
	default:
		return nil, Wrap(fmt.Errorf("%w: %v is not an L2 tx", ErrInvalidTxType, tx.Type()))
	}
}
