package common

import (
	"fmt"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// WireTx is the transport envelope of a signed L2 tx.  Amount and Fee are the
// decimal strings of the unrounded values; rounding only happens inside Bytes.
type WireTx struct {
	Type           string             `json:"type" validate:"required,oneof=Transfer Withdraw Close"`
	From           AccountIdx         `json:"from" validate:"required"`
	To             AccountIdx         `json:"to,omitempty"`
	EthAddress     *ethCommon.Address `json:"ethAddress,omitempty"`
	Token          TokenID            `json:"token"`
	Amount         string             `json:"amount,omitempty"`
	Fee            string             `json:"fee,omitempty"`
	Nonce          Nonce              `json:"nonce"`
	GoodUntilBlock BlockNum           `json:"goodUntilBlock,omitempty"`
	Signature      WireSignature      `json:"signature" validate:"required"`
}

// NewWireTx returns the transport envelope of a signed tx
func NewWireTx(s *SignedTx) (*WireTx, error) {
	w := &WireTx{
		Type:      s.Tx.Type().String(),
		From:      s.Tx.FromIdx(),
		Nonce:     s.Tx.TxNonce(),
		Signature: s.Signature.Wire(),
	}
	switch tx := s.Tx.(type) {
	case *Transfer:
		w.To = tx.To
		w.Token = tx.TokenID
		w.Amount = BigIntOrZero(tx.Amount).String()
		w.Fee = BigIntOrZero(tx.Fee).String()
		w.GoodUntilBlock = tx.GoodUntilBlock
	case *Withdraw:
		addr := tx.EthAddress
		w.EthAddress = &addr
		w.Token = tx.TokenID
		w.Amount = BigIntOrZero(tx.Amount).String()
		w.Fee = BigIntOrZero(tx.Fee).String()
		w.GoodUntilBlock = tx.GoodUntilBlock
	case *Close:
	default:
		return nil, Wrap(fmt.Errorf("%w: %v", ErrInvalidTxType, s.Tx.Type()))
	}
	return w, nil
}

// SignedTx parses the envelope.  The signature is not checked here since it
// needs the account key.
func (w *WireTx) SignedTx() (*SignedTx, error) {
	t, err := TxTypeFromString(w.Type)
	if err != nil {
		return nil, Wrap(err)
	}
	sig, err := w.Signature.Signature()
	if err != nil {
		return nil, Wrap(err)
	}
	var tx L2Tx
	switch t {
	case TxTypeTransfer, TxTypeWithdraw:
		amount, err := ParseAmount(w.Amount)
		if err != nil {
			return nil, Wrap(err)
		}
		fee, err := ParseAmount(w.Fee)
		if err != nil {
			return nil, Wrap(err)
		}
		if t == TxTypeTransfer {
			tx = &Transfer{
				From:           w.From,
				To:             w.To,
				TokenID:        w.Token,
				Amount:         amount,
				Fee:            fee,
				Nonce:          w.Nonce,
				GoodUntilBlock: w.GoodUntilBlock,
			}
			break
		}
		if w.EthAddress == nil {
			return nil, Wrap(fmt.Errorf("%w: withdraw without ethAddress", ErrInvalidTxBytes))
		}
		tx = &Withdraw{
			From:           w.From,
			TokenID:        w.Token,
			Amount:         amount,
			Fee:            fee,
			EthAddress:     *w.EthAddress,
			Nonce:          w.Nonce,
			GoodUntilBlock: w.GoodUntilBlock,
		}
	case TxTypeClose:
		tx = &Close{Idx: w.From, Nonce: w.Nonce}
	default:
		return nil, Wrap(fmt.Errorf("%w: %v is not an L2 tx", ErrInvalidTxType, t))
	}
	// catch oversized fields at the boundary
	if _, err := tx.Bytes(); err != nil {
		return nil, Wrap(err)
	}
	return &SignedTx{Tx: tx, Signature: sig}, nil
}
