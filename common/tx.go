package common

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxType is the type tag that prefixes every serialized tx
type TxType byte

const (
	// TxTypeDeposit moves funds from the base ledger into an account
	TxTypeDeposit TxType = 1
	// TxTypeTransfer moves funds between two accounts
	TxTypeTransfer TxType = 2
	// TxTypeWithdraw moves funds from an account to a base ledger address
	TxTypeWithdraw TxType = 3
	// TxTypeClose closes an empty account
	TxTypeClose TxType = 4
	// TxTypeFullExit withdraws a whole balance of an account on request
	// of its owner on the base ledger
	TxTypeFullExit TxType = 5
)

var txTypeNames = map[TxType]string{
	TxTypeDeposit:  "Deposit",
	TxTypeTransfer: "Transfer",
	TxTypeWithdraw: "Withdraw",
	TxTypeClose:    "Close",
	TxTypeFullExit: "FullExit",
}

// Serialized lengths of every tx type
const (
	TransferBytesLen = 1 + AccountIdxBytesLen + AccountIdxBytesLen + TokenIDBytesLen + 2 + 1 + NonceBytesLen + 4
	WithdrawBytesLen = 1 + AccountIdxBytesLen + TokenIDBytesLen + AmountBytesLen + 1 + ethCommon.AddressLength +
		NonceBytesLen + 4
	CloseBytesLen    = 1 + AccountIdxBytesLen + NonceBytesLen
	DepositBytesLen  = 1 + AccountIdxBytesLen + TokenIDBytesLen + AmountBytesLen + ethCommon.AddressLength + 32
	FullExitBytesLen = 1 + AccountIdxBytesLen + ethCommon.AddressLength + TokenIDBytesLen + AmountBytesLen
)

func (t TxType) String() string {
	if name, ok := txTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TxType(%d)", byte(t))
}

// TxTypeFromString parses the name of a tx type
func TxTypeFromString(s string) (TxType, error) {
	for t, name := range txTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, Wrap(fmt.Errorf("%w: %q", ErrInvalidTxType, s))
}

// Len returns the serialized length of the tx type, or 0 if unknown
func (t TxType) Len() int {
	switch t {
	case TxTypeDeposit:
		return DepositBytesLen
	case TxTypeTransfer:
		return TransferBytesLen
	case TxTypeWithdraw:
		return WithdrawBytesLen
	case TxTypeClose:
		return CloseBytesLen
	case TxTypeFullExit:
		return FullExitBytesLen
	default:
		return 0
	}
}

// Circuit returns the circuit that proves txs of this type
func (t TxType) Circuit() Circuit {
	switch t {
	case TxTypeDeposit:
		return CircuitDeposit
	case TxTypeFullExit:
		return CircuitExit
	default:
		return CircuitTransfer
	}
}

// Tx is a serializable rollup transaction
type Tx interface {
	Type() TxType
	// FromIdx is the account the tx acts on
	FromIdx() AccountIdx
	// Bytes returns the canonical serialization: the signing message for
	// signed txs and the public data fragment for all of them
	Bytes() ([]byte, error)
}

// L2Tx is a tx authorized by a signature of the account key
type L2Tx interface {
	Tx
	TxNonce() Nonce
}

// TxID is the keccak256 hash of a serialized tx
type TxID [32]byte

// NewTxID returns the TxID of tx
func NewTxID(tx Tx) (TxID, error) {
	b, err := tx.Bytes()
	if err != nil {
		return TxID{}, Wrap(err)
	}
	return TxID(ethCrypto.Keccak256Hash(b)), nil
}

// String returns a hex representation of the TxID
func (id TxID) String() string {
	return hexutil.Encode(id[:])
}

// MarshalText implements encoding.TextMarshaler
func (id TxID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *TxID) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return Wrap(err)
	}
	if len(b) != len(id) {
		return Wrap(fmt.Errorf("can not parse TxID, bytes len %d, expected %d", len(b), len(id)))
	}
	copy(id[:], b)
	return nil
}

// txWriter appends fixed width fields, keeping the first error
type txWriter struct {
	b   []byte
	err error
}

func newTxWriter(t TxType) *txWriter {
	w := &txWriter{b: make([]byte, 0, t.Len())}
	w.b = append(w.b, byte(t))
	return w
}

func (w *txWriter) idx(idx AccountIdx) {
	if w.err != nil {
		return
	}
	b, err := idx.Bytes()
	w.err = err
	w.b = append(w.b, b[:]...)
}

func (w *txWriter) token(t TokenID) {
	if w.err != nil {
		return
	}
	b, err := t.Bytes()
	w.err = err
	w.b = append(w.b, b[:]...)
}

func (w *txWriter) nonce(n Nonce) {
	if w.err != nil {
		return
	}
	b, err := n.Bytes()
	w.err = err
	w.b = append(w.b, b[:]...)
}

func (w *txWriter) amount(v *big.Int) {
	if w.err != nil {
		return
	}
	b, err := AmountToBytes(v)
	w.err = err
	w.b = append(w.b, b[:]...)
}

func (w *txWriter) packed(c FloatCodec, v *big.Int) {
	if w.err != nil {
		return
	}
	b, err := c.Encode(BigIntOrZero(v))
	w.err = err
	w.b = append(w.b, b...)
}

func (w *txWriter) blockNum(bn BlockNum) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(bn))
	w.b = append(w.b, b[:]...)
}

func (w *txWriter) raw(b []byte) {
	w.b = append(w.b, b...)
}

func (w *txWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, Wrap(w.err)
	}
	return w.b, nil
}

// txReader consumes fixed width fields, keeping the first error
type txReader struct {
	b   []byte
	off int
	err error
}

func (r *txReader) next(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: truncated record", ErrInvalidTxBytes)
		return make([]byte, n)
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b
}

func (r *txReader) idx() AccountIdx {
	idx, err := AccountIdxFromBytes(r.next(AccountIdxBytesLen))
	if r.err == nil {
		r.err = err
	}
	return idx
}

func (r *txReader) token() TokenID {
	t, err := TokenIDFromBytes(r.next(TokenIDBytesLen))
	if r.err == nil {
		r.err = err
	}
	return t
}

func (r *txReader) nonce() Nonce {
	var b [NonceBytesLen]byte
	copy(b[:], r.next(NonceBytesLen))
	return NonceFromBytes(b)
}

func (r *txReader) amount() *big.Int {
	return new(big.Int).SetBytes(r.next(AmountBytesLen))
}

func (r *txReader) packed(c FloatCodec) *big.Int {
	n, err := c.Len()
	if err != nil {
		r.err = err
		return big.NewInt(0)
	}
	v, err := c.Decode(r.next(n))
	if r.err == nil {
		r.err = err
	}
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func (r *txReader) address() ethCommon.Address {
	return ethCommon.BytesToAddress(r.next(ethCommon.AddressLength))
}

func (r *txReader) blockNum() BlockNum {
	return BlockNum(binary.BigEndian.Uint32(r.next(4))) //nolint:gomnd
}

// DecodeTx parses the tx at the start of b, returning it together with the
// number of bytes consumed.
func DecodeTx(b []byte) (Tx, int, error) {
	if len(b) == 0 {
		return nil, 0, Wrap(fmt.Errorf("%w: empty record", ErrInvalidTxBytes))
	}
	t := TxType(b[0])
	n := t.Len()
	if n == 0 {
		return nil, 0, Wrap(fmt.Errorf("%w: tag %d", ErrInvalidTxType, b[0]))
	}
	if len(b) < n {
		return nil, 0, Wrap(fmt.Errorf("%w: %v needs %d bytes, got %d", ErrInvalidTxBytes, t, n, len(b)))
	}
	r := &txReader{b: b[:n], off: 1}
	var tx Tx
	switch t {
	case TxTypeTransfer:
		tx = &Transfer{
			From:           r.idx(),
			To:             r.idx(),
			TokenID:        r.token(),
			Amount:         r.packed(AmountCodec),
			Fee:            r.packed(FeeCodec),
			Nonce:          r.nonce(),
			GoodUntilBlock: r.blockNum(),
		}
	case TxTypeWithdraw:
		tx = &Withdraw{
			From:           r.idx(),
			TokenID:        r.token(),
			Amount:         r.amount(),
			Fee:            r.packed(FeeCodec),
			EthAddress:     r.address(),
			Nonce:          r.nonce(),
			GoodUntilBlock: r.blockNum(),
		}
	case TxTypeClose:
		tx = &Close{
			Idx:   r.idx(),
			Nonce: r.nonce(),
		}
	case TxTypeDeposit:
		d := &Deposit{
			Idx:     r.idx(),
			TokenID: r.token(),
			Amount:  r.amount(),
			Owner:   r.address(),
		}
		copy(d.PubKey[:], r.next(32)) //nolint:gomnd
		tx = d
	case TxTypeFullExit:
		tx = &FullExit{
			Idx:     r.idx(),
			Owner:   r.address(),
			TokenID: r.token(),
			Amount:  r.amount(),
		}
	}
	if r.err != nil {
		return nil, 0, Wrap(r.err)
	}
	return tx, n, nil
}

// DecodeTxs parses a packed stream of txs
func DecodeTxs(b []byte) ([]Tx, error) {
	var txs []Tx
	for off := 0; off < len(b); {
		tx, n, err := DecodeTx(b[off:])
		if err != nil {
			return nil, Wrap(fmt.Errorf("record at offset %d: %w", off, Unwrap(err)))
		}
		txs = append(txs, tx)
		off += n
	}
	return txs, nil
}

// PackTxs concatenates the serialization of txs
func PackTxs(txs []Tx) ([]byte, error) {
	var b []byte
	for _, tx := range txs {
		txBytes, err := tx.Bytes()
		if err != nil {
			return nil, Wrap(err)
		}
		b = append(b, txBytes...)
	}
	return b, nil
}

// SignedTx is an L2Tx together with the signature of its serialization
type SignedTx struct {
	Tx        L2Tx
	Signature *Signature
}

// SignTx signs the serialization of tx
func SignTx(tx L2Tx, key *PrivateKey) (*SignedTx, error) {
	msg, err := tx.Bytes()
	if err != nil {
		return nil, Wrap(err)
	}
	sig, err := key.Sign(msg)
	if err != nil {
		return nil, Wrap(err)
	}
	return &SignedTx{Tx: tx, Signature: sig}, nil
}

// ID returns the TxID of the signed tx
func (s *SignedTx) ID() (TxID, error) {
	return NewTxID(s.Tx)
}

// VerifySignature checks the signature against pub
func (s *SignedTx) VerifySignature(pub PubKeyPacked) error {
	msg, err := s.Tx.Bytes()
	if err != nil {
		return Wrap(err)
	}
	if !Verify(msg, s.Signature, pub) {
		return Wrap(ErrInvalidSignature)
	}
	return nil
}
