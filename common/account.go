package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/constants"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

const (
	// AccountIdxBytesLen is the wire width of an AccountIdx
	AccountIdxBytesLen = 3
	// MaxAccountIdx is the maximum value that AccountIdx can have (24
	// bits: MaxAccountIdx=2**24-1)
	MaxAccountIdx = 0xffffff
	// EmptyAccountIdx is reserved: it marks padding slots and never
	// belongs to a user
	EmptyAccountIdx AccountIdx = 0

	// accountHeaderLen is owner(20) ‖ pubKey(32) ‖ nonce(4) ‖ nTokens(2)
	accountHeaderLen = 20 + 32 + NonceBytesLen + 2
	// accountBalanceLen is token(2) ‖ balance(16)
	accountBalanceLen = TokenIDBytesLen + AmountBytesLen
)

// AccountIdx represents the account index in the MerkleTree
type AccountIdx uint32

// Bytes returns a byte array of length 3 representing the AccountIdx
func (idx AccountIdx) Bytes() ([AccountIdxBytesLen]byte, error) {
	if idx > MaxAccountIdx {
		return [AccountIdxBytesLen]byte{}, Wrap(fmt.Errorf("%w: account %d", ErrFieldOverflow, idx))
	}
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], uint32(idx))
	var b [AccountIdxBytesLen]byte
	copy(b[:], b4[1:])
	return b, nil
}

// AccountIdxFromBytes returns AccountIdx from a byte array
func AccountIdxFromBytes(b []byte) (AccountIdx, error) {
	if len(b) != AccountIdxBytesLen {
		return 0, Wrap(fmt.Errorf("%w: can not parse AccountIdx, bytes len %d, expected %d",
			ErrInvalidTxBytes, len(b), AccountIdxBytesLen))
	}
	var b4 [4]byte
	copy(b4[1:], b)
	return AccountIdx(binary.BigEndian.Uint32(b4[:])), nil
}

// BigInt returns a *big.Int representing the AccountIdx
func (idx AccountIdx) BigInt() *big.Int {
	return big.NewInt(int64(idx))
}

// AccountState is the registration state of an account on the base ledger
type AccountState string

const (
	// AccountStateNotRegistered is an owner without account
	AccountStateNotRegistered AccountState = "NotRegistered"
	// AccountStateRegistered is an account that can transact
	AccountStateRegistered AccountState = "Registered"
	// AccountStatePendingExit is an account with a full exit requested
	AccountStatePendingExit AccountState = "PendingExit"
)

// Account is a leaf of the account tree.  It holds one balance per token.
type Account struct {
	Idx      AccountIdx           `meddler:"idx"`
	Owner    ethCommon.Address    `meddler:"owner"`
	PubKey   PubKeyPacked         `meddler:"-"`
	Nonce    Nonce                `meddler:"-"`
	Balances map[TokenID]*big.Int `meddler:"-"`
}

// NewAccount returns an empty account
func NewAccount(idx AccountIdx, owner ethCommon.Address, pubKey PubKeyPacked) *Account {
	return &Account{
		Idx:      idx,
		Owner:    owner,
		PubKey:   pubKey,
		Balances: make(map[TokenID]*big.Int),
	}
}

// Balance returns a copy of the balance of the given token
func (a *Account) Balance(token TokenID) *big.Int {
	if b, ok := a.Balances[token]; ok && b != nil {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// SetBalance sets the balance of the given token.  Zero balances are removed.
func (a *Account) SetBalance(token TokenID, balance *big.Int) {
	if a.Balances == nil {
		a.Balances = make(map[TokenID]*big.Int)
	}
	if balance.Sign() == 0 {
		delete(a.Balances, token)
		return
	}
	a.Balances[token] = new(big.Int).Set(balance)
}

// Tokens returns the tokens with a balance, ascending
func (a *Account) Tokens() []TokenID {
	tokens := make([]TokenID, 0, len(a.Balances))
	for token, balance := range a.Balances {
		if balance != nil && balance.Sign() != 0 {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// IsEmpty returns true when the account holds no funds
func (a *Account) IsEmpty() bool {
	return len(a.Tokens()) == 0
}

// Bytes returns the storage representation of the Account:
// owner ‖ pubKey ‖ nonce ‖ nTokens ‖ (token ‖ balance)* with tokens ascending.
func (a *Account) Bytes() ([]byte, error) {
	nonceBytes, err := a.Nonce.Bytes()
	if err != nil {
		return nil, Wrap(err)
	}
	tokens := a.Tokens()
	b := make([]byte, accountHeaderLen, accountHeaderLen+len(tokens)*accountBalanceLen)
	copy(b[0:20], a.Owner.Bytes())
	copy(b[20:52], a.PubKey[:])
	copy(b[52:56], nonceBytes[:])
	binary.BigEndian.PutUint16(b[56:58], uint16(len(tokens)))
	for _, token := range tokens {
		tokenBytes, err := token.Bytes()
		if err != nil {
			return nil, Wrap(err)
		}
		balanceBytes, err := AmountToBytes(a.Balances[token])
		if err != nil {
			return nil, Wrap(fmt.Errorf("balance of token %d: %w", token, Unwrap(err)))
		}
		b = append(b, tokenBytes[:]...)
		b = append(b, balanceBytes[:]...)
	}
	return b, nil
}

// AccountFromBytes returns an Account from its storage representation
func AccountFromBytes(b []byte) (*Account, error) {
	if len(b) < accountHeaderLen {
		return nil, Wrap(fmt.Errorf("account bytes len %d < %d", len(b), accountHeaderLen))
	}
	n := int(binary.BigEndian.Uint16(b[56:58]))
	if len(b) != accountHeaderLen+n*accountBalanceLen {
		return nil, Wrap(fmt.Errorf("account bytes len %d, expected %d",
			len(b), accountHeaderLen+n*accountBalanceLen))
	}
	a := &Account{
		Owner:    ethCommon.BytesToAddress(b[0:20]),
		Balances: make(map[TokenID]*big.Int, n),
	}
	copy(a.PubKey[:], b[20:52])
	var nonceBytes [NonceBytesLen]byte
	copy(nonceBytes[:], b[52:56])
	a.Nonce = NonceFromBytes(nonceBytes)
	for i := 0; i < n; i++ {
		off := accountHeaderLen + i*accountBalanceLen
		token, err := TokenIDFromBytes(b[off : off+TokenIDBytesLen])
		if err != nil {
			return nil, Wrap(err)
		}
		balance, err := AmountFromBytes(b[off+TokenIDBytesLen : off+accountBalanceLen])
		if err != nil {
			return nil, Wrap(err)
		}
		a.Balances[token] = balance
	}
	return a, nil
}

// balancesHash folds the balances into a single field element:
// h = H(h, token, balance) for every token ascending, starting from 0.
func (a *Account) balancesHash() (*big.Int, error) {
	h := big.NewInt(0)
	for _, token := range a.Tokens() {
		var err error
		h, err = poseidon.Hash([]*big.Int{h, big.NewInt(int64(token)), a.Balances[token]})
		if err != nil {
			return nil, Wrap(err)
		}
	}
	return h, nil
}

// HashValue returns the value of the Account leaf in the MerkleTree:
// H(nonce, owner, pubKey mod q, balancesHash)
func (a *Account) HashValue() (*big.Int, error) {
	if _, err := a.Bytes(); err != nil {
		return nil, Wrap(err)
	}
	bh, err := a.balancesHash()
	if err != nil {
		return nil, Wrap(err)
	}
	pk := new(big.Int).SetBytes(a.PubKey[:])
	pk.Mod(pk, constants.Q)
	return poseidon.Hash([]*big.Int{a.Nonce.BigInt(), EthAddrToBigInt(a.Owner), pk, bh})
}
