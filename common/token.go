package common

import (
	"encoding/binary"
	"fmt"
	"sync"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

const (
	// TokenIDBytesLen is the wire width of a TokenID
	TokenIDBytesLen = 2
	// MaxTokenID is the largest TokenID that fits the wire (16 bits)
	MaxTokenID = 0xffff
	// NativeTokenID is the id reserved for the base ledger native asset
	NativeTokenID TokenID = 0
)

// Token is a fungible asset supported in the rollup
type Token struct {
	TokenID TokenID `json:"id" meddler:"token_id"`
	// EthBlockNum indicates the base ledger block number in which this
	// token was registered
	EthBlockNum int64             `json:"ethereumBlockNum" meddler:"eth_block_num"`
	EthAddr     ethCommon.Address `json:"ethereumAddress" meddler:"eth_addr"`
	Symbol      string            `json:"symbol" meddler:"symbol"`
	Decimals    uint64            `json:"decimals" meddler:"decimals"`
}

// TokenID is the unique identifier of the token, as set in the token registry
type TokenID uint32

// Bytes returns a byte array of length 2 representing the TokenID
func (t TokenID) Bytes() ([TokenIDBytesLen]byte, error) {
	if t > MaxTokenID {
		return [TokenIDBytesLen]byte{}, Wrap(fmt.Errorf("%w: token %d", ErrFieldOverflow, t))
	}
	var b [TokenIDBytesLen]byte
	binary.BigEndian.PutUint16(b[:], uint16(t))
	return b, nil
}

// TokenIDFromBytes returns TokenID from a byte array
func TokenIDFromBytes(b []byte) (TokenID, error) {
	if len(b) != TokenIDBytesLen {
		return 0, Wrap(fmt.Errorf("%w: can not parse TokenID, bytes len %d, expected %d",
			ErrInvalidTxBytes, len(b), TokenIDBytesLen))
	}
	return TokenID(binary.BigEndian.Uint16(b)), nil
}

// TokenRegistry is the global, append only, list of tokens.  Ids are dense
// and the native asset is always registered with id 0.
type TokenRegistry struct {
	rw     sync.RWMutex
	tokens []Token
	byAddr map[ethCommon.Address]TokenID
}

// NewTokenRegistry creates a TokenRegistry with the native asset registered
func NewTokenRegistry(nativeSymbol string) *TokenRegistry {
	return &TokenRegistry{
		tokens: []Token{{TokenID: NativeTokenID, Symbol: nativeSymbol, Decimals: 18}}, //nolint:gomnd
		byAddr: make(map[ethCommon.Address]TokenID),
	}
}

// Add registers a new token.  A token address can only be registered once.
func (r *TokenRegistry) Add(addr ethCommon.Address, symbol string, decimals uint64,
	ethBlockNum int64) (*Token, error) {
	r.rw.Lock()
	defer r.rw.Unlock()
	if addr == (ethCommon.Address{}) {
		return nil, Wrap(fmt.Errorf("%w: empty token address", ErrTokenExists))
	}
	if _, ok := r.byAddr[addr]; ok {
		return nil, Wrap(fmt.Errorf("%w: %v", ErrTokenExists, addr))
	}
	id := TokenID(len(r.tokens))
	if id > MaxTokenID {
		return nil, Wrap(fmt.Errorf("%w: token registry full", ErrFieldOverflow))
	}
	token := Token{
		TokenID:     id,
		EthBlockNum: ethBlockNum,
		EthAddr:     addr,
		Symbol:      symbol,
		Decimals:    decimals,
	}
	r.tokens = append(r.tokens, token)
	r.byAddr[addr] = id
	return &token, nil
}

// Get returns the token with the given id
func (r *TokenRegistry) Get(id TokenID) (*Token, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	if int(id) >= len(r.tokens) {
		return nil, Wrap(fmt.Errorf("%w: %d", ErrUnknownToken, id))
	}
	token := r.tokens[id]
	return &token, nil
}

// All returns a copy of the registered tokens ordered by id
func (r *TokenRegistry) All() []Token {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return append([]Token(nil), r.tokens...)
}
