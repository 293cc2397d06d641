package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

const (
	// NonceBytesLen is the wire width of a Nonce
	NonceBytesLen = 4
	// MaxNonceValue is the maximum value that the Account.Nonce can have
	// (32 bits: MaxNonceValue=2**32-1)
	MaxNonceValue = 0xffffffff
)

// Nonce represents the nonce value in a uint64, which has the method Bytes
// that returns a byte array of length 4 (32 bits).
type Nonce uint64

// Bytes returns a byte array of length 4 representing the Nonce
func (n Nonce) Bytes() ([NonceBytesLen]byte, error) {
	if n > MaxNonceValue {
		return [NonceBytesLen]byte{}, Wrap(fmt.Errorf("%w: nonce %d", ErrFieldOverflow, n))
	}
	var b [NonceBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	return b, nil
}

// BigInt returns the *big.Int representation of the Nonce value
func (n Nonce) BigInt() *big.Int {
	return new(big.Int).SetUint64(uint64(n))
}

// NonceFromBytes returns Nonce from a [4]byte
func NonceFromBytes(b [NonceBytesLen]byte) Nonce {
	return Nonce(binary.BigEndian.Uint32(b[:]))
}
