package common

import (
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/hermeznetwork/tracerr"
)

// Wrap adds a stack trace to err
func Wrap(err error) error {
	return tracerr.Wrap(err)
}

// Unwrap returns the original error of a wrapped error
func Unwrap(err error) error {
	return tracerr.Unwrap(err)
}

// EthAddrToBigInt returns a *big.Int from a given ethereum common.Address.
func EthAddrToBigInt(a ethCommon.Address) *big.Int {
	return new(big.Int).SetBytes(a.Bytes())
}

// maxUint128 is the largest amount that fits a 16 byte field
var maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// AmountBytesLen is the width of unpacked amounts
const AmountBytesLen = 16

// AmountToBytes returns the 16 byte big-endian representation of amount
func AmountToBytes(amount *big.Int) ([AmountBytesLen]byte, error) {
	var b [AmountBytesLen]byte
	if amount == nil || amount.Sign() < 0 || amount.Cmp(maxUint128) > 0 {
		return b, Wrap(fmt.Errorf("%w: amount %v", ErrFieldOverflow, amount))
	}
	amount.FillBytes(b[:])
	return b, nil
}

// AmountFromBytes parses a 16 byte big-endian amount
func AmountFromBytes(b []byte) (*big.Int, error) {
	if len(b) != AmountBytesLen {
		return nil, Wrap(fmt.Errorf("%w: amount bytes len %d, expected %d",
			ErrInvalidTxBytes, len(b), AmountBytesLen))
	}
	return new(big.Int).SetBytes(b), nil
}

// ParseAmount parses a non negative decimal string
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, Wrap(fmt.Errorf("%w: %q", ErrInvalidAmount, s))
	}
	return v, nil
}

// BigIntOrZero returns v, or a new zero when v is nil
func BigIntOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
