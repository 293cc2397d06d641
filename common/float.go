package common

import (
	"fmt"
	"math/big"
)

// FloatCodec packs an arbitrary precision integer into a fixed width
// mantissa * ExponentBase^exponent representation.  The exponent occupies the
// top ExponentBits of the big-endian bit field and the mantissa the rest.
// Encoding truncates: Decode(Encode(v)) <= v.
type FloatCodec struct {
	ExponentBits uint
	MantissaBits uint
	ExponentBase int64
}

var (
	// AmountCodec is used for tx amounts: 5 bits exponent, 11 bits
	// mantissa, base 10 (about 3 significant decimal digits)
	AmountCodec = FloatCodec{ExponentBits: 5, MantissaBits: 11, ExponentBase: 10}
	// FeeCodec is used for tx fees: 5 bits exponent, 3 bits mantissa,
	// base 10
	FeeCodec = FloatCodec{ExponentBits: 5, MantissaBits: 3, ExponentBase: 10}
)

// Len returns the width in bytes of an encoded value
func (c FloatCodec) Len() (int, error) {
	bits := c.ExponentBits + c.MantissaBits
	if bits == 0 || bits%8 != 0 || c.ExponentBase < 2 {
		return 0, Wrap(fmt.Errorf("%w: %d exponent bits, %d mantissa bits, base %d",
			ErrInvalidFloatWidth, c.ExponentBits, c.MantissaBits, c.ExponentBase))
	}
	return int(bits / 8), nil //nolint:gomnd
}

func (c FloatCodec) maxMantissa() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), c.MantissaBits), big.NewInt(1))
}

func (c FloatCodec) maxExponent() int64 {
	return (int64(1) << c.ExponentBits) - 1
}

func (c FloatCodec) pow(e int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(c.ExponentBase), big.NewInt(e), nil)
}

// Max returns the largest value the codec can represent
func (c FloatCodec) Max() *big.Int {
	return new(big.Int).Mul(c.maxMantissa(), c.pow(c.maxExponent()))
}

// split returns the smallest exponent for which v / base^exponent fits in the
// mantissa, together with the truncated mantissa.
func (c FloatCodec) split(v *big.Int) (int64, *big.Int) {
	maxMantissa := c.maxMantissa()
	base := big.NewInt(c.ExponentBase)
	m := new(big.Int).Set(v)
	var e int64
	for m.Cmp(maxMantissa) > 0 {
		m.Quo(m, base)
		e++
	}
	return e, m
}

// Encode packs v.  The result decodes to the truncation of v, never to a value
// above v.
func (c FloatCodec) Encode(v *big.Int) ([]byte, error) {
	n, err := c.Len()
	if err != nil {
		return nil, Wrap(err)
	}
	if v == nil || v.Sign() < 0 || v.Cmp(c.Max()) > 0 {
		return nil, Wrap(fmt.Errorf("%w: %v > %v", ErrAmountOutOfRange, v, c.Max()))
	}
	e, m := c.split(v)
	// Re-derive the exponent from the truncated value so that the
	// encoding is the canonical one of the value it decodes to.
	truncated := new(big.Int).Mul(m, c.pow(e))
	e, m = c.split(truncated)
	if e > c.maxExponent() {
		return nil, Wrap(fmt.Errorf("%w: exponent %d", ErrAmountOutOfRange, e))
	}

	packed := new(big.Int).Lsh(big.NewInt(e), c.MantissaBits)
	packed.Or(packed, m)
	return packed.FillBytes(make([]byte, n)), nil
}

// Decode unpacks b
func (c FloatCodec) Decode(b []byte) (*big.Int, error) {
	n, err := c.Len()
	if err != nil {
		return nil, Wrap(err)
	}
	if len(b) != n {
		return nil, Wrap(fmt.Errorf("%w: got %d bytes, expected %d",
			ErrInvalidFloatWidth, len(b), n))
	}
	packed := new(big.Int).SetBytes(b)
	m := new(big.Int).And(packed, c.maxMantissa())
	e := new(big.Int).Rsh(packed, c.MantissaBits).Int64()
	return m.Mul(m, c.pow(e)), nil
}

// Round returns the value v is turned into after an Encode/Decode round trip
func (c FloatCodec) Round(v *big.Int) (*big.Int, error) {
	b, err := c.Encode(v)
	if err != nil {
		return nil, Wrap(err)
	}
	return c.Decode(b)
}

// IsExact returns true if v is represented without loss
func (c FloatCodec) IsExact(v *big.Int) bool {
	r, err := c.Round(v)
	return err == nil && r.Cmp(v) == 0
}
