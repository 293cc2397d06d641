package common

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigFromString(t *testing.T, s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, s)
	return v
}

func TestAmountCodecEncodeDecode(t *testing.T) {
	testVector := map[string]string{
		"0":       "0",
		"1":       "1",
		"2047":    "2047",
		"2048":    "2040",
		"123456":  "123400",
		"1000000": "1000000",
		"2047999": "2047000",
		"2048001": "2040000",
	}
	for in, out := range testVector {
		enc, err := AmountCodec.Encode(bigFromString(t, in))
		require.NoError(t, err, in)
		assert.Equal(t, 2, len(enc))
		dec, err := AmountCodec.Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, out, dec.String(), in)
	}
}

func TestAmountCodecScenario(t *testing.T) {
	// 1343.32 units of an 18 decimals token
	v := bigFromString(t, "1343320000000000000000")
	r, err := AmountCodec.Round(v)
	require.NoError(t, err)
	assert.True(t, r.Cmp(v) <= 0)

	// within 0.1%
	diff := new(big.Int).Sub(v, r)
	diff.Mul(diff, big.NewInt(1000))
	assert.True(t, diff.Cmp(v) <= 0, "rounded %v too far from %v", r, v)
	assert.Equal(t, "1343000000000000000000", r.String())

	fee, err := FeeCodec.Round(big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), fee.Int64())
}

func TestFloatCodecRoundTripBound(t *testing.T) {
	values := []string{
		"7", "99", "1001", "65535", "999999999", "123456789123456789",
		"340282366920938463463374607431768211455",
	}
	for _, codec := range []FloatCodec{AmountCodec, FeeCodec} {
		for _, s := range values {
			v := bigFromString(t, s)
			if v.Cmp(codec.Max()) > 0 {
				_, err := codec.Encode(v)
				assert.True(t, IsErr(err, ErrAmountOutOfRange))
				continue
			}
			r, err := codec.Round(v)
			require.NoError(t, err)
			assert.True(t, r.Cmp(v) <= 0)
			rr, err := codec.Round(r)
			require.NoError(t, err)
			assert.Equal(t, 0, r.Cmp(rr), "round must be idempotent for %v", s)
			assert.True(t, codec.IsExact(r))
		}
	}
}

func TestFloatCodecErrors(t *testing.T) {
	_, err := AmountCodec.Encode(big.NewInt(-1))
	assert.True(t, IsErr(err, ErrAmountOutOfRange))

	over := new(big.Int).Add(AmountCodec.Max(), big.NewInt(1))
	_, err = AmountCodec.Encode(over)
	assert.True(t, IsErr(err, ErrAmountOutOfRange))
	_, err = AmountCodec.Encode(AmountCodec.Max())
	assert.NoError(t, err)

	odd := FloatCodec{ExponentBits: 5, MantissaBits: 10, ExponentBase: 10}
	_, err = odd.Encode(big.NewInt(1))
	assert.True(t, IsErr(err, ErrInvalidFloatWidth))
	_, err = AmountCodec.Decode([]byte{1})
	assert.True(t, IsErr(err, ErrInvalidFloatWidth))
}

func TestFloatCodecBigEndianLayout(t *testing.T) {
	// 2048 truncates to 2040, which fits the mantissa with exponent 0
	enc, err := AmountCodec.Encode(big.NewInt(2048))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07, 0xf8}, enc)

	// 123400 = 1234 * 10^2: exponent 2 in the top 5 bits
	enc, err = AmountCodec.Encode(big.NewInt(123456))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x14, 0xd2}, enc)

	enc, err = FeeCodec.Encode(big.NewInt(70))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0f}, enc)
}
