package common

import (
	"math/big"
	"testing"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountBytes(t *testing.T) {
	_, pk, err := DeriveKey([]byte("account"))
	require.NoError(t, err)
	a := NewAccount(42, ethCommon.HexToAddress("0x1e9a"), pk)
	a.Nonce = 12
	a.SetBalance(3, big.NewInt(500))
	a.SetBalance(0, big.NewInt(7))
	a.SetBalance(9, big.NewInt(0))

	b, err := a.Bytes()
	require.NoError(t, err)
	assert.Equal(t, accountHeaderLen+2*accountBalanceLen, len(b))

	a2, err := AccountFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, a.Owner, a2.Owner)
	assert.Equal(t, a.PubKey, a2.PubKey)
	assert.Equal(t, a.Nonce, a2.Nonce)
	assert.Equal(t, []TokenID{0, 3}, a2.Tokens())
	assert.Equal(t, "500", a2.Balance(3).String())

	h1, err := a.HashValue()
	require.NoError(t, err)
	h2, err := a2.HashValue()
	require.NoError(t, err)
	assert.Equal(t, 0, h1.Cmp(h2))

	a2.SetBalance(3, big.NewInt(501))
	h3, err := a2.HashValue()
	require.NoError(t, err)
	assert.NotEqual(t, 0, h1.Cmp(h3))

	_, err = AccountFromBytes(b[:len(b)-1])
	assert.Error(t, err)
}

func TestAccountIdxBytes(t *testing.T) {
	b, err := AccountIdx(0x123456).Bytes()
	require.NoError(t, err)
	assert.Equal(t, [3]byte{0x12, 0x34, 0x56}, b)
	idx, err := AccountIdxFromBytes(b[:])
	require.NoError(t, err)
	assert.Equal(t, AccountIdx(0x123456), idx)

	_, err = AccountIdx(MaxAccountIdx + 1).Bytes()
	assert.True(t, IsErr(err, ErrFieldOverflow))
}

func TestFeeTotals(t *testing.T) {
	f := FeeTotals{}
	f.Add(2, big.NewInt(5))
	f.Add(1, big.NewInt(3))
	f.Add(2, big.NewInt(5))
	f.Add(4, big.NewInt(0))
	assert.Equal(t, []TokenID{1, 2}, f.Tokens())
	assert.Equal(t, "10", f.Get(2).String())
	assert.Equal(t, "0", f.Get(4).String())

	c := f.Copy()
	c.Add(1, big.NewInt(1))
	assert.Equal(t, "3", f.Get(1).String())

	b, err := f.Bytes()
	require.NoError(t, err)
	assert.Equal(t, 2*(TokenIDBytesLen+AmountBytesLen), len(b))
	assert.Equal(t, byte(1), b[1])
}

func TestTokenRegistry(t *testing.T) {
	r := NewTokenRegistry("ETH")
	native, err := r.Get(NativeTokenID)
	require.NoError(t, err)
	assert.Equal(t, "ETH", native.Symbol)

	addr := ethCommon.HexToAddress("0xdac17f958d2ee523a2206206994597c13d831ec7")
	token, err := r.Add(addr, "USDT", 6, 10)
	require.NoError(t, err)
	assert.Equal(t, TokenID(1), token.TokenID)

	_, err = r.Add(addr, "USDT", 6, 11)
	assert.True(t, IsErr(err, ErrTokenExists))
	_, err = r.Get(2)
	assert.True(t, IsErr(err, ErrUnknownToken))
	assert.Len(t, r.All(), 2)
}

func TestErrorTaxonomy(t *testing.T) {
	err := NewShortfallError(ErrBatchFeeTooLow, big.NewInt(10), big.NewInt(4))
	assert.True(t, IsErr(err, ErrBatchFeeTooLow))
	assert.Equal(t, "BatchFeeTooLow", ReasonCode(err))
	assert.Equal(t, ClassEconomic, ClassOf(err))

	var sf *ShortfallError
	require.ErrorAs(t, Unwrap(err), &sf)
	assert.Equal(t, "6", sf.Shortfall().String())

	assert.Equal(t, ReasonInternal, ReasonCode(Wrap(ErrDone)))
	assert.True(t, IsErrDone(Wrap(ErrDone)))
}
