package batchqueue

import (
	"testing"

	"tokamak-settlement/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryClearDoesNotReuseIds(t *testing.T) {
	r := NewRegistry()
	a, err := r.register(owner(1), common.EmptyPubKey)
	require.NoError(t, err)
	assert.Equal(t, common.AccountIdx(1), a.Idx)

	// registering twice returns the same account
	again, err := r.register(owner(1), common.EmptyPubKey)
	require.NoError(t, err)
	assert.Equal(t, a.Idx, again.Idx)

	r.Clear(a.Idx)
	assert.Equal(t, common.AccountStateNotRegistered, r.State(owner(1)))
	_, err = r.Lookup(owner(1))
	assert.True(t, common.IsErr(err, common.ErrUnknownAccount))
	cleared, err := r.Get(a.Idx)
	require.NoError(t, err)
	assert.Equal(t, common.AccountStateNotRegistered, cleared.State)

	b, err := r.register(owner(1), common.EmptyPubKey)
	require.NoError(t, err)
	assert.Equal(t, common.AccountIdx(2), b.Idx)
	assert.Equal(t, 2, r.Len())

	_, err = r.Get(9)
	assert.True(t, common.IsErr(err, common.ErrUnknownAccount))
}
