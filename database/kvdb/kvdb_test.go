package kvdb

import (
	"fmt"
	"os"
	"testing"

	"tokamak-settlement/common"
	"tokamak-settlement/log"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deleteme []string

func init() {
	log.Init("debug", []string{"stdout"})
}

func TestMain(m *testing.M) {
	exitVal := m.Run()
	for _, dir := range deleteme {
		if err := os.RemoveAll(dir); err != nil {
			panic(err)
		}
	}
	os.Exit(exitVal)
}

func addTestKV(t *testing.T, k *KVDB, key, value []byte) {
	tx, err := k.db.NewTx()
	require.NoError(t, err)
	require.NoError(t, tx.Put(key, value))
	require.NoError(t, tx.Commit())
}

func printCheckpoints(t *testing.T, path string) {
	files, err := os.ReadDir(path)
	require.NoError(t, err)
	for _, file := range files {
		fmt.Println(file.Name())
	}
}

func newTestKVDB(t *testing.T, cfg Config) *KVDB {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	cfg.Path = dir
	k, err := NewKVDB(cfg)
	require.NoError(t, err)
	return k
}

func TestCheckpoints(t *testing.T) {
	k := newTestKVDB(t, Config{Keep: 128})
	defer k.Close()

	for i := 0; i < 10; i++ {
		addTestKV(t, k, []byte{byte(i)}, []byte{byte(i)})
		require.NoError(t, k.MakeCheckpoint())
	}
	assert.Equal(t, common.BlockNum(10), k.CurrentBlock)

	cb, err := k.loadCurrentBlock()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(10), cb)

	// reset to block 4: keys 4..9 are gone
	require.NoError(t, k.Reset(4))
	assert.Equal(t, common.BlockNum(4), k.CurrentBlock)
	_, err = k.db.Get([]byte{3})
	require.NoError(t, err)
	_, err = k.db.Get([]byte{4})
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))

	list, err := k.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, list)

	// the last view follows the reset
	require.NoError(t, k.LastRead(func(sto *pebble.Storage) error {
		_, err := sto.Get([]byte{3})
		return err
	}))

	exists, err := k.CheckpointExists(4)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = k.CheckpointExists(5)
	require.NoError(t, err)
	assert.False(t, exists)
	printCheckpoints(t, k.cfg.Path)
}

func TestResetFromSynchronizer(t *testing.T) {
	sync := newTestKVDB(t, Config{})
	defer sync.Close()
	local := newTestKVDB(t, Config{NoGapsCheck: true})
	defer local.Close()

	for i := 0; i < 3; i++ {
		addTestKV(t, sync, []byte{byte(i)}, []byte{byte(i)})
		require.NoError(t, sync.MakeCheckpoint())
	}
	require.NoError(t, local.ResetFromSynchronizer(2, sync))
	assert.Equal(t, common.BlockNum(2), local.CurrentBlock)
	_, err := local.db.Get([]byte{1})
	require.NoError(t, err)
	_, err = local.db.Get([]byte{2})
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))

	require.NoError(t, local.ResetFromSynchronizer(0, sync))
	assert.Equal(t, common.BlockNum(0), local.CurrentBlock)
	_, err = local.db.Get([]byte{0})
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
}

func TestDeleteOldCheckpoints(t *testing.T) {
	keep := 16
	k := newTestKVDB(t, Config{Keep: keep})
	defer k.Close()

	for i := 0; i < 32; i++ {
		require.NoError(t, k.MakeCheckpoint())
		require.NoError(t, k.DeleteOldCheckpoints())
		checkpoints, err := k.ListCheckpoints()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(checkpoints), keep)
	}
}

func TestNoLast(t *testing.T) {
	k := newTestKVDB(t, Config{NoLast: true})
	defer k.Close()
	err := k.LastRead(func(*pebble.Storage) error { return nil })
	assert.Equal(t, ErrNoLast, common.Unwrap(err))
}

func TestResetToMissingCheckpoint(t *testing.T) {
	k := newTestKVDB(t, Config{Keep: 2})
	defer k.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, k.MakeCheckpoint())
	}
	require.NoError(t, k.DeleteOldCheckpoints())
	list, err := k.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, list)

	assert.Error(t, k.deleteCheckpoint(1))
	// a failed reset leaves the store untouched
	assert.Error(t, k.Reset(1))
	assert.Equal(t, common.BlockNum(4), k.CurrentBlock)
	list, err = k.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, list)
	require.NoError(t, k.MakeCheckpoint())
}
