/*
Package kvdb is a pebble key-value store with one checkpoint per block.

The working copy lives in the "current" subdirectory and every MakeCheckpoint
copies it to "BlockNum<n>".  Unless disabled, a read-only copy of the newest
checkpoint is kept open in "last" so that it can be queried while the working
copy is being modified.
*/
package kvdb

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"tokamak-settlement/common"
	"tokamak-settlement/log"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// PathBlockNum prefixes the directory of each block checkpoint
	PathBlockNum = "BlockNum"
	// PathCurrent is the directory of the working copy
	PathCurrent = "current"
	// PathLast is the directory of the copy of the newest checkpoint
	PathLast = "last"
	// DefaultKeep is the default value for the Keep parameter
	DefaultKeep = 128
)

var (
	// KeyCurrentBlock stores the number of the last checkpoint in the
	// working copy
	KeyCurrentBlock = []byte("k:currentblock")
	// ErrNoLast is returned by LastRead when the KVDB was opened with
	// NoLast
	ErrNoLast = fmt.Errorf("no last checkpoint")
)

// Config of the KVDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoGapsCheck accepts non consecutive checkpoints
	NoGapsCheck bool
	// NoLast disables the read-only copy of the newest checkpoint
	NoLast bool
}

// KVDB is a checkpointed key-value store
type KVDB struct {
	cfg Config
	db  *pebble.Storage
	// CurrentBlock is the number of the last checkpoint taken
	CurrentBlock common.BlockNum

	// copyMu serializes copies out of the checkpoints, which may come
	// from another KVDB resetting from this one
	copyMu  sync.Mutex
	pruneMu sync.Mutex
	pruning sync.WaitGroup
	last    *lastView
}

// lastView holds the read-only copy of the newest checkpoint
type lastView struct {
	rw  sync.RWMutex
	dir string
	db  *pebble.Storage
}

// reopen replaces the view by a copy of checkpoint blockNum of k, or by an
// empty store when blockNum is 0
func (v *lastView) reopen(k *KVDB, blockNum common.BlockNum) error {
	v.rw.Lock()
	defer v.rw.Unlock()
	v.closeDB()
	if blockNum == 0 {
		if err := os.RemoveAll(v.dir); err != nil {
			return common.Wrap(err)
		}
	} else if err := k.copyCheckpoint(blockNum, v.dir); err != nil {
		return common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(v.dir, false)
	if err != nil {
		return common.Wrap(err)
	}
	v.db = sto
	return nil
}

func (v *lastView) closeDB() {
	if v.db != nil {
		v.db.Close()
		v.db = nil
	}
}

// NewKVDB opens the KVDB stored at cfg.Path, rolled back to its last
// checkpoint
func NewKVDB(cfg Config) (*KVDB, error) {
	sto, err := pebble.NewPebbleStorage(path.Join(cfg.Path, PathCurrent), false)
	if err != nil {
		return nil, common.Wrap(err)
	}
	k := &KVDB{cfg: cfg, db: sto}
	if !cfg.NoLast {
		k.last = &lastView{dir: path.Join(cfg.Path, PathLast)}
	}
	if k.CurrentBlock, err = k.loadCurrentBlock(); err != nil {
		return nil, common.Wrap(err)
	}
	if err := k.Reset(k.CurrentBlock); err != nil {
		return nil, common.Wrap(err)
	}
	return k, nil
}

// LastRead runs fn on the copy of the newest checkpoint.  It is safe to call
// concurrently with any other method.
func (k *KVDB) LastRead(fn func(db *pebble.Storage) error) error {
	if k.last == nil {
		return common.Wrap(ErrNoLast)
	}
	k.last.rw.RLock()
	defer k.last.rw.RUnlock()
	return fn(k.last.db)
}

// DB returns the working copy
func (k *KVDB) DB() *pebble.Storage {
	return k.db
}

// StorageWithPrefix returns the working copy restricted to prefix
func (k *KVDB) StorageWithPrefix(prefix []byte) db.Storage {
	return k.db.WithPrefix(prefix)
}

func (k *KVDB) checkpointPath(blockNum common.BlockNum) string {
	return path.Join(k.cfg.Path, fmt.Sprintf("%s%d", PathBlockNum, blockNum))
}

// Reset rolls the working copy back to checkpoint blockNum and drops the
// newer checkpoints
func (k *KVDB) Reset(blockNum common.BlockNum) error {
	list, err := k.ListCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	var newer []int
	for i, bn := range list {
		if common.BlockNum(bn) > blockNum {
			newer = list[i:]
			break
		}
	}
	return common.Wrap(k.restore(blockNum, newer, nil))
}

// ResetFromSynchronizer replaces every checkpoint by checkpoint blockNum of
// synchronizerKVDB and rolls the working copy to it
func (k *KVDB) ResetFromSynchronizer(blockNum common.BlockNum, synchronizerKVDB *KVDB) error {
	if synchronizerKVDB == nil {
		return common.Wrap(fmt.Errorf("synchronizerKVDB can not be nil"))
	}
	list, err := k.ListCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(k.restore(blockNum, list, synchronizerKVDB))
}

// restore drops the checkpoints in drop, imports checkpoint blockNum from
// source when not nil, and reopens the working copy and the last view at
// blockNum.  Block 0 is the empty store.
func (k *KVDB) restore(blockNum common.BlockNum, drop []int, source *KVDB) error {
	if blockNum > 0 {
		from := k
		if source != nil {
			from = source
		}
		if ok, err := from.CheckpointExists(blockNum); err != nil {
			return common.Wrap(err)
		} else if !ok {
			return common.Wrap(fmt.Errorf("no checkpoint for block %d", blockNum))
		}
	}
	k.closeDB()
	currentPath := path.Join(k.cfg.Path, PathCurrent)
	if err := os.RemoveAll(currentPath); err != nil {
		return common.Wrap(err)
	}
	for _, bn := range drop {
		if err := k.deleteCheckpoint(common.BlockNum(bn)); err != nil {
			return common.Wrap(err)
		}
	}
	if blockNum > 0 {
		if source != nil {
			if err := source.copyCheckpoint(blockNum, k.checkpointPath(blockNum)); err != nil {
				return common.Wrap(err)
			}
		}
		if err := k.copyCheckpoint(blockNum, currentPath); err != nil {
			return common.Wrap(err)
		}
	}
	if k.last != nil {
		if err := k.last.reopen(k, blockNum); err != nil {
			return common.Wrap(err)
		}
	}
	sto, err := pebble.NewPebbleStorage(currentPath, false)
	if err != nil {
		return common.Wrap(err)
	}
	k.db = sto
	if blockNum == 0 {
		k.CurrentBlock = 0
		return nil
	}
	k.CurrentBlock, err = k.loadCurrentBlock()
	return common.Wrap(err)
}

func (k *KVDB) loadCurrentBlock() (common.BlockNum, error) {
	b, err := k.db.Get(KeyCurrentBlock)
	if common.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	} else if err != nil {
		return 0, common.Wrap(err)
	}
	return common.BlockNumFromBytes(b)
}

func (k *KVDB) storeCurrentBlock() error {
	tx, err := k.db.NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(KeyCurrentBlock, k.CurrentBlock.Bytes()); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(tx.Commit())
}

// ListCheckpoints returns the block numbers of the checkpoints, ascending.
// Unless NoGapsCheck is set, non consecutive checkpoints are an error.
func (k *KVDB) ListCheckpoints() ([]int, error) {
	entries, err := os.ReadDir(k.cfg.Path)
	if err != nil {
		return nil, common.Wrap(err)
	}
	checkpoints := []int{}
	pattern := PathBlockNum + "%d"
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), PathBlockNum) {
			continue
		}
		var bn int
		if _, err := fmt.Sscanf(entry.Name(), pattern, &bn); err != nil {
			return nil, common.Wrap(err)
		}
		checkpoints = append(checkpoints, bn)
	}
	sort.Ints(checkpoints)
	if k.cfg.NoGapsCheck {
		return checkpoints, nil
	}
	for i := 1; i < len(checkpoints); i++ {
		if checkpoints[i] != checkpoints[i-1]+1 {
			log.Errorw("gap between checkpoints", "checkpoints", checkpoints)
			return nil, common.Wrap(fmt.Errorf("checkpoint gap at %v", checkpoints[i]))
		}
	}
	return checkpoints, nil
}

func (k *KVDB) deleteCheckpoint(blockNum common.BlockNum) error {
	p := k.checkpointPath(blockNum)
	if _, err := os.Stat(p); err != nil {
		return common.Wrap(fmt.Errorf("checkpoint of block %d: %w", blockNum, err))
	}
	return common.Wrap(os.RemoveAll(p))
}

// copyCheckpoint writes a pebble checkpoint of checkpoint blockNum into dest,
// replacing whatever dest held
func (k *KVDB) copyCheckpoint(blockNum common.BlockNum, dest string) error {
	source := k.checkpointPath(blockNum)
	if _, err := os.Stat(source); err != nil {
		return common.Wrap(fmt.Errorf("checkpoint %q: %w", source, err))
	}
	k.copyMu.Lock()
	defer k.copyMu.Unlock()
	if err := os.RemoveAll(dest); err != nil {
		return common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(source, false)
	if err != nil {
		return common.Wrap(err)
	}
	defer sto.Close()
	return common.Wrap(sto.Pebble().Checkpoint(dest))
}

// MakeCheckpoint advances CurrentBlock and checkpoints the working copy under
// it.  Old checkpoints beyond Keep are pruned in the background.
func (k *KVDB) MakeCheckpoint() error {
	k.CurrentBlock++
	if err := k.storeCurrentBlock(); err != nil {
		return common.Wrap(err)
	}
	checkpointPath := k.checkpointPath(k.CurrentBlock)
	// a checkpoint left by an earlier Reset is overwritten
	if err := os.RemoveAll(checkpointPath); err != nil {
		return common.Wrap(err)
	}
	if err := k.db.Pebble().Checkpoint(checkpointPath); err != nil {
		return common.Wrap(err)
	}
	if k.last != nil {
		if err := k.last.reopen(k, k.CurrentBlock); err != nil {
			return common.Wrap(err)
		}
	}

	k.pruning.Add(1)
	go func() {
		defer k.pruning.Done()
		if err := k.DeleteOldCheckpoints(); err != nil {
			log.Errorw("delete old checkpoints failed", "err", err)
		}
	}()
	return nil
}

// DeleteOldCheckpoints deletes the oldest checkpoints beyond Keep
func (k *KVDB) DeleteOldCheckpoints() error {
	k.pruneMu.Lock()
	defer k.pruneMu.Unlock()
	list, err := k.ListCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	if k.cfg.Keep <= 0 || len(list) <= k.cfg.Keep {
		return nil
	}
	for _, bn := range list[:len(list)-k.cfg.Keep] {
		if err := k.deleteCheckpoint(common.BlockNum(bn)); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// CheckpointExists returns true if the checkpoint of blockNum exists
func (k *KVDB) CheckpointExists(blockNum common.BlockNum) (bool, error) {
	_, err := os.Stat(k.checkpointPath(blockNum))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, common.Wrap(err)
	}
	return true, nil
}

func (k *KVDB) closeDB() {
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
}

// Close closes the working copy and the last view, waiting for a pending
// prune
func (k *KVDB) Close() {
	k.closeDB()
	if k.last != nil {
		k.last.rw.Lock()
		k.last.closeDB()
		k.last.rw.Unlock()
	}
	k.pruning.Wait()
}
