package statedb

import (
	"errors"

	"tokamak-settlement/common"
	"tokamak-settlement/database/kvdb"
	"tokamak-settlement/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// TypeSynchronizer defines a StateDB used by the Synchronizer, that
	// replays verified blocks
	TypeSynchronizer = "synchronizer"
	// TypeBatchBuilder defines a StateDB used by the BatchBuilder, that
	// holds the committed state the operator builds blocks on
	TypeBatchBuilder = "batchbuilder"
	// MaxNLevels is the maximum value of NLevels for the merkle tree,
	// which comes from the fact that AccountIdx has 24 bits.
	MaxNLevels = 24
)

// Config of the StateDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoLast skips having an opened DB with a checkpoint to the last
	// blockNum for thread-safe reads.
	NoLast bool
	// Type of StateDB
	Type TypeStateDB
	// NLevels is the number of merkle tree levels.  0 means MaxNLevels.
	NLevels int
	// At every checkpoint, check that there are no gaps between the
	// checkpoints
	noGapsCheck bool
}

var (
	// ErrAccountAlreadyExists is used when CreateAccount is called and the
	// Account already exists
	ErrAccountAlreadyExists = errors.New("cannot CreateAccount because Account already exists")
	// ErrIdxNotFound is used when trying to get the Idx from EthAddr
	ErrIdxNotFound = errors.New("idx can not be found")

	// PrefixKeyMTAcc is the key prefix for account merkle tree in the db
	PrefixKeyMTAcc = []byte("ma:")
	// PrefixKeyIdx is the key prefix for idx in the db
	PrefixKeyIdx = []byte("i:")
	// PrefixKeyAccHash is the key prefix for account hash in the db
	PrefixKeyAccHash = []byte("h:")
	// PrefixKeyAddr is the key prefix for address in the db
	PrefixKeyAddr = []byte("a:")
)

// TypeStateDB determines the type of StateDB
type TypeStateDB string

// StateDB represents the state database with an integrated Merkle tree of
// accounts.  It is not safe for concurrent use; concurrent readers go through
// LastRead.
type StateDB struct {
	cfg         Config
	db          *kvdb.KVDB
	AccountTree *merkletree.MerkleTree
}

// Last is a consistent view to the last checkpoint of a StateDB
type Last struct {
	db      db.Storage
	nLevels int
}

// GetAccount returns the account for the given Idx
func (s *Last) GetAccount(idx common.AccountIdx) (*common.Account, error) {
	return GetAccountInTreeDB(s.db, idx)
}

// GetIdxByEthAddr returns the account index of owner
func (s *Last) GetIdxByEthAddr(owner ethCommon.Address) (common.AccountIdx, error) {
	return getIdxByEthAddr(s.db, owner)
}

// Root returns the account tree root of the checkpoint
func (s *Last) Root() (ethCommon.Hash, error) {
	mt, err := merkletree.NewMerkleTree(s.db.WithPrefix(PrefixKeyMTAcc), s.nLevels)
	if err != nil {
		return ethCommon.Hash{}, common.Wrap(err)
	}
	return rootHash(mt), nil
}

// DB returns the underlying storage of Last
func (s *Last) DB() db.Storage {
	return s.db
}

// LocalStateDB represents the local StateDB which allows to make copies from
// the synchronizer StateDB, and is used by the batch-builder.
type LocalStateDB struct {
	*StateDB
	synchronizerStateDB *StateDB
}

func rootHash(mt *merkletree.MerkleTree) ethCommon.Hash {
	return ethCommon.BigToHash(mt.Root().BigInt())
}

// NewStateDB initializes a new StateDB.
func NewStateDB(cfg Config) (*StateDB, error) {
	if cfg.NLevels == 0 {
		cfg.NLevels = MaxNLevels
	}
	kv, err := kvdb.NewKVDB(kvdb.Config{Path: cfg.Path, Keep: cfg.Keep,
		NoGapsCheck: cfg.noGapsCheck, NoLast: cfg.NoLast})
	if err != nil {
		return nil, common.Wrap(err)
	}
	mt, err := merkletree.NewMerkleTree(kv.StorageWithPrefix(PrefixKeyMTAcc), cfg.NLevels)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &StateDB{
		cfg:         cfg,
		db:          kv,
		AccountTree: mt,
	}, nil
}

// Type returns the StateDB configured Type
func (s *StateDB) Type() TypeStateDB {
	return s.cfg.Type
}

// Root returns the current account tree root
func (s *StateDB) Root() ethCommon.Hash {
	return rootHash(s.AccountTree)
}

// LastRead is a thread-safe method to query the last checkpoint of the StateDB
// via the Last type methods
func (s *StateDB) LastRead(fn func(sdbLast *Last) error) error {
	return s.db.LastRead(
		func(db *pebble.Storage) error {
			return fn(&Last{
				db:      db,
				nLevels: s.cfg.NLevels,
			})
		},
	)
}

// LastGetAccount is a thread-safe method to query an account in the last
// checkpoint of the StateDB.
func (s *StateDB) LastGetAccount(idx common.AccountIdx) (*common.Account, error) {
	var account *common.Account
	if err := s.LastRead(func(sdb *Last) error {
		var err error
		account, err = sdb.GetAccount(idx)
		return err
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return account, nil
}

// LastGetAccountByEthAddr is a thread-safe method to query the account of
// owner in the last checkpoint of the StateDB.
func (s *StateDB) LastGetAccountByEthAddr(owner ethCommon.Address) (*common.Account, error) {
	var account *common.Account
	if err := s.LastRead(func(sdb *Last) error {
		idx, err := sdb.GetIdxByEthAddr(owner)
		if err != nil {
			return err
		}
		account, err = sdb.GetAccount(idx)
		return err
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return account, nil
}

// LastRoot is a thread-safe method to query the root of the last checkpoint
func (s *StateDB) LastRoot() (ethCommon.Hash, error) {
	var root ethCommon.Hash
	err := s.LastRead(func(sdb *Last) error {
		var err error
		root, err = sdb.Root()
		return err
	})
	return root, common.Wrap(err)
}

// Close closes the StateDB.
func (s *StateDB) Close() {
	s.db.Close()
}

// NewLocalStateDB returns a new LocalStateDB connected to the given
// synchronizerDB.  Checkpoints older than the value defined by `keep` will be
// deleted.
func NewLocalStateDB(cfg Config, synchronizerDB *StateDB) (*LocalStateDB, error) {
	cfg.noGapsCheck = true
	s, err := NewStateDB(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &LocalStateDB{
		s,
		synchronizerDB,
	}, nil
}

func (s *StateDB) reopenTree() error {
	mt, err := merkletree.NewMerkleTree(s.db.StorageWithPrefix(PrefixKeyMTAcc), s.cfg.NLevels)
	if err != nil {
		return common.Wrap(err)
	}
	s.AccountTree = mt
	return nil
}

// Reset resets the StateDB to the checkpoint at the given blockNum. Reset
// does not delete the checkpoints between old current and the new current,
// those checkpoints will remain in the storage, and eventually will be
// deleted when MakeCheckpoint overwrites them.
func (s *StateDB) Reset(blockNum common.BlockNum) error {
	log.Debugw("Making StateDB Reset", "block", blockNum, "type", s.cfg.Type)
	if err := s.db.Reset(blockNum); err != nil {
		return common.Wrap(err)
	}
	return s.reopenTree()
}

// MakeCheckpoint does a checkpoint at the next blockNum in the defined path.
func (s *StateDB) MakeCheckpoint() error {
	log.Debugw("Making StateDB checkpoint", "block", s.CurrentBlock()+1, "type", s.cfg.Type)
	return s.db.MakeCheckpoint()
}

// CurrentBlock returns the block number of the last checkpoint
func (s *StateDB) CurrentBlock() common.BlockNum {
	return s.db.CurrentBlock
}

// DeleteOldCheckpoints deletes old checkpoints when there are more than
// `cfg.Keep` checkpoints
func (s *StateDB) DeleteOldCheckpoints() error {
	return s.db.DeleteOldCheckpoints()
}

// CheckpointExists returns true if the checkpoint exists
func (l *LocalStateDB) CheckpointExists(blockNum common.BlockNum) (bool, error) {
	return l.db.CheckpointExists(blockNum)
}

// Reset performs a reset in the LocalStateDB. If fromSynchronizer is true, it
// gets the state from LocalStateDB.synchronizerStateDB for the given blockNum.
// If fromSynchronizer is false, get the state from LocalStateDB checkpoints.
func (l *LocalStateDB) Reset(blockNum common.BlockNum, fromSynchronizer bool) error {
	if fromSynchronizer {
		log.Debugw("Making StateDB ResetFromSynchronizer", "block", blockNum, "type", l.cfg.Type)
		if err := l.db.ResetFromSynchronizer(blockNum, l.synchronizerStateDB.db); err != nil {
			return common.Wrap(err)
		}
		return l.reopenTree()
	}
	// use checkpoint from LocalStateDB
	return l.StateDB.Reset(blockNum)
}
