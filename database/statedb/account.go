package statedb

import (
	"fmt"

	"tokamak-settlement/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db"
)

// CreateAccount creates a new Account in the StateDB for its Idx, updating
// the MerkleTree and the owner index.
func (s *StateDB) CreateAccount(account *common.Account) (*merkletree.CircomProcessorProof, error) {
	cpp, err := CreateAccountInTreeDB(s.db.DB(), s.AccountTree, account.Idx, account)
	if err != nil {
		return cpp, common.Wrap(err)
	}
	return cpp, common.Wrap(setIdxByEthAddr(s.db.DB(), account.Owner, account.Idx))
}

// CreateAccountInTreeDB creates a new Account in the storage for the given
// Idx.  If mt==nil, MerkleTree is not affected, otherwise updates the
// MerkleTree, returning a CircomProcessorProof.
func CreateAccountInTreeDB(sto db.Storage, mt *merkletree.MerkleTree, idx common.AccountIdx,
	account *common.Account) (*merkletree.CircomProcessorProof, error) {
	// store at the DB the key: v, and value: leaf.Bytes()
	v, err := account.HashValue()
	if err != nil {
		return nil, common.Wrap(err)
	}
	accountBytes, err := account.Bytes()
	if err != nil {
		return nil, common.Wrap(err)
	}

	// store the Leaf value
	tx, err := sto.NewTx()
	if err != nil {
		return nil, common.Wrap(err)
	}

	idxBytes, err := idx.Bytes()
	if err != nil {
		return nil, common.Wrap(err)
	}
	_, err = tx.Get(append(PrefixKeyIdx, idxBytes[:]...))
	if common.Unwrap(err) != db.ErrNotFound {
		return nil, common.Wrap(ErrAccountAlreadyExists)
	}

	err = tx.Put(append(PrefixKeyAccHash, v.Bytes()...), accountBytes)
	if err != nil {
		return nil, common.Wrap(err)
	}
	err = tx.Put(append(PrefixKeyIdx, idxBytes[:]...), v.Bytes())
	if err != nil {
		return nil, common.Wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, common.Wrap(err)
	}

	if mt != nil {
		return mt.AddAndGetCircomProof(idx.BigInt(), v)
	}

	return nil, nil
}

// GetAccount returns the account for the given Idx
func (s *StateDB) GetAccount(idx common.AccountIdx) (*common.Account, error) {
	return GetAccountInTreeDB(s.db.DB(), idx)
}

// GetAccountInTreeDB returns the account for the given Idx.  Unknown accounts
// fail with common.ErrUnknownAccount.
func GetAccountInTreeDB(sto db.Storage, idx common.AccountIdx) (*common.Account, error) {
	idxBytes, err := idx.Bytes()
	if err != nil {
		return nil, common.Wrap(err)
	}
	vBytes, err := sto.Get(append(PrefixKeyIdx, idxBytes[:]...))
	if common.Unwrap(err) == db.ErrNotFound {
		return nil, common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownAccount, idx))
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	accBytes, err := sto.Get(append(PrefixKeyAccHash, vBytes...))
	if err != nil {
		return nil, common.Wrap(err)
	}
	account, err := common.AccountFromBytes(accBytes)
	if err != nil {
		return nil, common.Wrap(err)
	}
	account.Idx = idx
	return account, nil
}

// UpdateAccount updates the Account in the StateDB for its Idx
func (s *StateDB) UpdateAccount(account *common.Account) (*merkletree.CircomProcessorProof, error) {
	return UpdateAccountInTreeDB(s.db.DB(), s.AccountTree, account.Idx, account)
}

// UpdateAccountInTreeDB updates the Account in the storage for the given
// Idx.  If mt==nil, MerkleTree is not affected, otherwise updates the
// MerkleTree, returning a CircomProcessorProof.
func UpdateAccountInTreeDB(sto db.Storage, mt *merkletree.MerkleTree, idx common.AccountIdx,
	account *common.Account) (*merkletree.CircomProcessorProof, error) {
	// store at the DB the key: v, and value: account.Bytes()
	v, err := account.HashValue()
	if err != nil {
		return nil, common.Wrap(err)
	}
	accountBytes, err := account.Bytes()
	if err != nil {
		return nil, common.Wrap(err)
	}

	tx, err := sto.NewTx()
	if err != nil {
		return nil, common.Wrap(err)
	}
	err = tx.Put(append(PrefixKeyAccHash, v.Bytes()...), accountBytes)
	if err != nil {
		return nil, common.Wrap(err)
	}
	idxBytes, err := idx.Bytes()
	if err != nil {
		return nil, common.Wrap(err)
	}
	err = tx.Put(append(PrefixKeyIdx, idxBytes[:]...), v.Bytes())
	if err != nil {
		return nil, common.Wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, common.Wrap(err)
	}

	if mt != nil {
		proof, err := mt.Update(idx.BigInt(), v)
		return proof, common.Wrap(err)
	}
	return nil, nil
}

// ClearAccount empties the leaf of idx: owner, key and balances are zeroed
// and the owner index no longer resolves to it.  The nonce is kept, so txs
// signed for the account before it was cleared stay spent if it is restored.
func (s *StateDB) ClearAccount(idx common.AccountIdx) error {
	account, err := s.GetAccount(idx)
	if err != nil {
		return common.Wrap(err)
	}
	owner := account.Owner
	cleared := common.NewAccount(idx, ethCommon.Address{}, common.EmptyPubKey)
	cleared.Nonce = account.Nonce
	if _, err := s.UpdateAccount(cleared); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(setIdxByEthAddr(s.db.DB(), owner, common.EmptyAccountIdx))
}

// RestoreAccount writes account over a cleared leaf and points the owner
// index back to it
func (s *StateDB) RestoreAccount(account *common.Account) error {
	if _, err := s.UpdateAccount(account); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(setIdxByEthAddr(s.db.DB(), account.Owner, account.Idx))
}

// GetIdxByEthAddr returns the account index of owner
func (s *StateDB) GetIdxByEthAddr(owner ethCommon.Address) (common.AccountIdx, error) {
	return getIdxByEthAddr(s.db.DB(), owner)
}

// GetAccountByEthAddr returns the account of owner
func (s *StateDB) GetAccountByEthAddr(owner ethCommon.Address) (*common.Account, error) {
	idx, err := s.GetIdxByEthAddr(owner)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return s.GetAccount(idx)
}

func getIdxByEthAddr(sto db.Storage, owner ethCommon.Address) (common.AccountIdx, error) {
	b, err := sto.Get(append(PrefixKeyAddr, owner.Bytes()...))
	if common.Unwrap(err) == db.ErrNotFound {
		return common.EmptyAccountIdx, common.Wrap(fmt.Errorf("%w: %w: %s",
			common.ErrUnknownAccount, ErrIdxNotFound, owner.Hex()))
	} else if err != nil {
		return common.EmptyAccountIdx, common.Wrap(err)
	}
	idx, err := common.AccountIdxFromBytes(b)
	if err != nil {
		return common.EmptyAccountIdx, common.Wrap(err)
	}
	if idx == common.EmptyAccountIdx {
		return common.EmptyAccountIdx, common.Wrap(fmt.Errorf("%w: %w: %s",
			common.ErrUnknownAccount, ErrIdxNotFound, owner.Hex()))
	}
	return idx, nil
}

// setIdxByEthAddr stores key: owner, value: idx
func setIdxByEthAddr(sto db.Storage, owner ethCommon.Address, idx common.AccountIdx) error {
	tx, err := sto.NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	idxBytes, err := idx.Bytes()
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(append(PrefixKeyAddr, owner.Bytes()...), idxBytes[:]); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(tx.Commit())
}

// MTGetProof returns the CircomVerifierProof for a given Idx
func (s *StateDB) MTGetProof(idx common.AccountIdx) (*merkletree.CircomVerifierProof, error) {
	p, err := s.AccountTree.GenerateSCVerifierProof(idx.BigInt(), s.AccountTree.Root())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return p, nil
}
