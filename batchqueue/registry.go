package batchqueue

import (
	"fmt"
	"sync"

	"tokamak-settlement/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// RegisteredAccount is an entry of the Registry
type RegisteredAccount struct {
	Idx    common.AccountIdx
	Owner  ethCommon.Address
	PubKey common.PubKeyPacked
	State  common.AccountState
}

// Registry maps owners to dense account ids.  Ids start at 1, are assigned on
// the first deposit of an owner and are never reused.
type Registry struct {
	rw       sync.RWMutex
	byOwner  map[ethCommon.Address]common.AccountIdx
	accounts map[common.AccountIdx]*RegisteredAccount
	next     common.AccountIdx
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		byOwner:  make(map[ethCommon.Address]common.AccountIdx),
		accounts: make(map[common.AccountIdx]*RegisteredAccount),
		next:     1,
	}
}

// Lookup returns a copy of the account of owner
func (r *Registry) Lookup(owner ethCommon.Address) (*RegisteredAccount, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return r.lookup(owner)
}

func (r *Registry) lookup(owner ethCommon.Address) (*RegisteredAccount, error) {
	idx, ok := r.byOwner[owner]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("%w: %s", common.ErrUnknownAccount, owner.Hex()))
	}
	acc := *r.accounts[idx]
	return &acc, nil
}

// Get returns a copy of the account with the given id
func (r *Registry) Get(idx common.AccountIdx) (*RegisteredAccount, error) {
	r.rw.RLock()
	defer r.rw.RUnlock()
	acc, ok := r.accounts[idx]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownAccount, idx))
	}
	c := *acc
	return &c, nil
}

// State returns the registration state of owner
func (r *Registry) State(owner ethCommon.Address) common.AccountState {
	acc, err := r.Lookup(owner)
	if err != nil {
		return common.AccountStateNotRegistered
	}
	return acc.State
}

// register assigns the next id to owner.  Callers hold no Registry lock.
func (r *Registry) register(owner ethCommon.Address, pubKey common.PubKeyPacked) (*RegisteredAccount, error) {
	r.rw.Lock()
	defer r.rw.Unlock()
	if idx, ok := r.byOwner[owner]; ok {
		acc := *r.accounts[idx]
		return &acc, nil
	}
	if r.next > common.MaxAccountIdx {
		return nil, common.Wrap(fmt.Errorf("%w: account registry full", common.ErrFieldOverflow))
	}
	acc := &RegisteredAccount{
		Idx:    r.next,
		Owner:  owner,
		PubKey: pubKey,
		State:  common.AccountStateRegistered,
	}
	r.accounts[acc.Idx] = acc
	r.byOwner[owner] = acc.Idx
	r.next++
	c := *acc
	return &c, nil
}

func (r *Registry) setState(idx common.AccountIdx, state common.AccountState) {
	r.rw.Lock()
	defer r.rw.Unlock()
	if acc, ok := r.accounts[idx]; ok {
		acc.State = state
	}
}

// Clear unregisters the account with the given id.  The owner may register
// again later, under a new id.
func (r *Registry) Clear(idx common.AccountIdx) {
	r.rw.Lock()
	defer r.rw.Unlock()
	acc, ok := r.accounts[idx]
	if !ok {
		return
	}
	if r.byOwner[acc.Owner] == idx {
		delete(r.byOwner, acc.Owner)
	}
	acc.State = common.AccountStateNotRegistered
}

// Reactivate marks the account with the given id Registered again
func (r *Registry) Reactivate(idx common.AccountIdx) {
	r.setState(idx, common.AccountStateRegistered)
}

// Len returns the number of ids assigned so far
func (r *Registry) Len() int {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return int(r.next) - 1
}
