package wallet

import (
	"math/big"
	"sync"

	"tokamak-settlement/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// BalanceKey identifies the balances of a token of an owner
type BalanceKey struct {
	Owner ethCommon.Address
	Token common.TokenID
}

// OpID identifies a local operation whose outcome is not known yet
type OpID uint64

// delta is the change an operation predicts on a tier
type delta struct {
	key    BalanceKey
	tier   common.Tier
	amount *big.Int
}

// Reconciler keeps, per owner and token, the authoritative balances of every
// tier and the computed ones, which include the predicted effect of the local
// operations not confirmed yet.  The two are merged only by reconcile.
type Reconciler struct {
	mu        sync.Mutex
	tolerance *big.Int
	auth      map[BalanceKey]*common.Balances
	computed  map[BalanceKey]*common.Balances
	pending   map[OpID][]delta
	nextOp    OpID
}

// NewReconciler creates a Reconciler.  Computed balances within tolerance of
// the authoritative ones are snapped to them on refresh.
func NewReconciler(tolerance *big.Int) *Reconciler {
	return &Reconciler{
		tolerance: new(big.Int).Set(common.BigIntOrZero(tolerance)),
		auth:      make(map[BalanceKey]*common.Balances),
		computed:  make(map[BalanceKey]*common.Balances),
		pending:   make(map[OpID][]delta),
		nextOp:    1,
	}
}

func (r *Reconciler) computedOf(key BalanceKey) *common.Balances {
	b, ok := r.computed[key]
	if !ok {
		if auth, ok := r.auth[key]; ok {
			b = auth.Copy()
		} else {
			b = common.NewBalances()
		}
		r.computed[key] = b
	}
	return b
}

// apply records an operation and adds its deltas to the computed balances
func (r *Reconciler) apply(deltas ...delta) OpID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextOp
	r.nextOp++
	for _, d := range deltas {
		b := r.computedOf(d.key)
		b.Set(d.tier, new(big.Int).Add(b.Get(d.tier), d.amount))
	}
	r.pending[id] = deltas
	return id
}

func neg(v *big.Int) *big.Int {
	return new(big.Int).Neg(v)
}

// ApplyTransfer predicts an L2 transfer of owner: amount plus fee leave the
// committed tier
func (r *Reconciler) ApplyTransfer(owner ethCommon.Address, token common.TokenID,
	amount, fee *big.Int) OpID {
	key := BalanceKey{owner, token}
	return r.apply(delta{key, common.TierCommitted, neg(new(big.Int).Add(amount, fee))})
}

// ApplyWithdraw predicts an L2 withdraw of owner: amount plus fee leave the
// committed tier and amount becomes locked for the owner
func (r *Reconciler) ApplyWithdraw(owner ethCommon.Address, token common.TokenID,
	amount, fee *big.Int) OpID {
	key := BalanceKey{owner, token}
	return r.apply(
		delta{key, common.TierCommitted, neg(new(big.Int).Add(amount, fee))},
		delta{key, common.TierLocked, new(big.Int).Set(amount)},
	)
}

// ApplyDeposit predicts a deposit request of owner: amount moves from the
// wallet to the contract, and the batch fee leaves the native token wallet
func (r *Reconciler) ApplyDeposit(owner ethCommon.Address, token common.TokenID,
	amount, batchFee *big.Int) OpID {
	key := BalanceKey{owner, token}
	deltas := []delta{
		{key, common.TierWallet, neg(amount)},
		{key, common.TierLocked, new(big.Int).Set(amount)},
	}
	if batchFee != nil && batchFee.Sign() != 0 {
		deltas = append(deltas, delta{BalanceKey{owner, common.NativeTokenID},
			common.TierWallet, neg(batchFee)})
	}
	return r.apply(deltas...)
}

// ApplyExitRequest predicts a full exit request of owner, which only costs
// the batch fee
func (r *Reconciler) ApplyExitRequest(owner ethCommon.Address, batchFee *big.Int) OpID {
	return r.apply(delta{BalanceKey{owner, common.NativeTokenID}, common.TierWallet,
		neg(common.BigIntOrZero(batchFee))})
}

// ApplyWithdrawFunds predicts a pull of released funds into the wallet
func (r *Reconciler) ApplyWithdrawFunds(owner ethCommon.Address, token common.TokenID,
	amount *big.Int) OpID {
	key := BalanceKey{owner, token}
	return r.apply(
		delta{key, common.TierLocked, neg(amount)},
		delta{key, common.TierWallet, new(big.Int).Set(amount)},
	)
}

// Refresh overwrites the authoritative balances of an owner with view and
// reconciles the computed ones
func (r *Reconciler) Refresh(view *common.AccountView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, balances := range view.Balances {
		key := BalanceKey{view.Owner, token}
		r.auth[key] = balances.Copy()
	}
	// tokens missing from the view are zero
	for key := range r.computed {
		if key.Owner != view.Owner {
			continue
		}
		if _, ok := view.Balances[key.Token]; !ok {
			r.auth[key] = common.NewBalances()
		}
	}
	for key := range r.auth {
		if key.Owner == view.Owner {
			r.reconcile(key)
		}
	}
}

// Resolve forgets a pending operation once its outcome is known, either way.
// The balances it touched snap to the authoritative ones unless another
// pending operation touches them.
func (r *Reconciler) Resolve(id OpID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deltas, ok := r.pending[id]
	if !ok {
		return
	}
	delete(r.pending, id)
	for _, d := range deltas {
		r.reconcile(d.key)
	}
}

// touched returns the tiers of key changed by pending operations
func (r *Reconciler) touched(key BalanceKey) [common.NumTiers]bool {
	var tiers [common.NumTiers]bool
	for _, deltas := range r.pending {
		for _, d := range deltas {
			if d.key == key {
				tiers[d.tier] = true
			}
		}
	}
	return tiers
}

// reconcile snaps every computed tier of key to the authoritative one when
// they are within tolerance or no pending operation touches the tier.
// Callers hold the lock.
func (r *Reconciler) reconcile(key BalanceKey) {
	auth, ok := r.auth[key]
	if !ok {
		return
	}
	computed := r.computedOf(key)
	touched := r.touched(key)
	for t := common.TierWallet; t < common.NumTiers; t++ {
		a := common.BigIntOrZero(auth.Get(t))
		diff := new(big.Int).Sub(computed.Get(t), a)
		if !touched[t] || diff.CmpAbs(r.tolerance) <= 0 {
			computed.Set(t, new(big.Int).Set(a))
		}
	}
}

// Computed returns a copy of the computed balances of key
func (r *Reconciler) Computed(key BalanceKey) *common.Balances {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.computedOf(key).Copy()
}

// Authoritative returns a copy of the authoritative balances of key, zero
// before the first refresh
func (r *Reconciler) Authoritative(key BalanceKey) *common.Balances {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.auth[key]; ok {
		return b.Copy()
	}
	return common.NewBalances()
}

// Pending returns the number of operations not resolved
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Snapshot is a consistent copy of both sides of a Reconciler
type Snapshot struct {
	Authoritative map[BalanceKey]*common.Balances
	Computed      map[BalanceKey]*common.Balances
}

// Snapshot deep-copies the authoritative and computed balances
func (r *Reconciler) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Snapshot{
		Authoritative: common.DeepCopy(r.auth).(map[BalanceKey]*common.Balances),
		Computed:      common.DeepCopy(r.computed).(map[BalanceKey]*common.Balances),
	}
}
