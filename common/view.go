package common

import (
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Tier is one of the places the funds of an owner can be
type Tier int

const (
	// TierWallet is the base ledger wallet
	TierWallet Tier = iota
	// TierLocked is held by the base ledger contract: pending deposit
	// requests and released withdrawals not pulled yet
	TierLocked
	// TierCommitted is the L2 balance after the last committed block
	TierCommitted
	// TierVerified is the L2 balance after the last verified block
	TierVerified
	// NumTiers is the number of tiers
	NumTiers
)

var tierNames = [NumTiers]string{"wallet", "locked", "committed", "verified"}

func (t Tier) String() string {
	if t < 0 || t >= NumTiers {
		return "unknown"
	}
	return tierNames[t]
}

// Balances are the amounts of a token in every tier
type Balances struct {
	Wallet    *big.Int `json:"wallet"`
	Locked    *big.Int `json:"locked"`
	Committed *big.Int `json:"committed"`
	Verified  *big.Int `json:"verified"`
}

// NewBalances returns zero balances
func NewBalances() *Balances {
	return &Balances{
		Wallet:    big.NewInt(0),
		Locked:    big.NewInt(0),
		Committed: big.NewInt(0),
		Verified:  big.NewInt(0),
	}
}

// Get returns the amount of a tier
func (b *Balances) Get(t Tier) *big.Int {
	switch t {
	case TierWallet:
		return b.Wallet
	case TierLocked:
		return b.Locked
	case TierCommitted:
		return b.Committed
	case TierVerified:
		return b.Verified
	}
	return nil
}

// Set sets the amount of a tier
func (b *Balances) Set(t Tier, v *big.Int) {
	switch t {
	case TierWallet:
		b.Wallet = v
	case TierLocked:
		b.Locked = v
	case TierCommitted:
		b.Committed = v
	case TierVerified:
		b.Verified = v
	}
}

// Copy returns a deep copy of the balances
func (b *Balances) Copy() *Balances {
	c := NewBalances()
	for t := TierWallet; t < NumTiers; t++ {
		c.Get(t).Set(BigIntOrZero(b.Get(t)))
	}
	return c
}

// AccountView is the authoritative state of an owner across the base ledger
// and the rollup
type AccountView struct {
	Owner ethCommon.Address `json:"owner"`
	Idx   AccountIdx        `json:"idx"`
	State AccountState      `json:"state"`
	// Nonce is the nonce of the account after the last committed block
	Nonce    Nonce                 `json:"nonce"`
	Balances map[TokenID]*Balances `json:"balances"`
	// Withdrawals are the released funds with something left to pull
	Withdrawals []WithdrawInfo `json:"withdrawals"`
}

// Tokens returns the balances of token, zero when unknown
func (v *AccountView) Tokens(token TokenID) *Balances {
	if b, ok := v.Balances[token]; ok {
		return b
	}
	return NewBalances()
}
