package test

import (
	"math/big"

	"tokamak-settlement/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

// User is a test account owner with a deterministic rollup key
type User struct {
	Name   string
	Owner  ethCommon.Address
	Key    *common.PrivateKey
	PubKey common.PubKeyPacked
}

// NewUser derives a User from its name.  The same name always yields the same
// owner address and key.
func NewUser(name string) *User {
	key, pk, err := common.DeriveKey([]byte("test-user-" + name))
	if err != nil {
		panic(err)
	}
	return &User{
		Name:   name,
		Owner:  ethCommon.BytesToAddress(ethCrypto.Keccak256([]byte(name))[12:]),
		Key:    key,
		PubKey: pk,
	}
}

// NewUsers returns one User per name
func NewUsers(names ...string) map[string]*User {
	users := make(map[string]*User, len(names))
	for _, name := range names {
		users[name] = NewUser(name)
	}
	return users
}

// Ether returns n * 10^18
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)) //nolint:gomnd
}
