package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/constants"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// maxSignAttempts bounds the number of fresh nonces drawn before signing
// fails closed.
const maxSignAttempts = 3

// PubKeyPacked is a compressed Baby Jubjub point: the little-endian Y
// coordinate with the parity of X folded into the top bit.  It is also the
// long term key commitment of an L2 account.
type PubKeyPacked [32]byte

// EmptyPubKey is the zero PubKeyPacked
var EmptyPubKey PubKeyPacked

// PackPoint compresses p
func PackPoint(p *babyjub.Point) PubKeyPacked {
	return PubKeyPacked(babyjub.PackSignY(p.X.Bit(0) == 1, p.Y))
}

// Point decompresses the public key, checking that the point belongs to the
// prime order subgroup.
func (pk PubKeyPacked) Point() (*babyjub.Point, error) {
	q := constants.Q
	odd, y := babyjub.UnpackSignY([32]byte(pk))
	if y.Cmp(q) >= 0 {
		return nil, Wrap(fmt.Errorf("%w: y not in field", ErrInvalidPublicKey))
	}
	// x^2 = (1 - y^2) / (a - d*y^2)
	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, q)
	num := new(big.Int).Sub(big.NewInt(1), y2)
	num.Mod(num, q)
	den := new(big.Int).Mul(babyjub.D, y2)
	den.Sub(babyjub.A, den)
	den.Mod(den, q)
	if den.Sign() == 0 {
		return nil, Wrap(fmt.Errorf("%w: no x for y", ErrInvalidPublicKey))
	}
	den.ModInverse(den, q)
	x2 := num.Mul(num, den)
	x2.Mod(x2, q)
	x := new(big.Int).ModSqrt(x2, q)
	if x == nil {
		return nil, Wrap(fmt.Errorf("%w: not on curve", ErrInvalidPublicKey))
	}
	if (x.Bit(0) == 1) != odd {
		if x.Sign() == 0 {
			return nil, Wrap(fmt.Errorf("%w: bad x parity", ErrInvalidPublicKey))
		}
		x.Sub(q, x)
	}
	p := &babyjub.Point{X: x, Y: y}
	if !p.InCurve() || !p.InSubGroup() {
		return nil, Wrap(fmt.Errorf("%w: not in subgroup", ErrInvalidPublicKey))
	}
	return p, nil
}

// String returns the hex representation of the packed key
func (pk PubKeyPacked) String() string {
	return hexutil.Encode(pk[:])
}

// MarshalText implements encoding.TextMarshaler
func (pk PubKeyPacked) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (pk *PubKeyPacked) UnmarshalText(text []byte) error {
	b, err := hexutil.Decode(string(text))
	if err != nil {
		return Wrap(fmt.Errorf("%w: %v", ErrInvalidPublicKey, err))
	}
	if len(b) != len(pk) {
		return Wrap(fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(b)))
	}
	copy(pk[:], b)
	return nil
}

// PrivateKey is a Baby Jubjub signing key.  The scalar is reduced modulo the
// subgroup order.
type PrivateKey struct {
	scalar *big.Int
	pub    *babyjub.Point
	packed PubKeyPacked
}

// NewPrivateKey builds a PrivateKey from a raw babyjub key
func NewPrivateKey(sk babyjub.PrivateKey) (*PrivateKey, error) {
	s := sk.Scalar().BigInt()
	s.Mod(s, babyjub.SubOrder)
	if s.Sign() == 0 {
		return nil, Wrap(fmt.Errorf("%w: zero scalar", ErrSigningDegenerate))
	}
	pub := babyjub.NewPoint().Mul(s, babyjub.B8)
	return &PrivateKey{
		scalar: s,
		pub:    pub,
		packed: PackPoint(pub),
	}, nil
}

// DeriveKey deterministically derives a key pair from seed
func DeriveKey(seed []byte) (*PrivateKey, PubKeyPacked, error) {
	var sk babyjub.PrivateKey
	copy(sk[:], ethCrypto.Keccak256(seed))
	k, err := NewPrivateKey(sk)
	if err != nil {
		return nil, EmptyPubKey, Wrap(err)
	}
	return k, k.packed, nil
}

// GenerateKey returns a random key pair together with its raw babyjub key
func GenerateKey() (*PrivateKey, babyjub.PrivateKey, error) {
	sk := babyjub.NewRandPrivKey()
	k, err := NewPrivateKey(sk)
	return k, sk, Wrap(err)
}

// Public returns the packed public key
func (k *PrivateKey) Public() PubKeyPacked {
	return k.packed
}

// Signature is a Schnorr style signature (R, S) over Baby Jubjub
type Signature struct {
	R *babyjub.Point
	S *big.Int
}

func isIdentity(p *babyjub.Point) bool {
	return p.X.Sign() == 0 && p.Y.Cmp(big.NewInt(1)) == 0
}

// challenge returns H(R, A, msg) reduced modulo the subgroup order
func challenge(r, a *babyjub.Point, msg []byte) (*big.Int, error) {
	m := new(big.Int).SetBytes(ethCrypto.Keccak256(msg))
	m.Mod(m, constants.Q)
	h, err := poseidon.Hash([]*big.Int{r.X, r.Y, a.X, a.Y, m})
	if err != nil {
		return nil, Wrap(err)
	}
	return h.Mod(h, babyjub.SubOrder), nil
}

// Sign signs msg with a nonce drawn from crypto/rand
func (k *PrivateKey) Sign(msg []byte) (*Signature, error) {
	return k.SignWithRand(rand.Reader, msg)
}

// SignWithRand signs msg drawing the nonce from rnd.  Nonces that map to the
// identity point are discarded; after maxSignAttempts such draws it fails
// with ErrSigningDegenerate.
func (k *PrivateKey) SignWithRand(rnd io.Reader, msg []byte) (*Signature, error) {
	for attempt := 0; attempt < maxSignAttempts; attempt++ {
		r, err := rand.Int(rnd, babyjub.SubOrder)
		if err != nil {
			return nil, Wrap(err)
		}
		rPoint := babyjub.NewPoint().Mul(r, babyjub.B8)
		if r.Sign() == 0 || isIdentity(rPoint) {
			continue
		}
		h, err := challenge(rPoint, k.pub, msg)
		if err != nil {
			return nil, Wrap(err)
		}
		s := h.Mul(h, k.scalar)
		s.Add(s, r)
		s.Mod(s, babyjub.SubOrder)
		return &Signature{R: rPoint, S: s}, nil
	}
	return nil, Wrap(ErrSigningDegenerate)
}

// Verify checks S·B8 == R + H(R, A, msg)·A
func Verify(msg []byte, sig *Signature, pub PubKeyPacked) bool {
	if sig == nil || sig.R == nil || sig.S == nil {
		return false
	}
	if sig.S.Sign() < 0 || sig.S.Cmp(babyjub.SubOrder) >= 0 ||
		!sig.R.InCurve() || !sig.R.InSubGroup() {
		return false
	}
	a, err := pub.Point()
	if err != nil {
		return false
	}
	h, err := challenge(sig.R, a, msg)
	if err != nil {
		return false
	}
	left := babyjub.NewPoint().Mul(sig.S, babyjub.B8)
	hA := babyjub.NewPoint().Mul(h, a)
	right := babyjub.NewPointProjective().Add(sig.R.Projective(), hA.Projective()).Affine()
	return left.X.Cmp(right.X) == 0 && left.Y.Cmp(right.Y) == 0
}

// WireSignature is the transport form of a Signature, every field a 32 byte
// hex string.
type WireSignature struct {
	Rx string `json:"R_x" validate:"required"`
	Ry string `json:"R_y" validate:"required"`
	S  string `json:"S" validate:"required"`
}

func word32(v *big.Int) string {
	return hexutil.Encode(v.FillBytes(make([]byte, 32))) //nolint:gomnd
}

func parseWord32(s string) (*big.Int, error) {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 { //nolint:gomnd
		return nil, Wrap(fmt.Errorf("%w: expected 32 byte hex word", ErrInvalidSignature))
	}
	return new(big.Int).SetBytes(b), nil
}

// Wire returns the transport form of the signature
func (sig *Signature) Wire() WireSignature {
	return WireSignature{
		Rx: word32(sig.R.X),
		Ry: word32(sig.R.Y),
		S:  word32(sig.S),
	}
}

// Signature parses the transport form
func (w WireSignature) Signature() (*Signature, error) {
	rx, err := parseWord32(w.Rx)
	if err != nil {
		return nil, Wrap(err)
	}
	ry, err := parseWord32(w.Ry)
	if err != nil {
		return nil, Wrap(err)
	}
	s, err := parseWord32(w.S)
	if err != nil {
		return nil, Wrap(err)
	}
	if rx.Cmp(constants.Q) >= 0 || ry.Cmp(constants.Q) >= 0 {
		return nil, Wrap(fmt.Errorf("%w: R not in field", ErrInvalidSignature))
	}
	return &Signature{R: &babyjub.Point{X: rx, Y: ry}, S: s}, nil
}
