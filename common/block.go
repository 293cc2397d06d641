package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mitchellh/copystructure"
)

func init() {
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

// DeepCopy returns a deep copy of v.  It panics if v can't be copied, which
// only happens for types holding channels or functions.
func DeepCopy(v interface{}) interface{} {
	c, err := copystructure.Copy(v)
	if err != nil {
		panic(err)
	}
	return c
}

// BlockNum identifies a rollup block.  Block numbers start at 1 and are
// strictly monotonic and gapless.
type BlockNum uint32

// Bytes returns a byte array of length 4 representing the BlockNum
func (bn BlockNum) Bytes() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(bn))
	return b[:]
}

// BlockNumFromBytes returns BlockNum from a []byte
func BlockNumFromBytes(b []byte) (BlockNum, error) {
	if len(b) != 4 { //nolint:gomnd
		return 0, Wrap(fmt.Errorf("can not parse BlockNumFromBytes, bytes len %d, expected 4", len(b)))
	}
	return BlockNum(binary.BigEndian.Uint32(b)), nil
}

// Word returns the BlockNum as a 32 byte big-endian word
func (bn BlockNum) Word() [32]byte {
	var w [32]byte
	binary.BigEndian.PutUint32(w[28:], uint32(bn))
	return w
}

// Circuit is the transaction-type circuit a block is proved against
type Circuit string

const (
	// CircuitTransfer proves blocks of L2 transactions (transfers,
	// withdrawals and closes)
	CircuitTransfer Circuit = "transfer"
	// CircuitDeposit proves blocks of batched deposits
	CircuitDeposit Circuit = "deposit"
	// CircuitExit proves blocks of batched full exits
	CircuitExit Circuit = "exit"
)

// Valid returns true for a known circuit
func (c Circuit) Valid() bool {
	return c == CircuitTransfer || c == CircuitDeposit || c == CircuitExit
}

// IncludesFees returns true when the block fees are part of the public data
// commitment.  Deposit and exit blocks are paid through their batch fee.
func (c Circuit) IncludesFees() bool {
	return c == CircuitTransfer
}

// BlockState is the lifecycle state of a block
type BlockState string

const (
	// BlockStateCommitted is a block whose root was committed
	BlockStateCommitted BlockState = "Committed"
	// BlockStateVerified is a block whose proof was accepted
	BlockStateVerified BlockState = "Verified"
)

// Block is a committed state transition
type Block struct {
	Num      BlockNum `json:"num" meddler:"block_num"`
	Circuit  Circuit  `json:"circuit" meddler:"circuit"`
	BatchNum BatchNum `json:"batchNum" meddler:"batch_num"` // 0 for transfer blocks
	// OldRoot is the verified root the block was built on
	OldRoot    ethCommon.Hash    `json:"oldRoot" meddler:"old_root"`
	NewRoot    ethCommon.Hash    `json:"newRoot" meddler:"new_root"`
	Commitment ethCommon.Hash    `json:"commitment" meddler:"commitment"`
	Fees       FeeTotals         `json:"fees" meddler:"fees,json"`
	Prover     ethCommon.Address `json:"prover" meddler:"prover"`
	Deadline   time.Time         `json:"deadline" meddler:"deadline,utctime"`
	State      BlockState        `json:"state" meddler:"state"`
	PackedTxs  []byte            `json:"-" meddler:"packed_txs"`
	// AccountIdxs are the batch slots of a deposit or exit block, padding
	// included as EmptyAccountIdx
	AccountIdxs []AccountIdx `json:"accountIdxs,omitempty" meddler:"account_idxs,json"`
	CommittedAt time.Time    `json:"committedAt" meddler:"committed_at,utctime"`
	VerifiedAt  time.Time    `json:"verifiedAt" meddler:"verified_at,utctimez"`
	// EthBlockNum is the base ledger block that committed the block
	EthBlockNum int64 `json:"ethBlockNum" meddler:"eth_block_num"`
}

// Copy returns a deep copy of the block
func (b *Block) Copy() *Block {
	return DeepCopy(b).(*Block)
}

// PublicDataCommitment returns H(H(num [‖ fees]) ‖ packedTxs).  Fees are
// only part of the commitment for circuits that charge them per block.
func PublicDataCommitment(num BlockNum, circuit Circuit, fees FeeTotals,
	packedTxs []byte) (ethCommon.Hash, error) {
	if !circuit.Valid() {
		return ethCommon.Hash{}, Wrap(fmt.Errorf("%w: %q", ErrInvalidCircuit, circuit))
	}
	word := num.Word()
	header := word[:]
	if circuit.IncludesFees() {
		feeBytes, err := fees.Bytes()
		if err != nil {
			return ethCommon.Hash{}, Wrap(err)
		}
		header = append(header, feeBytes...)
	}
	inner := ethCrypto.Keccak256(header)
	return ethCrypto.Keccak256Hash(inner, packedTxs), nil
}

// ProofVerdict is the outcome of checking a proof: a boolean together with
// the public inputs it was checked against.
type ProofVerdict struct {
	Valid      bool           `json:"valid"`
	OldRoot    ethCommon.Hash `json:"oldRoot"`
	NewRoot    ethCommon.Hash `json:"newRoot"`
	Commitment ethCommon.Hash `json:"commitment"`
}

// FeeTotals are fees summed per token
type FeeTotals map[TokenID]*big.Int

// Add adds amount to the total of token
func (f FeeTotals) Add(token TokenID, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	if cur, ok := f[token]; ok {
		cur.Add(cur, amount)
		return
	}
	f[token] = new(big.Int).Set(amount)
}

// Merge adds every total of o into f
func (f FeeTotals) Merge(o FeeTotals) {
	for token, amount := range o {
		f.Add(token, amount)
	}
}

// Get returns a copy of the total of token
func (f FeeTotals) Get(token TokenID) *big.Int {
	if v, ok := f[token]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// Tokens returns the tokens with a non zero total, ascending
func (f FeeTotals) Tokens() []TokenID {
	tokens := make([]TokenID, 0, len(f))
	for token, amount := range f {
		if amount != nil && amount.Sign() != 0 {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// Copy returns a deep copy
func (f FeeTotals) Copy() FeeTotals {
	c := make(FeeTotals, len(f))
	c.Merge(f)
	return c
}

// Bytes returns token(2) ‖ amount(16) for every non zero total, tokens
// ascending
func (f FeeTotals) Bytes() ([]byte, error) {
	tokens := f.Tokens()
	b := make([]byte, 0, len(tokens)*(TokenIDBytesLen+AmountBytesLen))
	for _, token := range tokens {
		tokenBytes, err := token.Bytes()
		if err != nil {
			return nil, Wrap(err)
		}
		amountBytes, err := AmountToBytes(f[token])
		if err != nil {
			return nil, Wrap(err)
		}
		b = append(b, tokenBytes[:]...)
		b = append(b, amountBytes[:]...)
	}
	return b, nil
}
