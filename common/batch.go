package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"
)

const batchNumBytesLen = 4

// BatchNum identifies a batch of deposit or exit requests.  Batch numbers
// start at 1 and are gapless per queue.
type BatchNum uint32

// Bytes returns a byte array of length 4 representing the BatchNum
func (bn BatchNum) Bytes() []byte {
	var batchNumBytes [batchNumBytesLen]byte
	binary.BigEndian.PutUint32(batchNumBytes[:], uint32(bn))
	return batchNumBytes[:]
}

// BatchNumFromBytes returns BatchNum from a []byte
func BatchNumFromBytes(b []byte) (BatchNum, error) {
	if len(b) != batchNumBytesLen {
		return 0,
			Wrap(fmt.Errorf("can not parse BatchNumFromBytes, bytes len %d, expected %d",
				len(b), batchNumBytesLen))
	}
	batchNum := binary.BigEndian.Uint32(b[:batchNumBytesLen])
	return BatchNum(batchNum), nil
}

// BigInt returns a *big.Int representing the BatchNum
func (bn BatchNum) BigInt() *big.Int {
	return big.NewInt(int64(bn))
}

// BatchKind tells which queue a batch belongs to
type BatchKind string

const (
	// BatchKindDeposit is a batch of deposit requests
	BatchKindDeposit BatchKind = "deposit"
	// BatchKindExit is a batch of full exit requests
	BatchKindExit BatchKind = "exit"
)

// Circuit returns the circuit that proves blocks of this kind of batch
func (k BatchKind) Circuit() Circuit {
	if k == BatchKindExit {
		return CircuitExit
	}
	return CircuitDeposit
}

// BatchState is the lifecycle state of a batch
type BatchState string

const (
	// BatchStateCreated is a batch that still accepts requests or
	// cancellations
	BatchStateCreated BatchState = "Created"
	// BatchStateCommitted is a batch included in a committed block
	BatchStateCommitted BatchState = "Committed"
	// BatchStateVerified is a batch whose block was verified and whose fees
	// were collected
	BatchStateVerified BatchState = "Verified"
)

// Batch is a bounded group of requests that share a fee
type Batch struct {
	Num  BatchNum  `json:"num" meddler:"batch_num"`
	Kind BatchKind `json:"kind" meddler:"kind"`
	// State of the batch
	State BatchState `json:"state" meddler:"state"`
	// Fee every request of the batch pays, fixed when the batch opens
	Fee *big.Int `json:"fee" meddler:"fee,bigint"`
	// BlockNum is the block that committed the batch, 0 before commit
	BlockNum BlockNum `json:"blockNum" meddler:"block_num"`
	// Timestamp of the last state change
	Timestamp time.Time `json:"timestamp" meddler:"timestamp,utctime"`
	// Closed is true once the batch no longer accepts requests
	Closed bool `json:"closed" meddler:"closed"`
	// Size is the number of slots of the batch, padding included.  It is
	// only meaningful once the batch is closed.
	Size int `json:"size" meddler:"size"`
	// OpenedAt is when the first request entered the batch
	OpenedAt time.Time `json:"openedAt" meddler:"-"`
}
