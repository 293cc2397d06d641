package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"tokamak-settlement/common"
	"tokamak-settlement/coordinator/prover"
	"tokamak-settlement/rollup"
	"tokamak-settlement/txprocessor"
)

// Status is used to mark the status of the block
type Status string

const (
	// StatusForged marks the block as forged internally
	StatusForged Status = "forged"
	// StatusCommitted marks the block as committed in the base ledger
	StatusCommitted Status = "committed"
	// StatusProof marks the block as proof calculated
	StatusProof Status = "proof"
	// StatusVerified marks the block as verified in the base ledger
	StatusVerified Status = "verified"
	// StatusFailed marks the block as failed
	StatusFailed Status = "failed"
)

// Debug information related to the Block
type Debug struct {
	// StartTimestamp of is the time of block start
	StartTimestamp time.Time
	// CommitTimestamp is the time the block was committed
	CommitTimestamp time.Time
	// ProofTimestamp is the time the proof was received
	ProofTimestamp time.Time
	// VerifyTimestamp is the time the block was verified
	VerifyTimestamp time.Time
	// Status of the Block
	Status Status
	// RejectedTxs is the number of txs left out of the block
	RejectedTxs int
	// StartToCommitDelay is the delay between starting a block and having
	// it committed, in seconds
	StartToCommitDelay float64
	// CommitToVerifyDelay is the delay between committing a block and
	// having it verified, in seconds
	CommitToVerifyDelay float64
}

// BlockInfo contans the Block information
type BlockInfo struct {
	PipelineNum int
	BlockNum    common.BlockNum
	Circuit     common.Circuit
	BatchNum    common.BatchNum
	ServerProof prover.Client `json:"-"`
	ProofStart  time.Time
	ProofInputs *prover.ProofInputs
	Verdict     *common.ProofVerdict
	// TxIDs are the pool txs included in a transfer block
	TxIDs    []common.TxID
	Rejected []txprocessor.RejectedTx `json:"-"`
	Block    *common.Block
	Result   *rollup.VerifyResult `json:"-"`
	Debug    Debug
}

// debugBlockStore stores the BlockInfo as a JSON file in DebugBatchPath
func (c *Config) debugBlockStore(blockInfo *BlockInfo) {
	if c.DebugBatchPath == "" {
		return
	}
	blockJSON, err := json.MarshalIndent(blockInfo, "", "  ")
	if err != nil {
		panic(err) // should never happen
	}
	filename := fmt.Sprintf("%08d-%03d.json", blockInfo.BlockNum, blockInfo.PipelineNum)
	// nolint reason: 0640 allows rw to owner and r to group
	//nolint:gosec
	if err := os.WriteFile(path.Join(c.DebugBatchPath, filename), blockJSON, 0640); err != nil {
		panic(err) // should never happen
	}
}
