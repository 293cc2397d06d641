package coordinator

import (
	"context"
	"fmt"
	"time"

	"tokamak-settlement/common"
	"tokamak-settlement/eth"
	"tokamak-settlement/log"
)

// TxManager handles everything related to the verification of blocks in the
// base ledger.  Blocks arrive with their proof verdict in any order and are
// verified strictly in order.
type TxManager struct {
	cfg       Config
	ethClient eth.RollupInterface
	coord     *Coordinator

	blockCh chan *BlockInfo
	// queue keeps the proved blocks waiting for the previous ones
	queue        map[common.BlockNum]*BlockInfo
	lastVerified common.BlockNum
}

// NewTxManager creates a new TxManager
func NewTxManager(cfg *Config, ethClient eth.RollupInterface, coord *Coordinator) *TxManager {
	return &TxManager{
		cfg:          *cfg,
		ethClient:    ethClient,
		coord:        coord,
		blockCh:      make(chan *BlockInfo, queueLen),
		queue:        make(map[common.BlockNum]*BlockInfo),
		lastVerified: ethClient.RollupLastVerified(),
	}
}

// AddBlock is a thread safe method to pass a new proved block to the
// TxManager
func (t *TxManager) AddBlock(ctx context.Context, blockInfo *BlockInfo) {
	select {
	case t.blockCh <- blockInfo:
	case <-ctx.Done():
	}
}

// Run the TxManager
func (t *TxManager) Run(ctx context.Context) {
	timer := time.NewTimer(longWaitDuration)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("TxManager done")
			return
		case blockInfo := <-t.blockCh:
			t.queue[blockInfo.BlockNum] = blockInfo
		case <-timer.C:
		}
		if err := t.verifyReady(ctx); ctx.Err() != nil {
			continue
		} else if err != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.cfg.TxManagerCheckInterval)
			continue
		}
	}
}

// verifyReady verifies the queued blocks that follow the last verified one
func (t *TxManager) verifyReady(ctx context.Context) error {
	t.lastVerified = t.ethClient.RollupLastVerified()
	for num := range t.queue {
		if num <= t.lastVerified {
			delete(t.queue, num)
		}
	}
	for {
		next := t.lastVerified + 1
		blockInfo, ok := t.queue[next]
		if !ok {
			return nil
		}
		if err := t.verifyBlock(ctx, blockInfo); err != nil {
			return common.Wrap(err)
		}
		delete(t.queue, next)
		t.lastVerified = next
	}
}

func (t *TxManager) verifyBlock(ctx context.Context, blockInfo *BlockInfo) error {
	if blockInfo.Verdict == nil {
		return common.Wrap(fmt.Errorf("block %d has no proof verdict", blockInfo.BlockNum))
	}
	result, err := t.ethClient.RollupVerifyBlock(blockInfo.BlockNum, *blockInfo.Verdict)
	if common.IsErr(err, common.ErrInvalidProof) {
		delete(t.queue, blockInfo.BlockNum)
		blockInfo.Debug.Status = StatusFailed
		t.cfg.debugBlockStore(blockInfo)
		log.Errorw("TxManager: block verification rejected", "block", blockInfo.BlockNum, "err", err)
		if t.coord != nil {
			t.coord.SendMsg(ctx, MsgStopPipeline{
				Reason:         fmt.Sprintf("TxManager.verifyBlock: %v", err),
				FailedBlockNum: blockInfo.BlockNum,
			})
		}
		return common.Wrap(err)
	} else if err != nil {
		log.Warnw("TxManager: block verification failed", "block", blockInfo.BlockNum, "err", err)
		return common.Wrap(err)
	}
	blockInfo.Result = result
	blockInfo.Debug.VerifyTimestamp = time.Now()
	blockInfo.Debug.CommitToVerifyDelay =
		blockInfo.Debug.VerifyTimestamp.Sub(blockInfo.Debug.CommitTimestamp).Seconds()
	blockInfo.Debug.Status = StatusVerified
	t.cfg.debugBlockStore(blockInfo)
	log.Infow("TxManager: block verified", "block", blockInfo.BlockNum,
		"circuit", blockInfo.Circuit, "root", blockInfo.Verdict.NewRoot.Hex())
	return nil
}
