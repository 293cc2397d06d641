/*
Package synchronizer follows the events of the base ledger and keeps the
verified view of the rollup: the account tree replayed from the packed txs of
every verified block, and the history of blocks, batches and withdrawals.

The account tree is only advanced by verified blocks.  The root obtained by
the replay must match the root the block was verified with, otherwise the
synchronizer stops advancing and reports the drift.
*/
package synchronizer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"tokamak-settlement/common"
	"tokamak-settlement/database/historydb"
	"tokamak-settlement/database/statedb"
	"tokamak-settlement/eth"
	"tokamak-settlement/log"
	"tokamak-settlement/metric"
	"tokamak-settlement/rollup"
	"tokamak-settlement/txprocessor"
	"tokamak-settlement/txselector"
)

// Stats of the synchronizer
type Stats struct {
	Eth struct {
		LastBlock int64
	}
	Sync struct {
		Updated time.Time
		// LastEthBlock is the last base ledger block consumed
		LastEthBlock int64
		// LastVerified is the last block replayed into the StateDB
		LastVerified common.BlockNum
		LastRoot     string
	}
}

// Synced returns true if the Synchronizer is up to date with the last base
// ledger block
func (s *Stats) Synced() bool {
	return s.Eth.LastBlock == s.Sync.LastEthBlock
}

// StatsHolder stores stats and that allows reading and writing them
// concurrently
type StatsHolder struct {
	Stats
	rw sync.RWMutex
}

// NewStatsHolder creates a new StatsHolder
func NewStatsHolder() *StatsHolder {
	stats := Stats{}
	stats.Sync.LastEthBlock = -1
	return &StatsHolder{Stats: stats}
}

// UpdateSync updates the synchronizer stats
func (s *StatsHolder) UpdateSync(ethBlock *eth.EthBlock, lastVerified common.BlockNum, root string) {
	now := time.Now()
	s.rw.Lock()
	s.Sync.LastEthBlock = ethBlock.Num
	s.Sync.LastVerified = lastVerified
	s.Sync.LastRoot = root
	s.Sync.Updated = now
	s.rw.Unlock()
}

// UpdateEth updates the base ledger stats
func (s *StatsHolder) UpdateEth(ethClient eth.EthereumInterface) error {
	lastBlock, err := ethClient.EthLastBlock()
	if err != nil {
		return common.Wrap(fmt.Errorf("EthLastBlock: %w", common.Unwrap(err)))
	}
	s.rw.Lock()
	s.Eth.LastBlock = lastBlock
	s.rw.Unlock()
	return nil
}

// CopyStats returns a copy of the inner Stats
func (s *StatsHolder) CopyStats() *Stats {
	s.rw.RLock()
	sCopy := s.Stats
	s.rw.RUnlock()
	return &sCopy
}

// Config is the Synchronizer configuration
type Config struct {
	// SyncLoopInterval is the wait between two Sync calls when the
	// synchronizer is up to date
	SyncLoopInterval time.Duration
}

// Synchronizer implements the Synchronizer type
type Synchronizer struct {
	EthClient eth.ClientInterface
	// historyDB is optional
	historyDB *historydb.HistoryDB
	stateDB   *statedb.StateDB
	// pool is optional, its committed txs become verified
	pool             *txselector.TxPool
	cfg              Config
	stats            *StatsHolder
	resetStateFailed bool
}

// NewSynchronizer creates a new Synchronizer.  The base ledger lives in the
// node process, so the synchronizer starts from its genesis: the StateDB is
// reset to block 0 and the history after it is discarded.
func NewSynchronizer(
	ethClient eth.ClientInterface,
	historyDB *historydb.HistoryDB,
	stateDB *statedb.StateDB,
	pool *txselector.TxPool,
	cfg Config,
) (*Synchronizer, error) {
	s := &Synchronizer{
		EthClient: ethClient,
		historyDB: historyDB,
		stateDB:   stateDB,
		pool:      pool,
		cfg:       cfg,
		stats:     NewStatsHolder(),
	}
	if err := s.stateDB.Reset(0); err != nil {
		return nil, common.Wrap(fmt.Errorf("stateDB.Reset: %w", common.Unwrap(err)))
	}
	if s.historyDB != nil {
		if err := s.historyDB.Reorg(0); err != nil {
			return nil, common.Wrap(fmt.Errorf("historyDB.Reorg: %w", common.Unwrap(err)))
		}
	}
	return s, nil
}

// StateDB returns the inner StateDB
func (s *Synchronizer) StateDB() *statedb.StateDB {
	return s.stateDB
}

// Stats returns a copy of the Synchronizer Stats.  It is safe to call Stats()
// during a Sync call
func (s *Synchronizer) Stats() *Stats {
	return s.stats.CopyStats()
}

// resetIntermediateState resets the StateDB to the last block stored in the
// HistoryDB, which is written last in Sync and is the source of consistency.
func (s *Synchronizer) resetIntermediateState() error {
	blockNum := s.stateDB.CurrentBlock()
	if s.historyDB != nil {
		lastVerified, err := s.historyDB.GetLastVerifiedBlockNum()
		if err != nil && common.Unwrap(err) != sql.ErrNoRows {
			return common.Wrap(fmt.Errorf("historyDB.GetLastVerifiedBlockNum: %w", common.Unwrap(err)))
		}
		if lastVerified < blockNum {
			blockNum = lastVerified
		}
	}
	if err := s.stateDB.Reset(blockNum); err != nil {
		s.resetStateFailed = true
		return common.Wrap(fmt.Errorf("resetState at block %v: %w", blockNum, common.Unwrap(err)))
	}
	s.resetStateFailed = false
	return nil
}

// Sync consumes the next base ledger block.  It returns nil when there is no
// new block.
func (s *Synchronizer) Sync(ctx context.Context) (ethBlock *eth.EthBlock, err error) {
	if s.resetStateFailed {
		if err := s.resetIntermediateState(); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if err := s.stats.UpdateEth(s.EthClient); err != nil {
		return nil, common.Wrap(err)
	}
	stats := s.stats.CopyStats()
	nextBlockNum := stats.Sync.LastEthBlock + 1
	if nextBlockNum > stats.Eth.LastBlock {
		return nil, nil
	}
	ethBlock, err = s.EthClient.EthBlockByNumber(nextBlockNum)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("EthBlockByNumber: %w", common.Unwrap(err)))
	}
	log.Debugw("Syncing...", "block", nextBlockNum, "ethLastBlock", stats.Eth.LastBlock)

	defer func() {
		// If there was an error during sync, reset to the last block
		// in the historyDB.  This allows resetting the stateDB in the
		// case a block was replayed but the historyDB was not updated
		// due to an error.
		if err != nil {
			if err2 := s.resetIntermediateState(); err2 != nil {
				log.Errorw("sync revert", "err", err2)
			}
		}
	}()

	var verified *rollup.VerifyResult
	var withdrawals []common.WithdrawInfo
	for _, event := range ethBlock.Events {
		switch event.Type {
		case eth.EventBlockCommitted:
			if s.historyDB != nil {
				if err := s.historyDB.AddBlock(event.Block); err != nil {
					return nil, common.Wrap(err)
				}
			}
		case eth.EventBlockVerified:
			verified = event.Verified
		case eth.EventWithdrawalLocked:
			withdrawals = append(withdrawals, *event.Withdrawal)
		case eth.EventWithdrawalFinalized:
			if s.historyDB != nil {
				if err := s.historyDB.AddFinalizedWithdrawal(event.Finalized); err != nil {
					return nil, common.Wrap(err)
				}
			}
		}
	}
	if verified != nil {
		if err := s.syncVerified(verified, withdrawals, ethBlock.Time); err != nil {
			return nil, common.Wrap(err)
		}
	}

	s.stats.UpdateSync(ethBlock, s.stateDB.CurrentBlock(), s.stateDB.Root().Hex())
	metric.LastSyncedEvent.Set(float64(ethBlock.Num))
	log.Debugw("Synced block", "syncLastBlockNum", ethBlock.Num, "events", len(ethBlock.Events),
		"ethLastBlockNum", stats.Eth.LastBlock)
	return ethBlock, nil
}

// syncVerified replays a verified block into the StateDB, checks the
// resulting root and stores the verification in the HistoryDB
func (s *Synchronizer) syncVerified(verified *rollup.VerifyResult,
	withdrawals []common.WithdrawInfo, verifiedAt time.Time) error {
	block := verified.Block
	current := s.stateDB.CurrentBlock()
	if block.Num <= current {
		log.Debugw("Synchronizer: block already replayed", "block", block.Num)
		return nil
	}
	if block.Num != current+1 {
		return common.Wrap(fmt.Errorf("%w: block %d, last replayed %d",
			common.ErrOutOfOrderVerification, block.Num, current))
	}

	tp := txprocessor.NewTxProcessor(s.stateDB, txprocessor.Config{})
	if _, err := tp.ProcessPacked(block.Num, block.Circuit, block.PackedTxs); err != nil {
		return common.Wrap(err)
	}
	if root := s.stateDB.Root(); root != block.NewRoot {
		return common.Wrap(fmt.Errorf("%w: replayed root %s, verified root %s at block %d",
			common.ErrStateDrift, root.Hex(), block.NewRoot.Hex(), block.Num))
	}
	if err := s.stateDB.MakeCheckpoint(); err != nil {
		return common.Wrap(err)
	}

	if s.historyDB != nil {
		var batch *common.Batch
		if kind, ok := batchKind(block.Circuit); ok {
			batch = &common.Batch{
				Num:       block.BatchNum,
				Kind:      kind,
				State:     common.BatchStateVerified,
				BlockNum:  block.Num,
				Timestamp: verifiedAt,
				Closed:    true,
				Size:      len(block.AccountIdxs),
			}
			if len(verified.Requests) > 0 {
				batch.Fee = verified.Requests[0].FeePaid
			}
		}
		if err := s.historyDB.VerifyBlock(block.Num, verifiedAt, batch, withdrawals); err != nil {
			return common.Wrap(err)
		}
	}
	if s.pool != nil {
		ids := s.pool.MarkVerified(block.Num)
		log.Debugw("Synchronizer: pool txs verified", "block", block.Num, "txs", len(ids))
	}
	metric.LastSyncedBlock.Set(float64(block.Num))
	log.Infow("Synchronizer: block replayed", "block", block.Num, "circuit", block.Circuit,
		"root", block.NewRoot.Hex(), "withdrawals", len(withdrawals))
	return nil
}

func batchKind(circuit common.Circuit) (common.BatchKind, bool) {
	switch circuit {
	case common.CircuitDeposit:
		return common.BatchKindDeposit, true
	case common.CircuitExit:
		return common.BatchKindExit, true
	}
	return "", false
}

// Run calls Sync until ctx is done, waiting SyncLoopInterval when up to date
// or after an error
func (s *Synchronizer) Run(ctx context.Context) {
	waitDuration := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			log.Info("Synchronizer done")
			return
		case <-time.After(waitDuration):
			ethBlock, err := s.Sync(ctx)
			if ctx.Err() != nil {
				continue
			} else if err != nil {
				log.Errorw("Synchronizer.Sync", "err", err)
				waitDuration = s.cfg.SyncLoopInterval
				continue
			}
			if ethBlock == nil {
				waitDuration = s.cfg.SyncLoopInterval
			} else {
				waitDuration = 0
			}
		}
	}
}
