/*
Package node does the initialization of all the required objects to run the
settlement node: the in-process base ledger with its queues and rollup, the
operator and synchronizer StateDBs, the optional HistoryDB, the tx pool, the
coordinator with its provers, the synchronizer and the API server.

The node runs three loops: the coordinator (forging, proving and verifying
blocks), the synchronizer (replaying the verified blocks from the ledger
events) and the API server.
*/
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"tokamak-settlement/api"
	"tokamak-settlement/batchbuilder"
	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"
	"tokamak-settlement/config"
	"tokamak-settlement/coordinator"
	"tokamak-settlement/coordinator/prover"
	dbUtils "tokamak-settlement/database"
	"tokamak-settlement/database/historydb"
	"tokamak-settlement/database/statedb"
	"tokamak-settlement/eth"
	"tokamak-settlement/log"
	"tokamak-settlement/rollup"
	"tokamak-settlement/synchronizer"
	"tokamak-settlement/txprocessor"
	"tokamak-settlement/txselector"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Node is the settlement node
type Node struct {
	cfg *config.Node

	ledger       *eth.Ledger
	syncDB       *statedb.StateDB
	batchBuilder *batchbuilder.BatchBuilder
	pool         *txselector.TxPool
	coord        *coordinator.Coordinator
	sync         *synchronizer.Synchronizer

	// HistoryDB is optional
	historyDB    *historydb.HistoryDB
	sqlConnRead  *sqlx.DB
	sqlConnWrite *sqlx.DB

	apiServer   *http.Server
	apiListener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	mu     sync.Mutex
	closed bool
}

func newLedger(cfg *config.Node) (*eth.Ledger, error) {
	ledger, err := eth.NewLedger(eth.LedgerConfig{
		NativeSymbol: cfg.Ledger.NativeSymbol,
		Rollup: rollup.Config{
			ChallengePeriod: cfg.Rollup.ChallengePeriod.Duration,
		},
		DepositBatch: batchqueue.Config{
			BatchSize: cfg.Rollup.BatchSize,
			Fee:       cfg.Rollup.DepositBatchFee,
		},
		ExitBatch: batchqueue.Config{
			BatchSize: cfg.Rollup.BatchSize,
			Fee:       cfg.Rollup.ExitBatchFee,
		},
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	for _, token := range cfg.Ledger.Tokens {
		registered, err := ledger.EthRegisterToken(token.Address, token.Symbol, token.Decimals)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("EthRegisterToken %v: %w", token.Symbol, common.Unwrap(err)))
		}
		log.Infow("Token registered", "id", registered.TokenID, "symbol", registered.Symbol,
			"addr", registered.EthAddr)
	}
	if cfg.Ledger.FaucetAmount != nil && cfg.Ledger.FaucetAmount.Sign() > 0 {
		for _, owner := range cfg.Ledger.Faucet {
			for _, token := range ledger.EthTokens() {
				if err := ledger.Mint(owner, token.TokenID, cfg.Ledger.FaucetAmount); err != nil {
					return nil, common.Wrap(err)
				}
			}
			log.Infow("Faucet funded", "owner", owner, "amount", cfg.Ledger.FaucetAmount)
		}
	}
	return ledger, nil
}

func newHistoryDB(cfg *config.Node) (*historydb.HistoryDB, *sqlx.DB, *sqlx.DB, error) {
	pg := cfg.PostgreSQL
	dbWrite, err := dbUtils.InitSQLDB(pg.PortWrite, pg.HostWrite, pg.UserWrite,
		pg.PasswordWrite, pg.NameWrite)
	if err != nil {
		return nil, nil, nil, common.Wrap(fmt.Errorf("dbUtils.InitSQLDB: %w", err))
	}
	dbRead := dbWrite
	if pg.HostRead != "" {
		if pg.HostRead == pg.HostWrite && pg.PortRead == pg.PortWrite {
			return nil, nil, nil, common.Wrap(fmt.Errorf(
				"PostgreSQL.HostRead and PortRead must differ from the write connection"))
		}
		dbRead, err = dbUtils.ConnectSQLDB(pg.PortRead, pg.HostRead, pg.UserRead,
			pg.PasswordRead, pg.NameRead)
		if err != nil {
			return nil, nil, nil, common.Wrap(fmt.Errorf("dbUtils.ConnectSQLDB: %w", err))
		}
	}
	apiConnCon := dbUtils.NewAPIConnectionController(
		cfg.API.MaxSQLConnections,
		cfg.API.SQLConnectionTimeout.Duration,
	)
	return historydb.NewHistoryDB(dbRead, dbWrite, apiConnCon), dbRead, dbWrite, nil
}

func newProvers(cfg *config.Node) []prover.Client {
	var provers []prover.Client
	if cfg.Coordinator.MockProver {
		for i := 0; i < cfg.Coordinator.MockProvers; i++ {
			provers = append(provers, prover.NewMockClient(cfg.Coordinator.MockProverDelay.Duration))
		}
		log.Infow("Using mock provers", "n", len(provers))
		return provers
	}
	for _, server := range cfg.Coordinator.ProofServers {
		provers = append(provers, prover.NewProofServerClient(server.URL,
			cfg.Coordinator.ProverPollInterval.Duration))
	}
	return provers
}

// NewNode creates a Node
func NewNode(cfg *config.Node) (*Node, error) {
	meddler.Debug = cfg.Debug.MeddlerLogs

	ledger, err := newLedger(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}

	var historyDB *historydb.HistoryDB
	var dbRead, dbWrite *sqlx.DB
	if cfg.HistoryDBEnabled() {
		historyDB, dbRead, dbWrite, err = newHistoryDB(cfg)
		if err != nil {
			return nil, common.Wrap(err)
		}
	} else {
		log.Info("PostgreSQL not configured, running without HistoryDB")
	}

	syncDB, err := statedb.NewStateDB(statedb.Config{
		Path: filepath.Join(cfg.StateDB.Path, "synchronizer"),
		Keep: cfg.StateDB.Keep,
		Type: statedb.TypeSynchronizer,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	batchBuilder, err := batchbuilder.NewBatchBuilder(
		filepath.Join(cfg.StateDB.Path, "operator"),
		syncDB,
		0,
		0,
		batchbuilder.ConfigBatch{
			TxProcessorConfig: txprocessor.Config{MaxTxs: cfg.Rollup.MaxTxsPerBlock},
		},
	)
	if err != nil {
		syncDB.Close()
		return nil, common.Wrap(err)
	}

	pool := txselector.NewTxPool(txselector.PoolConfig{MaxTxs: cfg.Rollup.MaxPendingTxs})
	txSelector := txselector.NewTxSelector(txselector.Config{MaxL2Txs: cfg.Rollup.MaxTxsPerBlock}, pool)

	syncer, err := synchronizer.NewSynchronizer(ledger, historyDB, syncDB, pool,
		synchronizer.Config{SyncLoopInterval: cfg.Synchronizer.SyncLoopInterval.Duration})
	if err != nil {
		batchBuilder.LocalStateDB().Close()
		syncDB.Close()
		return nil, common.Wrap(err)
	}

	coord, err := coordinator.NewCoordinator(
		coordinator.Config{
			ForgerAddress:          cfg.Coordinator.OperatorAddress,
			ForgeRetryInterval:     cfg.Coordinator.ForgeRetryInterval.Duration,
			ForgeDelay:             cfg.Coordinator.ForgeDelay.Duration,
			MaxBatchWait:           cfg.Coordinator.MaxBatchWait.Duration,
			SyncRetryInterval:      cfg.Coordinator.SyncRetryInterval.Duration,
			TxManagerCheckInterval: cfg.Coordinator.TxManagerCheckInterval.Duration,
			LivenessCheckInterval:  cfg.Coordinator.LivenessCheckInterval.Duration,
			DebugBatchPath:         cfg.Debug.BatchPath,
			Purger: coordinator.PurgerCfg{
				PurgeInterval: cfg.Coordinator.PoolPurgeInterval.Duration,
				TTL:           cfg.Coordinator.PoolTxTTL.Duration,
			},
		},
		txSelector,
		batchBuilder,
		newProvers(cfg),
		ledger,
	)
	if err != nil {
		batchBuilder.LocalStateDB().Close()
		syncDB.Close()
		return nil, common.Wrap(err)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := gin.Default()
	server.Use(cors.Default())
	if _, err := api.NewAPI(api.Config{
		Server:       server,
		Pool:         pool,
		CommittedDB:  batchBuilder.LocalStateDB(),
		VerifiedDB:   syncDB,
		HistoryDB:    historyDB,
		EthClient:    ledger,
		Synchronizer: syncer,
	}); err != nil {
		batchBuilder.LocalStateDB().Close()
		syncDB.Close()
		return nil, common.Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:          cfg,
		ledger:       ledger,
		syncDB:       syncDB,
		batchBuilder: batchBuilder,
		pool:         pool,
		coord:        coord,
		sync:         syncer,
		historyDB:    historyDB,
		sqlConnRead:  dbRead,
		sqlConnWrite: dbWrite,
		apiServer: &http.Server{
			Handler:      server,
			ReadTimeout:  cfg.API.ReadTimeout.Duration,
			WriteTimeout: cfg.API.WriteTimeout.Duration,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Ledger returns the in-process base ledger
func (n *Node) Ledger() *eth.Ledger {
	return n.ledger
}

// Pool returns the L2 tx pool
func (n *Node) Pool() *txselector.TxPool {
	return n.pool
}

// APIAddr returns the address the API listens on.  It is only known after
// Start.
func (n *Node) APIAddr() string {
	if n.apiListener == nil {
		return ""
	}
	return n.apiListener.Addr().String()
}

// syncLoopFn runs one synchronization step and returns how long to wait
// before the next one
func (n *Node) syncLoopFn(ctx context.Context) (time.Duration, error) {
	ethBlock, err := n.sync.Sync(ctx)
	if err != nil {
		return n.cfg.Synchronizer.SyncLoopInterval.Duration, common.Wrap(err)
	} else if ethBlock != nil {
		// there may be more blocks to sync
		return 0, nil
	}
	return n.cfg.Synchronizer.SyncLoopInterval.Duration, nil
}

func (n *Node) runSynchronizer(ctx context.Context) error {
	log.Info("Starting Synchronizer...")
	waitDuration := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			log.Info("Synchronizer done")
			return nil
		case <-time.After(waitDuration):
			var err error
			if waitDuration, err = n.syncLoopFn(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				if common.IsErr(err, common.ErrStateDrift) {
					log.Errorw("Synchronizer.Sync: verified state drift", "err", err)
				} else {
					log.Warnw("Synchronizer.Sync", "err", err)
				}
			}
		}
	}
}

func (n *Node) runAPI() error {
	log.Infow("API is ready", "addr", n.apiListener.Addr())
	if err := n.apiServer.Serve(n.apiListener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return common.Wrap(err)
	}
	log.Info("API server done")
	return nil
}

// Start the node.  The API listener is opened before returning, so the API
// address is known when Start returns without error.
func (n *Node) Start() error {
	log.Info("Starting node...")
	listener, err := net.Listen("tcp", n.cfg.API.Address)
	if err != nil {
		return common.Wrap(err)
	}
	n.apiListener = listener

	group, ctx := errgroup.WithContext(n.ctx)
	n.group = group
	n.coord.Start()
	group.Go(func() error {
		return n.runSynchronizer(ctx)
	})
	group.Go(n.runAPI)
	return nil
}

// Stop the node and close its databases
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	log.Info("Stopping node...")
	n.cancel()
	if n.group != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := n.apiServer.Shutdown(ctx); err != nil {
			log.Errorw("API server shutdown", "err", err)
		}
		cancel()
		if err := n.group.Wait(); err != nil {
			log.Errorw("Node goroutine", "err", err)
		}
		n.coord.Stop()
	}

	n.batchBuilder.LocalStateDB().Close()
	n.syncDB.Close()
	if n.sqlConnWrite != nil {
		if n.sqlConnRead != n.sqlConnWrite {
			if err := n.sqlConnRead.Close(); err != nil {
				log.Errorw("sqlConnRead.Close", "err", err)
			}
		}
		if err := n.sqlConnWrite.Close(); err != nil {
			log.Errorw("sqlConnWrite.Close", "err", err)
		}
	}
}
