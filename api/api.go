/*
Package api is the HTTP transport of the node.  It accepts signed L2 txs into
the pool, reports their status, and exposes the four-tier view of an owner
together with the base ledger calls a wallet needs: deposit and exit requests,
their cancellation, and pulling released withdrawals.

Every failure responds with an ErrorResponse whose code is the reason code of
the protocol error.  Failures that happen after a tx was accepted surface as
the failReason of its status.
*/
package api

import (
	"fmt"

	"tokamak-settlement/common"
	"tokamak-settlement/database/historydb"
	"tokamak-settlement/database/statedb"
	"tokamak-settlement/eth"
	"tokamak-settlement/metric"
	"tokamak-settlement/synchronizer"
	"tokamak-settlement/txselector"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API serves HTTP requests to allow external interaction with the node
type API struct {
	pool        *txselector.TxPool
	committedDB *statedb.LocalStateDB
	verifiedDB  *statedb.StateDB
	historyDB   *historydb.HistoryDB
	ethClient   eth.ClientInterface
	sync        *synchronizer.Synchronizer
	validate    *validator.Validate
}

// Config wraps the parameters needed to start the API
type Config struct {
	Server *gin.Engine
	Pool   *txselector.TxPool
	// CommittedDB is the operator StateDB, its last checkpoint is the last
	// committed block
	CommittedDB *statedb.LocalStateDB
	// VerifiedDB is the synchronizer StateDB
	VerifiedDB *statedb.StateDB
	// HistoryDB is optional, it serves the withdrawal history
	HistoryDB *historydb.HistoryDB
	EthClient eth.ClientInterface
	// Synchronizer is optional, it serves the sync status
	Synchronizer *synchronizer.Synchronizer
}

// NewAPI sets the endpoints and the appropriate handlers, but doesn't start
// the server
func NewAPI(setup Config) (*API, error) {
	switch {
	case setup.Server == nil:
		return nil, common.Wrap(fmt.Errorf("missing gin server"))
	case setup.Pool == nil:
		return nil, common.Wrap(fmt.Errorf("cannot serve txs without a pool"))
	case setup.CommittedDB == nil || setup.VerifiedDB == nil:
		return nil, common.Wrap(fmt.Errorf("cannot serve accounts without the committed and verified StateDBs"))
	case setup.EthClient == nil:
		return nil, common.Wrap(fmt.Errorf("missing base ledger client"))
	}
	a := &API{
		pool:        setup.Pool,
		committedDB: setup.CommittedDB,
		verifiedDB:  setup.VerifiedDB,
		historyDB:   setup.HistoryDB,
		ethClient:   setup.EthClient,
		sync:        setup.Synchronizer,
		validate:    validator.New(),
	}

	setup.Server.Use(metric.PrometheusMiddleware())
	setup.Server.NoRoute(a.noRoute)
	setup.Server.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := setup.Server.Group("/v1")
	v1.GET("/state", a.getState)
	// Transactions
	v1.POST("/transactions", a.postTx)
	v1.GET("/transactions/:id", a.getTx)
	// Accounts
	v1.GET("/accounts/:addr", a.getAccount)
	v1.GET("/accounts/:addr/onchain", a.getOnchainAccount)
	if a.historyDB != nil {
		v1.GET("/accounts/:addr/withdrawals", a.getWithdrawalHistory)
	}
	// Base ledger requests
	v1.POST("/deposits", a.postDeposit)
	v1.DELETE("/deposits/:addr", a.deleteDeposit)
	v1.POST("/exits", a.postExit)
	v1.DELETE("/exits/:addr", a.deleteExit)
	v1.POST("/withdrawals", a.postWithdrawal)
	return a, nil
}
