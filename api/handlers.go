package api

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"tokamak-settlement/common"
	"tokamak-settlement/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

func successResponse(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{Message: message, Data: data})
}

// errorStatus maps an error to its http status
func errorStatus(err error) int {
	cause := common.Unwrap(err)
	switch {
	case errors.Is(cause, sql.ErrNoRows),
		common.IsErr(err, common.ErrTxNotFound),
		common.IsErr(err, common.ErrUnknownAccount),
		common.IsErr(err, common.ErrUnknownWithdrawal),
		common.IsErr(err, common.ErrUnknownBlock):
		return http.StatusNotFound
	case common.IsErr(err, common.ErrTxExists):
		return http.StatusConflict
	case common.IsErr(err, common.ErrPoolFull):
		return http.StatusServiceUnavailable
	}
	if common.ClassOf(err) == common.ClassInternal {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func errorResponse(c *gin.Context, err error) {
	status := errorStatus(err)
	msg := common.Unwrap(err).Error()
	if status == http.StatusInternalServerError {
		log.Warnw("API: internal error", "path", c.FullPath(), "err", err)
	} else {
		log.Debugw("API: request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, ErrorResponse{Code: common.ReasonCode(err), Message: msg})
}

func invalidRequest(err error) error {
	return common.Wrap(fmt.Errorf("%w: %v", common.ErrInvalidRequest, err))
}

func (a *API) noRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, ErrorResponse{Code: "NotFound", Message: "no route for " + c.Request.URL.Path})
}

// bind parses the json body into req and validates it
func (a *API) bind(c *gin.Context, req interface{}) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return invalidRequest(err)
	}
	if err := a.validate.Struct(req); err != nil {
		return invalidRequest(err)
	}
	return nil
}

func parseAddr(c *gin.Context) (ethCommon.Address, error) {
	addr := c.Param("addr")
	if !ethCommon.IsHexAddress(addr) {
		return ethCommon.Address{}, invalidRequest(fmt.Errorf("invalid address %q", addr))
	}
	return ethCommon.HexToAddress(addr), nil
}

//
// Transactions
//

func (a *API) postTx(c *gin.Context) {
	var wire common.WireTx
	if err := a.bind(c, &wire); err != nil {
		errorResponse(c, err)
		return
	}
	stx, err := wire.SignedTx()
	if err != nil {
		errorResponse(c, err)
		return
	}
	// the sender must exist after the last committed block, its key checks
	// the signature
	account, err := a.committedDB.LastGetAccount(stx.Tx.FromIdx())
	if err != nil {
		errorResponse(c, err)
		return
	}
	if err := stx.VerifySignature(account.PubKey); err != nil {
		errorResponse(c, err)
		return
	}
	id, err := a.pool.AddTx(stx, account.Nonce)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, "tx accepted", SubmitTxResponse{ID: id})
}

func (a *API) getTx(c *gin.Context) {
	var id common.TxID
	if err := id.UnmarshalText([]byte(c.Param("id"))); err != nil {
		errorResponse(c, invalidRequest(err))
		return
	}
	tx, err := a.pool.Status(id)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, "tx status", tx)
}

//
// Accounts
//

func balancesOf(view *common.AccountView, token common.TokenID) *common.Balances {
	b, ok := view.Balances[token]
	if !ok {
		b = common.NewBalances()
		view.Balances[token] = b
	}
	return b
}

// accountView builds the four tiers of owner: the wallet and locked funds on
// the base ledger, the balances after the last committed block and after the
// last verified block.  A deposit is locked until its batch is committed, it
// is part of the committed balance from then on.
func (a *API) accountView(owner ethCommon.Address) (*common.AccountView, error) {
	view := &common.AccountView{
		Owner:    owner,
		State:    a.ethClient.AccountState(owner),
		Balances: make(map[common.TokenID]*common.Balances),
	}
	if registered, err := a.ethClient.RegisteredAccount(owner); err == nil {
		view.Idx = registered.Idx
	}
	for _, token := range a.ethClient.EthTokens() {
		balance, err := a.ethClient.EthBalance(owner, token.TokenID)
		if err != nil {
			return nil, common.Wrap(err)
		}
		if balance.Sign() != 0 {
			balancesOf(view, token.TokenID).Wallet = balance
		}
	}
	for _, req := range a.ethClient.UncommittedRequests(common.BatchKindDeposit, owner) {
		locked := balancesOf(view, req.Token).Locked
		locked.Add(locked, req.Amount)
	}
	view.Withdrawals = a.ethClient.LockedWithdrawals(owner)
	for _, w := range view.Withdrawals {
		locked := balancesOf(view, w.TokenID).Locked
		locked.Add(locked, w.RemainingAmount)
	}

	committed, err := a.committedDB.LastGetAccountByEthAddr(owner)
	if err != nil && !common.IsErr(err, common.ErrUnknownAccount) {
		return nil, common.Wrap(err)
	} else if err == nil {
		view.Nonce = committed.Nonce
		view.Idx = committed.Idx
		for token, balance := range committed.Balances {
			balancesOf(view, token).Committed = new(big.Int).Set(balance)
		}
	}
	verified, err := a.verifiedDB.LastGetAccountByEthAddr(owner)
	if err != nil && !common.IsErr(err, common.ErrUnknownAccount) {
		return nil, common.Wrap(err)
	} else if err == nil {
		for token, balance := range verified.Balances {
			balancesOf(view, token).Verified = new(big.Int).Set(balance)
		}
	}
	return view, nil
}

func (a *API) getAccount(c *gin.Context) {
	owner, err := parseAddr(c)
	if err != nil {
		errorResponse(c, err)
		return
	}
	view, err := a.accountView(owner)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, "account", view)
}

func (a *API) getOnchainAccount(c *gin.Context) {
	owner, err := parseAddr(c)
	if err != nil {
		errorResponse(c, err)
		return
	}
	res := OnchainAccount{
		Owner:  owner,
		State:  a.ethClient.AccountState(owner),
		Wallet: make(map[common.TokenID]string),
	}
	if registered, err := a.ethClient.RegisteredAccount(owner); err == nil {
		res.Idx = registered.Idx
	}
	for _, token := range a.ethClient.EthTokens() {
		balance, err := a.ethClient.EthBalance(owner, token.TokenID)
		if err != nil {
			errorResponse(c, err)
			return
		}
		res.Wallet[token.TokenID] = balance.String()
	}
	if req, ok := a.ethClient.PendingRequest(common.BatchKindDeposit, owner); ok {
		res.Deposit = req
	}
	if req, ok := a.ethClient.PendingRequest(common.BatchKindExit, owner); ok {
		res.Exit = req
	}
	res.Withdrawals = a.ethClient.LockedWithdrawals(owner)
	successResponse(c, "onchain account", res)
}

func (a *API) getWithdrawalHistory(c *gin.Context) {
	owner, err := parseAddr(c)
	if err != nil {
		errorResponse(c, err)
		return
	}
	withdrawals, err := a.historyDB.GetWithdrawalsAPI(owner)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, "withdrawals", withdrawals)
}

//
// Base ledger requests
//

func (a *API) postDeposit(c *gin.Context) {
	var req DepositRequest
	if err := a.bind(c, &req); err != nil {
		errorResponse(c, err)
		return
	}
	amount, err := common.ParseAmount(req.Amount)
	if err != nil {
		errorResponse(c, err)
		return
	}
	fee, err := common.ParseAmount(req.Fee)
	if err != nil {
		errorResponse(c, err)
		return
	}
	receipt, err := a.ethClient.RequestDeposit(req.Owner, req.PubKey, req.Token, amount, fee)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, "deposit requested", receipt)
}

func (a *API) deleteDeposit(c *gin.Context) {
	owner, err := parseAddr(c)
	if err != nil {
		errorResponse(c, err)
		return
	}
	req, err := a.ethClient.CancelDeposit(owner)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, "deposit cancelled", req)
}

func (a *API) postExit(c *gin.Context) {
	var req ExitRequest
	if err := a.bind(c, &req); err != nil {
		errorResponse(c, err)
		return
	}
	fee, err := common.ParseAmount(req.Fee)
	if err != nil {
		errorResponse(c, err)
		return
	}
	receipt, err := a.ethClient.RequestExit(req.Owner, fee)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, "exit requested", receipt)
}

func (a *API) deleteExit(c *gin.Context) {
	owner, err := parseAddr(c)
	if err != nil {
		errorResponse(c, err)
		return
	}
	req, err := a.ethClient.CancelExit(owner)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, "exit cancelled", req)
}

func (a *API) postWithdrawal(c *gin.Context) {
	var req WithdrawFundsRequest
	if err := a.bind(c, &req); err != nil {
		errorResponse(c, err)
		return
	}
	var amount *big.Int
	if req.Amount != "" {
		var err error
		if amount, err = common.ParseAmount(req.Amount); err != nil {
			errorResponse(c, err)
			return
		}
	}
	fw, err := a.ethClient.WithdrawFunds(req.Owner, req.ID, amount)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, "funds withdrawn", fw)
}

//
// State
//

func (a *API) getState(c *gin.Context) {
	state := State{
		LastCommitted:     a.ethClient.RollupLastCommitted(),
		LastVerified:      a.ethClient.RollupLastVerified(),
		LastVerifiedRoot:  a.ethClient.RollupLastVerifiedRoot().Hex(),
		LastCommittedRoot: a.ethClient.RollupLastCommittedRoot().Hex(),
		PendingTxs:        len(a.pool.Pending()),
	}
	state.DepositBatch, state.DepositQueued = a.ethClient.OpenBatch(common.BatchKindDeposit)
	state.ExitBatch, state.ExitQueued = a.ethClient.OpenBatch(common.BatchKindExit)
	if a.sync != nil {
		stats := a.sync.Stats()
		state.Synced = stats.Synced()
		state.LastSynced = stats.Sync.LastVerified
		state.LastEthBlock = stats.Eth.LastBlock
	}
	successResponse(c, "state", state)
}
