package api

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"tokamak-settlement/batchbuilder"
	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"
	"tokamak-settlement/database/statedb"
	"tokamak-settlement/eth"
	"tokamak-settlement/log"
	"tokamak-settlement/rollup"
	"tokamak-settlement/synchronizer"
	"tokamak-settlement/test"
	"tokamak-settlement/txselector"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deleteme []string

func init() {
	log.Init("debug", []string{"stdout"})
	gin.SetMode(gin.TestMode)
}

func TestMain(m *testing.M) {
	exitVal := m.Run()
	for _, dir := range deleteme {
		if err := os.RemoveAll(dir); err != nil {
			panic(err)
		}
	}
	os.Exit(exitVal)
}

var users = test.NewUsers("alice", "bob")

func tmpDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	return dir
}

type testSetup struct {
	ledger *eth.Ledger
	bb     *batchbuilder.BatchBuilder
	pool   *txselector.TxPool
	server *gin.Engine
}

func newTestSetup(t *testing.T) *testSetup {
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	ledger, err := eth.NewLedger(eth.LedgerConfig{
		Rollup:       rollup.Config{ChallengePeriod: time.Hour},
		DepositBatch: batchqueue.Config{BatchSize: 2, Fee: big.NewInt(10)},
		ExitBatch:    batchqueue.Config{BatchSize: 2, Fee: big.NewInt(20)},
	}, eth.WithClock(clock))
	require.NoError(t, err)
	_, err = ledger.EthRegisterToken(ethCommon.HexToAddress("0x70c3"), "TOK", 18)
	require.NoError(t, err)
	for _, user := range users {
		require.NoError(t, ledger.Mint(user.Owner, common.NativeTokenID, big.NewInt(1000)))
		require.NoError(t, ledger.Mint(user.Owner, 1, big.NewInt(1000)))
	}

	syncDB, err := statedb.NewStateDB(statedb.Config{Path: tmpDir(t), Keep: 128,
		Type: statedb.TypeSynchronizer})
	require.NoError(t, err)
	t.Cleanup(syncDB.Close)
	bb, err := batchbuilder.NewBatchBuilder(tmpDir(t), syncDB, 0, 0, batchbuilder.ConfigBatch{})
	require.NoError(t, err)
	t.Cleanup(bb.LocalStateDB().Close)
	pool := txselector.NewTxPool(txselector.PoolConfig{}, txselector.WithClock(clock))
	sync, err := synchronizer.NewSynchronizer(ledger, nil, syncDB, pool, synchronizer.Config{})
	require.NoError(t, err)

	server := gin.New()
	_, err = NewAPI(Config{
		Server:       server,
		Pool:         pool,
		CommittedDB:  bb.LocalStateDB(),
		VerifiedDB:   syncDB,
		EthClient:    ledger,
		Synchronizer: sync,
	})
	require.NoError(t, err)
	return &testSetup{ledger: ledger, bb: bb, pool: pool, server: server}
}

// do sends a request and decodes the data of a successful response into ret
func (s *testSetup) do(t *testing.T, method, path string, body interface{}, ret interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.ServeHTTP(w, req)
	if w.Code == http.StatusOK && ret != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &Response{Data: ret}))
	}
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	var res ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res.Code
}

func (s *testSetup) deposit(t *testing.T, name string, amount string) *Receipt {
	var receipt Receipt
	w := s.do(t, http.MethodPost, "/v1/deposits", DepositRequest{
		Owner:  users[name].Owner,
		PubKey: users[name].PubKey,
		Token:  1,
		Amount: amount,
		Fee:    "10",
	}, &receipt)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return &receipt
}

// commitDeposits applies the closed deposit batch to the committed StateDB
func (s *testSetup) commitDeposits(t *testing.T) {
	batch, reqs, ok := s.ledger.BatchToCommit(common.BatchKindDeposit)
	require.True(t, ok)
	_, err := s.bb.BuildDepositBlock(1, batch, reqs)
	require.NoError(t, err)
	require.NoError(t, s.bb.Confirm(1))
}

func TestDepositAndAccountView(t *testing.T) {
	s := newTestSetup(t)

	receipt := s.deposit(t, "alice", "100")
	assert.Equal(t, common.AccountIdx(1), receipt.AccountIdx)
	assert.Equal(t, "10", receipt.FeeCharged.String())
	assert.True(t, receipt.Registered)

	var view common.AccountView
	w := s.do(t, http.MethodGet, "/v1/accounts/"+users["alice"].Owner.Hex(), nil, &view)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, common.AccountIdx(1), view.Idx)
	assert.Equal(t, common.AccountStateRegistered, view.State)
	assert.Equal(t, "900", view.Tokens(1).Wallet.String())
	assert.Equal(t, "100", view.Tokens(1).Locked.String())
	assert.Equal(t, "0", view.Tokens(1).Committed.String())
	assert.Equal(t, "990", view.Tokens(common.NativeTokenID).Wallet.String())

	var onchain OnchainAccount
	w = s.do(t, http.MethodGet, "/v1/accounts/"+users["alice"].Owner.Hex()+"/onchain", nil, &onchain)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, onchain.Deposit)
	assert.Equal(t, "100", onchain.Deposit.Amount.String())
	assert.Nil(t, onchain.Exit)
	assert.Equal(t, "900", onchain.Wallet[1])

	// fee below the batch fee
	w = s.do(t, http.MethodPost, "/v1/deposits", DepositRequest{Owner: users["bob"].Owner,
		PubKey: users["bob"].PubKey, Token: 1, Amount: "100", Fee: "1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BatchFeeTooLow", errorCode(t, w))

	// missing owner
	w = s.do(t, http.MethodPost, "/v1/deposits", DepositRequest{Token: 1, Amount: "100", Fee: "10"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidRequest", errorCode(t, w))

	w = s.do(t, http.MethodGet, "/v1/accounts/0xnothex", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountViewAcrossCommit(t *testing.T) {
	s := newTestSetup(t)
	s.deposit(t, "alice", "100")
	s.deposit(t, "bob", "100")
	// a second deposit of alice in the next batch
	s.deposit(t, "alice", "40")

	view := func() common.AccountView {
		var view common.AccountView
		w := s.do(t, http.MethodGet, "/v1/accounts/"+users["alice"].Owner.Hex(), nil, &view)
		require.Equal(t, http.StatusOK, w.Code)
		return view
	}
	v := view()
	assert.Equal(t, "860", v.Tokens(1).Wallet.String())
	assert.Equal(t, "140", v.Tokens(1).Locked.String())
	assert.Equal(t, "0", v.Tokens(1).Committed.String())

	batch, reqs, ok := s.ledger.BatchToCommit(common.BatchKindDeposit)
	require.True(t, ok)
	out, err := s.bb.BuildDepositBlock(1, batch, reqs)
	require.NoError(t, err)
	block, err := s.ledger.RollupCommitBlock(rollup.CommitArgs{Num: 1, Circuit: common.CircuitDeposit,
		BatchNum: batch.Num, NewRoot: out.NewRoot, PackedTxs: out.PackedTxs,
		Prover: ethCommon.HexToAddress("0xc0ffe")})
	require.NoError(t, err)
	require.NoError(t, s.bb.Confirm(1))

	// committed and not verified yet: the first deposit moved from locked to
	// committed
	v = view()
	assert.Equal(t, "860", v.Tokens(1).Wallet.String())
	assert.Equal(t, "40", v.Tokens(1).Locked.String())
	assert.Equal(t, "100", v.Tokens(1).Committed.String())
	assert.Equal(t, "0", v.Tokens(1).Verified.String())

	_, err = s.ledger.RollupVerifyBlock(1, common.ProofVerdict{Valid: true, OldRoot: block.OldRoot,
		NewRoot: block.NewRoot, Commitment: block.Commitment})
	require.NoError(t, err)
	v = view()
	assert.Equal(t, "40", v.Tokens(1).Locked.String())
	assert.Equal(t, "100", v.Tokens(1).Committed.String())
}

func TestSubmitTx(t *testing.T) {
	s := newTestSetup(t)
	s.deposit(t, "alice", "100")
	s.deposit(t, "bob", "100")
	s.commitDeposits(t)

	var view common.AccountView
	w := s.do(t, http.MethodGet, "/v1/accounts/"+users["alice"].Owner.Hex(), nil, &view)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", view.Tokens(1).Committed.String())
	assert.Equal(t, "0", view.Tokens(1).Verified.String())
	assert.Equal(t, common.Nonce(0), view.Nonce)

	stx, err := common.SignTx(&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(30),
		Fee: big.NewInt(2)}, users["alice"].Key)
	require.NoError(t, err)
	wire, err := common.NewWireTx(stx)
	require.NoError(t, err)

	var res SubmitTxResponse
	w = s.do(t, http.MethodPost, "/v1/transactions", wire, &res)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	expected, err := stx.ID()
	require.NoError(t, err)
	assert.Equal(t, expected, res.ID)

	var tx txselector.PoolTx
	w = s.do(t, http.MethodGet, "/v1/transactions/"+res.ID.String(), nil, &tx)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, txselector.PoolTxStatePending, tx.State)

	w = s.do(t, http.MethodPost, "/v1/transactions", wire, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "TxExists", errorCode(t, w))

	// signed by someone else
	forged, err := common.SignTx(&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(1),
		Fee: big.NewInt(1)}, users["bob"].Key)
	require.NoError(t, err)
	wire, err = common.NewWireTx(forged)
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/v1/transactions", wire, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidSignature", errorCode(t, w))

	// unknown sender
	unknown, err := common.SignTx(&common.Transfer{From: 9, To: 2, TokenID: 1, Amount: big.NewInt(1),
		Fee: big.NewInt(1)}, users["bob"].Key)
	require.NoError(t, err)
	wire, err = common.NewWireTx(unknown)
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/v1/transactions", wire, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UnknownAccount", errorCode(t, w))

	w = s.do(t, http.MethodGet, "/v1/transactions/0x1234", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, "/v1/transactions/"+common.TxID{9}.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "TxNotFound", errorCode(t, w))
}

func TestCancelRequests(t *testing.T) {
	s := newTestSetup(t)
	s.deposit(t, "alice", "100")

	var req batchqueue.Request
	w := s.do(t, http.MethodDelete, "/v1/deposits/"+users["alice"].Owner.Hex(), nil, &req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", req.Amount.String())
	assert.Equal(t, "10", req.FeePaid.String())
	balance, err := s.ledger.EthBalance(users["alice"].Owner, 1)
	require.NoError(t, err)
	assert.Equal(t, "1000", balance.String())

	w = s.do(t, http.MethodDelete, "/v1/deposits/"+users["alice"].Owner.Hex(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "NoCancellableRequest", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/v1/exits", ExitRequest{Owner: users["bob"].Owner, Fee: "20"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UnknownAccount", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/v1/withdrawals", WithdrawFundsRequest{Owner: users["bob"].Owner, ID: 3}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UnknownWithdrawal", errorCode(t, w))
}

func TestState(t *testing.T) {
	s := newTestSetup(t)
	s.deposit(t, "alice", "100")

	var state State
	w := s.do(t, http.MethodGet, "/v1/state", nil, &state)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, common.BlockNum(0), state.LastCommitted)
	assert.Equal(t, common.BlockNum(0), state.LastVerified)
	assert.Equal(t, 1, state.DepositQueued)
	require.NotNil(t, state.DepositBatch)
	assert.Equal(t, common.BatchNum(1), state.DepositBatch.Num)
	assert.Equal(t, 0, state.ExitQueued)
	assert.False(t, state.Synced)

	w = s.do(t, http.MethodGet, "/v1/nothing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", errorCode(t, w))

	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(common.Wrap(common.ErrPoolFull)))
	assert.Equal(t, http.StatusBadRequest,
		errorStatus(common.NewShortfallError(common.ErrInsufficientBalance, big.NewInt(2), big.NewInt(1))))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(common.Wrap(os.ErrClosed)))
}
