package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tokamak-settlement/api"
	"tokamak-settlement/common"
	"tokamak-settlement/log"
	"tokamak-settlement/test"
	"tokamak-settlement/txselector"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

var alice = test.NewUser("alice")

type fakeProvider struct {
	mu        sync.Mutex
	view      *common.AccountView
	submitted []*common.SignedTx
	states    map[common.TxID]*txselector.PoolTx
	viewCalls int
	submitErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		view: &common.AccountView{
			Owner: alice.Owner,
			Idx:   1,
			Nonce: 3,
			Balances: map[common.TokenID]*common.Balances{
				1: {Wallet: big.NewInt(500), Locked: big.NewInt(0),
					Committed: big.NewInt(100), Verified: big.NewInt(100)},
			},
		},
		states: make(map[common.TxID]*txselector.PoolTx),
	}
}

func (p *fakeProvider) setState(id common.TxID, state txselector.PoolTxState, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[id] = &txselector.PoolTx{TxID: id, State: state, FailReason: reason}
}

func (p *fakeProvider) SubmitTx(ctx context.Context, stx *common.SignedTx) (common.TxID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return common.TxID{}, p.submitErr
	}
	id, err := stx.ID()
	if err != nil {
		return common.TxID{}, err
	}
	p.submitted = append(p.submitted, stx)
	p.states[id] = &txselector.PoolTx{TxID: id, State: txselector.PoolTxStatePending}
	return id, nil
}

func (p *fakeProvider) TxStatus(ctx context.Context, id common.TxID) (*txselector.PoolTx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, ok := p.states[id]
	if !ok {
		return nil, common.Wrap(common.ErrTxNotFound)
	}
	c := *tx
	return &c, nil
}

func (p *fakeProvider) AccountView(ctx context.Context, owner ethCommon.Address) (*common.AccountView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewCalls++
	return common.DeepCopy(p.view).(*common.AccountView), nil
}

func (p *fakeProvider) RequestDeposit(ctx context.Context, req *api.DepositRequest) (*api.Receipt, error) {
	return &api.Receipt{BatchNum: 1, AccountIdx: 1, FeeCharged: big.NewInt(10)}, nil
}

func (p *fakeProvider) RequestExit(ctx context.Context, req *api.ExitRequest) (*api.Receipt, error) {
	return &api.Receipt{BatchNum: 1, AccountIdx: 1, FeeCharged: big.NewInt(20)}, nil
}

func (p *fakeProvider) WithdrawFunds(ctx context.Context,
	req *api.WithdrawFundsRequest) (*common.FinalizedWithdrawal, error) {
	amount, err := common.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	return &common.FinalizedWithdrawal{WithdrawalID: req.ID, Amount: amount}, nil
}

func newTestWallet(p *fakeProvider) *Wallet {
	return NewWallet(Config{Owner: alice.Owner, Key: alice.Key, PollInterval: time.Millisecond},
		p, NewReconciler(big.NewInt(5)))
}

func TestReconcileSnapsWithinTolerance(t *testing.T) {
	r := NewReconciler(big.NewInt(5))
	key := BalanceKey{alice.Owner, 1}
	view := &common.AccountView{Owner: alice.Owner, Balances: map[common.TokenID]*common.Balances{
		1: {Wallet: big.NewInt(0), Locked: big.NewInt(0), Committed: big.NewInt(100),
			Verified: big.NewInt(100)},
	}}
	r.Refresh(view)
	assert.Equal(t, "100", r.Computed(key).Committed.String())

	op := r.ApplyTransfer(alice.Owner, 1, big.NewInt(30), big.NewInt(2))
	assert.Equal(t, "68", r.Computed(key).Committed.String())

	// the tx is not committed yet: the prediction is kept
	r.Refresh(view)
	assert.Equal(t, "68", r.Computed(key).Committed.String())
	assert.Equal(t, "100", r.Authoritative(key).Committed.String())

	// untouched tiers follow the authoritative view
	view.Balances[1].Verified = big.NewInt(90)
	r.Refresh(view)
	assert.Equal(t, "90", r.Computed(key).Verified.String())
	assert.Equal(t, "68", r.Computed(key).Committed.String())

	// within tolerance
	view.Balances[1].Committed = big.NewInt(71)
	r.Refresh(view)
	assert.Equal(t, "71", r.Computed(key).Committed.String())

	r.Resolve(op)
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, "71", r.Computed(key).Committed.String())
}

func TestReconcileResolveSnaps(t *testing.T) {
	r := NewReconciler(nil)
	key := BalanceKey{alice.Owner, 1}
	native := BalanceKey{alice.Owner, common.NativeTokenID}
	r.Refresh(&common.AccountView{Owner: alice.Owner, Balances: map[common.TokenID]*common.Balances{
		common.NativeTokenID: {Wallet: big.NewInt(100), Locked: big.NewInt(0),
			Committed: big.NewInt(0), Verified: big.NewInt(0)},
		1: {Wallet: big.NewInt(500), Locked: big.NewInt(0), Committed: big.NewInt(0),
			Verified: big.NewInt(0)},
	}})

	op := r.ApplyDeposit(alice.Owner, 1, big.NewInt(200), big.NewInt(10))
	assert.Equal(t, "300", r.Computed(key).Wallet.String())
	assert.Equal(t, "200", r.Computed(key).Locked.String())
	assert.Equal(t, "90", r.Computed(native).Wallet.String())

	snapshot := r.Snapshot()
	r.Resolve(op)
	// nothing refreshed yet, the computed view falls back to the last
	// authoritative one
	assert.Equal(t, "500", r.Computed(key).Wallet.String())
	assert.Equal(t, "100", r.Computed(native).Wallet.String())
	// the snapshot is a deep copy
	assert.Equal(t, "300", snapshot.Computed[key].Wallet.String())
	assert.Equal(t, "500", snapshot.Authoritative[key].Wallet.String())

	// tokens missing from a refresh are zero
	r.ApplyWithdrawFunds(alice.Owner, 2, big.NewInt(5))
	r.Refresh(&common.AccountView{Owner: alice.Owner})
	assert.Equal(t, "0", r.Authoritative(BalanceKey{alice.Owner, 2}).Wallet.String())
	assert.Equal(t, "5", r.Computed(BalanceKey{alice.Owner, 2}).Wallet.String())
	assert.Equal(t, "0", r.Computed(key).Wallet.String())
}

func TestNonceTracker(t *testing.T) {
	fetches := 0
	n := NewNonceTracker(func(ctx context.Context) (common.Nonce, error) {
		fetches++
		return 3, nil
	})
	ctx := context.Background()
	nonce, err := n.NextNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(3), nonce)
	n.Add()
	n.Add()
	nonce, err = n.NextNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(5), nonce)

	// one of the two txs committed
	n.Observe(4)
	nonce, err = n.NextNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(5), nonce)
	// txs sent elsewhere
	n.Observe(9)
	nonce, err = n.NextNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(9), nonce)
	assert.Equal(t, 1, fetches)

	n.MarkFailed()
	nonce, err = n.NextNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(3), nonce)
	assert.Equal(t, 2, fetches)
}

func TestTransferAndVerify(t *testing.T) {
	p := newFakeProvider()
	w := newTestWallet(p)
	ctx := context.Background()
	_, err := w.Refresh(ctx)
	require.NoError(t, err)

	id, err := w.Transfer(ctx, 2, 1, big.NewInt(30), big.NewInt(2))
	require.NoError(t, err)
	require.Len(t, p.submitted, 1)
	tx := p.submitted[0].Tx.(*common.Transfer)
	assert.Equal(t, common.Nonce(3), tx.Nonce)
	assert.Equal(t, common.AccountIdx(1), tx.From)
	require.NoError(t, p.submitted[0].VerifySignature(alice.PubKey))
	assert.Equal(t, "68", w.Balances(1).Committed.String())

	id2, err := w.Transfer(ctx, 2, 1, big.NewInt(10), big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(4), p.submitted[1].Tx.TxNonce())
	assert.Equal(t, "58", w.Balances(1).Committed.String())

	// both committed and verified
	p.mu.Lock()
	p.view.Nonce = 5
	p.view.Balances[1].Committed = big.NewInt(58)
	p.view.Balances[1].Verified = big.NewInt(58)
	p.mu.Unlock()
	p.setState(id, txselector.PoolTxStateVerified, "")
	p.setState(id2, txselector.PoolTxStateVerified, "")
	require.NoError(t, w.WaitForVerification(ctx, id))
	require.NoError(t, w.WaitForVerification(ctx, id2))
	assert.Equal(t, 0, w.Reconciler().Pending())
	assert.Equal(t, "58", w.Balances(1).Committed.String())
	assert.Equal(t, "58", w.Balances(1).Verified.String())
}

func TestWaitForVerificationFailed(t *testing.T) {
	p := newFakeProvider()
	w := newTestWallet(p)
	ctx := context.Background()

	id, err := w.Transfer(ctx, 2, 1, big.NewInt(30), big.NewInt(2))
	require.NoError(t, err)
	viewCalls := p.viewCalls
	p.setState(id, txselector.PoolTxStateFailed, common.ErrNonceTooLow.Code)

	err = w.WaitForVerification(ctx, id)
	var failed *TxFailedError
	require.True(t, errors.As(common.Unwrap(err), &failed))
	assert.Equal(t, id, failed.ID)
	assert.Equal(t, "NonceTooLow", failed.Reason)
	assert.True(t, common.IsErr(err, common.ErrNonceTooLow))
	assert.Equal(t, 0, w.Reconciler().Pending())
	assert.Equal(t, "100", w.Balances(1).Committed.String())

	// the nonce is fetched again
	_, err = w.Transfer(ctx, 2, 1, big.NewInt(30), big.NewInt(2))
	require.NoError(t, err)
	assert.Greater(t, p.viewCalls, viewCalls+1)
	assert.Equal(t, common.Nonce(3), p.submitted[1].Tx.TxNonce())
}

func TestWaitForVerificationTimeoutAndCancel(t *testing.T) {
	p := newFakeProvider()
	w := newTestWallet(p)

	id, err := w.Transfer(context.Background(), 2, 1, big.NewInt(30), big.NewInt(2))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = w.WaitForVerification(ctx, id)
	assert.True(t, common.IsErr(err, common.ErrWaitTimeout))
	assert.Equal(t, common.ClassDrift, common.ClassOf(err))
	// the prediction is kept
	assert.Equal(t, 1, w.Reconciler().Pending())
	assert.Equal(t, "68", w.Balances(1).Committed.String())

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err = w.WaitForVerification(ctx, id)
	assert.True(t, common.IsErr(err, context.Canceled))
	assert.Equal(t, 1, w.Reconciler().Pending())
}

func TestSubmitErrorResetsNonce(t *testing.T) {
	p := newFakeProvider()
	w := newTestWallet(p)
	ctx := context.Background()

	p.submitErr = common.Wrap(common.ErrPoolFull)
	_, err := w.Transfer(ctx, 2, 1, big.NewInt(30), big.NewInt(2))
	assert.True(t, common.IsErr(err, common.ErrPoolFull))
	assert.Equal(t, 0, w.Reconciler().Pending())

	p.submitErr = nil
	p.view.Nonce = 7
	_, err = w.Transfer(ctx, 2, 1, big.NewInt(30), big.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, common.Nonce(7), p.submitted[0].Tx.TxNonce())
}

func TestLedgerOpsResolveOnRefresh(t *testing.T) {
	p := newFakeProvider()
	p.view.Withdrawals = []common.WithdrawInfo{{ID: 4, TokenID: 1, Owner: alice.Owner,
		Amount: big.NewInt(50), RemainingAmount: big.NewInt(50)}}
	p.view.Balances[1].Locked = big.NewInt(50)
	w := newTestWallet(p)
	ctx := context.Background()
	_, err := w.Refresh(ctx)
	require.NoError(t, err)

	receipt, err := w.Deposit(ctx, 1, big.NewInt(100), big.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, "10", receipt.FeeCharged.String())
	assert.Equal(t, "400", w.Balances(1).Wallet.String())
	assert.Equal(t, "-10", w.Balances(common.NativeTokenID).Wallet.String())

	fw, err := w.WithdrawFunds(ctx, 4, big.NewInt(20))
	require.NoError(t, err)
	assert.Equal(t, "20", fw.Amount.String())
	assert.Equal(t, "420", w.Balances(1).Wallet.String())
	assert.Equal(t, "130", w.Balances(1).Locked.String())
	assert.Equal(t, 2, w.Reconciler().Pending())

	p.mu.Lock()
	p.view.Balances[1].Wallet = big.NewInt(420)
	p.view.Balances[1].Locked = big.NewInt(130)
	p.mu.Unlock()
	_, err = w.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Reconciler().Pending())
	assert.Equal(t, "420", w.Balances(1).Wallet.String())
	assert.Equal(t, "130", w.Balances(1).Locked.String())

	_, err = w.WithdrawFunds(ctx, 99, nil)
	assert.True(t, common.IsErr(err, common.ErrUnknownWithdrawal))
}

func TestRefreshAll(t *testing.T) {
	p := newFakeProvider()
	r := NewReconciler(nil)
	w1 := NewWallet(Config{Owner: alice.Owner, Key: alice.Key}, p, r)
	w2 := NewWallet(Config{Owner: alice.Owner, Key: alice.Key}, p, r)
	require.NoError(t, RefreshAll(context.Background(), w1, w2))
	assert.Equal(t, 2, p.viewCalls)
	assert.Equal(t, "500", w1.Balances(1).Wallet.String())
}

func TestHTTPProvider(t *testing.T) {
	id := common.TxID{1, 2, 3}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/transactions/"+id.String():
			_ = json.NewEncoder(w).Encode(api.Response{Message: "ok",
				Data: txselector.PoolTx{TxID: id, State: txselector.PoolTxStateCommitted, BlockNum: 7}})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transactions":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Code: "TxExists", Message: "tx exists"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/exits":
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Code: common.ReasonInternal, Message: "boom"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Code: "UnknownAccount", Message: "nope"})
		}
	}))
	defer server.Close()

	p := NewHTTPProvider(server.URL)
	ctx := context.Background()
	tx, err := p.TxStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, txselector.PoolTxStateCommitted, tx.State)
	assert.Equal(t, common.BlockNum(7), tx.BlockNum)

	stx, err := common.SignTx(&common.Transfer{From: 1, To: 2, TokenID: 1, Amount: big.NewInt(1),
		Fee: big.NewInt(1)}, alice.Key)
	require.NoError(t, err)
	_, err = p.SubmitTx(ctx, stx)
	assert.True(t, common.IsErr(err, common.ErrTxExists))

	_, err = p.AccountView(ctx, alice.Owner)
	assert.True(t, common.IsErr(err, common.ErrUnknownAccount))

	_, err = p.RequestExit(ctx, &api.ExitRequest{Owner: alice.Owner, Fee: "20"})
	require.Error(t, err)
	assert.Equal(t, common.ReasonInternal, common.ReasonCode(err))
}
