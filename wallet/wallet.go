/*
Package wallet is the client side of the rollup.  A Wallet signs and submits
the txs of an owner, calls the base ledger on its behalf and keeps, through a
Reconciler, two views of its balances in every tier: the authoritative one,
last read from the node, and the computed one, which adds the predicted effect
of the operations whose outcome is not known yet.
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"tokamak-settlement/api"
	"tokamak-settlement/common"
	"tokamak-settlement/log"
	"tokamak-settlement/txselector"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// TxFailedError is returned when a tx was rejected by the operator
type TxFailedError struct {
	ID     common.TxID
	Reason string
}

func (e *TxFailedError) Error() string {
	return fmt.Sprintf("tx %s failed: %s", e.ID, e.Reason)
}

// Unwrap returns the protocol error of the reason, if known
func (e *TxFailedError) Unwrap() error {
	if err, ok := common.ErrorByCode(e.Reason); ok {
		return err
	}
	return nil
}

// Config is the Wallet configuration
type Config struct {
	Owner ethCommon.Address
	Key   *common.PrivateKey
	// PollInterval is the wait between two tx status checks
	PollInterval time.Duration
}

// Wallet of an owner
type Wallet struct {
	cfg        Config
	provider   Provider
	reconciler *Reconciler
	nonces     *NonceTracker

	submitMu sync.Mutex
	rw       sync.RWMutex
	idx      common.AccountIdx
	txOps    map[common.TxID]OpID
	// ledgerOps take effect on the base ledger when the call returns, they
	// are resolved by the next refresh
	ledgerOps []OpID
	// withdrawTokens maps locked withdrawal ids to their token
	withdrawTokens map[uint64]common.TokenID
}

// NewWallet creates a Wallet.  Wallets can share a Reconciler.
func NewWallet(cfg Config, provider Provider, reconciler *Reconciler) *Wallet {
	if reconciler == nil {
		reconciler = NewReconciler(nil)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	w := &Wallet{
		cfg:            cfg,
		provider:       provider,
		reconciler:     reconciler,
		txOps:          make(map[common.TxID]OpID),
		withdrawTokens: make(map[uint64]common.TokenID),
	}
	w.nonces = NewNonceTracker(w.fetchNonce)
	return w
}

// Owner returns the owner of the wallet
func (w *Wallet) Owner() ethCommon.Address {
	return w.cfg.Owner
}

// Reconciler returns the Reconciler of the wallet
func (w *Wallet) Reconciler() *Reconciler {
	return w.reconciler
}

// Balances returns the computed balances of token
func (w *Wallet) Balances(token common.TokenID) *common.Balances {
	return w.reconciler.Computed(BalanceKey{w.cfg.Owner, token})
}

func (w *Wallet) fetchNonce(ctx context.Context) (common.Nonce, error) {
	view, err := w.provider.AccountView(ctx, w.cfg.Owner)
	if err != nil {
		return 0, common.Wrap(err)
	}
	w.rw.Lock()
	w.idx = view.Idx
	w.rw.Unlock()
	return view.Nonce, nil
}

func (w *Wallet) accountIdx(ctx context.Context) (common.AccountIdx, error) {
	w.rw.RLock()
	idx := w.idx
	w.rw.RUnlock()
	if idx != 0 {
		return idx, nil
	}
	if _, err := w.Refresh(ctx); err != nil {
		return 0, common.Wrap(err)
	}
	w.rw.RLock()
	idx = w.idx
	w.rw.RUnlock()
	if idx == 0 {
		return 0, common.Wrap(fmt.Errorf("%w: %s", common.ErrUnknownAccount, w.cfg.Owner.Hex()))
	}
	return idx, nil
}

// Refresh reads the authoritative view of the owner and reconciles the
// computed balances with it
func (w *Wallet) Refresh(ctx context.Context) (*common.AccountView, error) {
	w.rw.Lock()
	ledgerOps := w.ledgerOps
	w.ledgerOps = nil
	w.rw.Unlock()

	view, err := w.provider.AccountView(ctx, w.cfg.Owner)
	if err != nil {
		w.rw.Lock()
		w.ledgerOps = append(ledgerOps, w.ledgerOps...)
		w.rw.Unlock()
		return nil, common.Wrap(err)
	}
	w.reconciler.Refresh(view)
	for _, op := range ledgerOps {
		w.reconciler.Resolve(op)
	}
	w.nonces.Observe(view.Nonce)

	w.rw.Lock()
	w.idx = view.Idx
	for _, info := range view.Withdrawals {
		w.withdrawTokens[info.ID] = info.TokenID
	}
	w.rw.Unlock()
	return view, nil
}

// submit signs and submits tx, then records its prediction with apply
func (w *Wallet) submit(ctx context.Context, tx common.L2Tx,
	apply func() OpID) (common.TxID, error) {
	stx, err := common.SignTx(tx, w.cfg.Key)
	if err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	id, err := w.provider.SubmitTx(ctx, stx)
	if err != nil {
		w.nonces.MarkFailed()
		return common.TxID{}, common.Wrap(err)
	}
	w.nonces.Add()
	op := apply()
	w.rw.Lock()
	w.txOps[id] = op
	w.rw.Unlock()
	log.Debugw("Wallet: tx submitted", "owner", w.cfg.Owner.Hex(), "id", id, "type", tx.Type(),
		"nonce", tx.TxNonce())
	return id, nil
}

// Transfer sends amount of token to the account to.  The amount and fee are
// rounded to their packed precision.
func (w *Wallet) Transfer(ctx context.Context, to common.AccountIdx, token common.TokenID,
	amount, fee *big.Int) (common.TxID, error) {
	w.submitMu.Lock()
	defer w.submitMu.Unlock()
	from, err := w.accountIdx(ctx)
	if err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	nonce, err := w.nonces.NextNonce(ctx)
	if err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	tx := &common.Transfer{From: from, To: to, TokenID: token, Amount: amount, Fee: fee, Nonce: nonce}
	rounded, err := tx.Rounded()
	if err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	return w.submit(ctx, tx, func() OpID {
		return w.reconciler.ApplyTransfer(w.cfg.Owner, token, rounded.Amount, rounded.Fee)
	})
}

// Withdraw moves amount of token out of the rollup to ethAddress, the owner
// when zero.  The funds become locked on the base ledger once the block is
// verified.
func (w *Wallet) Withdraw(ctx context.Context, token common.TokenID, amount, fee *big.Int,
	ethAddress ethCommon.Address) (common.TxID, error) {
	w.submitMu.Lock()
	defer w.submitMu.Unlock()
	if ethAddress == (ethCommon.Address{}) {
		ethAddress = w.cfg.Owner
	}
	from, err := w.accountIdx(ctx)
	if err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	nonce, err := w.nonces.NextNonce(ctx)
	if err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	tx := &common.Withdraw{From: from, TokenID: token, Amount: amount, Fee: fee,
		EthAddress: ethAddress, Nonce: nonce}
	rounded, err := tx.Rounded()
	if err != nil {
		return common.TxID{}, common.Wrap(err)
	}
	return w.submit(ctx, tx, func() OpID {
		if ethAddress != w.cfg.Owner {
			return w.reconciler.ApplyTransfer(w.cfg.Owner, token, rounded.Amount, rounded.Fee)
		}
		return w.reconciler.ApplyWithdraw(w.cfg.Owner, token, rounded.Amount, rounded.Fee)
	})
}

func (w *Wallet) addLedgerOp(op OpID) {
	w.rw.Lock()
	w.ledgerOps = append(w.ledgerOps, op)
	w.rw.Unlock()
}

// Deposit requests a deposit of amount of token, registering the owner with
// the wallet key on its first deposit
func (w *Wallet) Deposit(ctx context.Context, token common.TokenID,
	amount, fee *big.Int) (*api.Receipt, error) {
	receipt, err := w.provider.RequestDeposit(ctx, &api.DepositRequest{
		Owner:  w.cfg.Owner,
		PubKey: w.cfg.Key.Public(),
		Token:  token,
		Amount: amount.String(),
		Fee:    fee.String(),
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	w.addLedgerOp(w.reconciler.ApplyDeposit(w.cfg.Owner, token, amount, receipt.FeeCharged))
	return receipt, nil
}

// Exit requests a full exit of the account
func (w *Wallet) Exit(ctx context.Context, fee *big.Int) (*api.Receipt, error) {
	receipt, err := w.provider.RequestExit(ctx, &api.ExitRequest{Owner: w.cfg.Owner, Fee: fee.String()})
	if err != nil {
		return nil, common.Wrap(err)
	}
	w.addLedgerOp(w.reconciler.ApplyExitRequest(w.cfg.Owner, receipt.FeeCharged))
	return receipt, nil
}

// WithdrawFunds pulls amount of a locked withdrawal into the wallet.  A nil
// amount pulls everything left.
func (w *Wallet) WithdrawFunds(ctx context.Context, id uint64,
	amount *big.Int) (*common.FinalizedWithdrawal, error) {
	w.rw.RLock()
	token, ok := w.withdrawTokens[id]
	w.rw.RUnlock()
	if !ok {
		if _, err := w.Refresh(ctx); err != nil {
			return nil, common.Wrap(err)
		}
		w.rw.RLock()
		token, ok = w.withdrawTokens[id]
		w.rw.RUnlock()
		if !ok {
			return nil, common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownWithdrawal, id))
		}
	}
	req := &api.WithdrawFundsRequest{Owner: w.cfg.Owner, ID: id}
	if amount != nil {
		req.Amount = amount.String()
	}
	fw, err := w.provider.WithdrawFunds(ctx, req)
	if err != nil {
		return nil, common.Wrap(err)
	}
	w.addLedgerOp(w.reconciler.ApplyWithdrawFunds(w.cfg.Owner, token, fw.Amount))
	return fw, nil
}

// resolveTx forgets the prediction of a tx with a known outcome and refreshes
// the authoritative view
func (w *Wallet) resolveTx(ctx context.Context, id common.TxID) {
	w.rw.Lock()
	op, ok := w.txOps[id]
	delete(w.txOps, id)
	w.rw.Unlock()
	if ok {
		w.reconciler.Resolve(op)
	}
	if _, err := w.Refresh(ctx); err != nil {
		log.Warnw("Wallet: refresh after tx outcome", "id", id, "err", err)
	}
}

func waitErr(ctx context.Context, id common.TxID) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return common.Wrap(fmt.Errorf("%w: tx %s", common.ErrWaitTimeout, id))
	}
	return common.Wrap(ctx.Err())
}

// WaitForVerification polls the status of a submitted tx until it is
// verified or failed.  A failed tx returns a *TxFailedError and resets the
// nonce tracking.  When ctx ends first it returns ErrWaitTimeout for a
// deadline and context.Canceled otherwise, leaving the prediction of the tx
// in place.
func (w *Wallet) WaitForVerification(ctx context.Context, id common.TxID) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		tx, err := w.provider.TxStatus(ctx, id)
		if ctx.Err() != nil {
			return waitErr(ctx, id)
		}
		if err != nil {
			return common.Wrap(err)
		}
		switch tx.State {
		case txselector.PoolTxStateVerified:
			w.resolveTx(ctx, id)
			return nil
		case txselector.PoolTxStateFailed:
			w.nonces.MarkFailed()
			w.resolveTx(ctx, id)
			return common.Wrap(&TxFailedError{ID: id, Reason: tx.FailReason})
		}
		select {
		case <-ctx.Done():
			return waitErr(ctx, id)
		case <-ticker.C:
		}
	}
}

// RefreshAll refreshes wallets concurrently
func RefreshAll(ctx context.Context, wallets ...*Wallet) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range wallets {
		w := w
		g.Go(func() error {
			_, err := w.Refresh(ctx)
			return common.Wrap(err)
		})
	}
	return common.Wrap(g.Wait())
}
