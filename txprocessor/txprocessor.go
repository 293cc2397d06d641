/*
Package txprocessor is the module that takes transactions and batched requests
and applies them to a StateDB, updating the Balances and Nonces of the
Accounts and the account MerkleTree.

It is used by two packages, with the same rules:

  - BatchBuilder: builds the next block of the operator.  L2 txs that fail
    are rejected with a typed reason and left out of the block, the rest
    produce the packed public data and the fee totals of the block.
  - Synchronizer: replays the packed txs of a verified block.  A verified
    block must replay cleanly, so any rejection is an error.

Each processed L2 tx includes:
  - checking the nonce and the goodUntilBlock expiry
  - rounding amount and fee down to the values the wire form carries
  - updating the sender and receiver balances and the sender nonce
  - summing the fee into the per-token fee totals of the block
*/
package txprocessor

import (
	"fmt"
	"math/big"

	"tokamak-settlement/batchqueue"
	"tokamak-settlement/common"
	"tokamak-settlement/database/statedb"
	"tokamak-settlement/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Config contains the TxProcessor configuration parameters
type Config struct {
	// MaxTxs is the maximum number of L2 txs accepted in a block.  0 means
	// no limit.
	MaxTxs int
}

// RejectedTx is an L2 tx left out of a block
type RejectedTx struct {
	ID     common.TxID
	Tx     common.L2Tx
	Err    error
	Reason string
}

// ProcessTxOutput contains the output of the Process methods
type ProcessTxOutput struct {
	// Txs are the records of the block, padding included
	Txs       []common.Tx
	PackedTxs []byte
	Fees      common.FeeTotals
	Rejected  []RejectedTx
	NewRoot   ethCommon.Hash
	// UpdatedAccounts is the last version of every account touched
	UpdatedAccounts map[common.AccountIdx]*common.Account
}

// TxProcessor represents the TxProcessor object
type TxProcessor struct {
	state           *statedb.StateDB
	config          Config
	updatedAccounts map[common.AccountIdx]*common.Account
}

// NewTxProcessor returns a new TxProcessor with the given *StateDB & Config
func NewTxProcessor(state *statedb.StateDB, config Config) *TxProcessor {
	return &TxProcessor{
		state:  state,
		config: config,
	}
}

func (tp *TxProcessor) reset() {
	tp.updatedAccounts = make(map[common.AccountIdx]*common.Account)
}

func (tp *TxProcessor) output(txs []common.Tx, fees common.FeeTotals,
	rejected []RejectedTx) (*ProcessTxOutput, error) {
	packed, err := common.PackTxs(txs)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if fees == nil {
		fees = make(common.FeeTotals)
	}
	return &ProcessTxOutput{
		Txs:             txs,
		PackedTxs:       packed,
		Fees:            fees,
		Rejected:        rejected,
		NewRoot:         tp.state.Root(),
		UpdatedAccounts: tp.updatedAccounts,
	}, nil
}

// isRejection tells tx failures apart from storage failures
func isRejection(err error) bool {
	e, ok := common.AsError(err)
	return ok && e.Class != common.ClassInternal
}

// ProcessL2Txs applies txs in order for inclusion in block blockNum.  Failing
// txs are rejected and skipped; storage errors abort.
func (tp *TxProcessor) ProcessL2Txs(blockNum common.BlockNum,
	txs []common.L2Tx) (*ProcessTxOutput, error) {
	tp.reset()
	fees := make(common.FeeTotals)
	var accepted []common.Tx
	var rejected []RejectedTx
	for _, tx := range txs {
		if tp.config.MaxTxs > 0 && len(accepted) >= tp.config.MaxTxs {
			break
		}
		rounded, err := common.RoundTx(tx)
		if err == nil {
			err = tp.applyL2Tx(blockNum, rounded)
		}
		if err != nil {
			if !isRejection(err) {
				return nil, common.Wrap(err)
			}
			id, idErr := common.NewTxID(tx)
			if idErr != nil {
				log.Warnw("TxProcessor: tx without id rejected", "err", idErr)
			}
			log.Debugw("TxProcessor: tx rejected", "tx", id, "err", err)
			rejected = append(rejected, RejectedTx{ID: id, Tx: tx, Err: err, Reason: common.ReasonCode(err)})
			continue
		}
		token, fee := common.TxFee(rounded)
		fees.Add(token, fee)
		accepted = append(accepted, rounded)
	}
	return tp.output(accepted, fees, rejected)
}

// ProcessDeposits credits the deposit requests of a batch, creating the
// accounts deposited to for the first time.  The records are padded up to
// size slots.
func (tp *TxProcessor) ProcessDeposits(reqs []*batchqueue.Request, size int) (*ProcessTxOutput, error) {
	tp.reset()
	txs := make([]common.Tx, 0, size)
	for _, req := range reqs {
		deposit := &common.Deposit{
			Idx:     req.AccountIdx,
			TokenID: req.Token,
			Amount:  new(big.Int).Set(req.Amount),
			Owner:   req.Owner,
			PubKey:  req.PubKey,
		}
		if err := tp.applyDeposit(deposit); err != nil {
			return nil, common.Wrap(err)
		}
		txs = append(txs, deposit)
	}
	for len(txs) < size {
		txs = append(txs, &common.Deposit{Amount: big.NewInt(0)})
	}
	return tp.output(txs, nil, nil)
}

// ProcessExits empties and clears the accounts of the exit requests of a
// batch.  Every account gets one record per token it holds, or a single zero
// record when it holds nothing.  An account without a live leaf, because its
// first deposit was cancelled or is not applied yet, also gets a single zero
// record and no leaf is touched.  The records are padded with one zero record
// per empty slot up to size slots.
func (tp *TxProcessor) ProcessExits(reqs []*batchqueue.Request, size int) (*ProcessTxOutput, error) {
	tp.reset()
	var txs []common.Tx
	for _, req := range reqs {
		account, err := tp.liveAccount(req.AccountIdx)
		if err != nil {
			return nil, common.Wrap(err)
		}
		if account == nil {
			txs = append(txs, &common.FullExit{Idx: req.AccountIdx, Owner: req.Owner, Amount: big.NewInt(0)})
			continue
		}
		tokens := account.Tokens()
		if len(tokens) == 0 {
			txs = append(txs, &common.FullExit{Idx: req.AccountIdx, Owner: req.Owner, Amount: big.NewInt(0)})
		}
		for _, token := range tokens {
			txs = append(txs, &common.FullExit{
				Idx:     req.AccountIdx,
				Owner:   req.Owner,
				TokenID: token,
				Amount:  account.Balance(token),
			})
		}
		if err := tp.clearAccount(req.AccountIdx); err != nil {
			return nil, common.Wrap(err)
		}
	}
	for i := len(reqs); i < size; i++ {
		txs = append(txs, &common.FullExit{Amount: big.NewInt(0)})
	}
	return tp.output(txs, nil, nil)
}

// ProcessPacked replays the packed records of a verified block
func (tp *TxProcessor) ProcessPacked(blockNum common.BlockNum, circuit common.Circuit,
	packed []byte) (*ProcessTxOutput, error) {
	tp.reset()
	txs, err := common.DecodeTxs(packed)
	if err != nil {
		return nil, common.Wrap(err)
	}
	fees := make(common.FeeTotals)
	exited := make(map[common.AccountIdx]bool)
	var exitOrder []common.AccountIdx
	for i, tx := range txs {
		if tx.Type().Circuit() != circuit {
			return nil, common.Wrap(fmt.Errorf("%w: record %d is a %s in a %s block",
				common.ErrInvalidTxBytes, i, tx.Type(), circuit))
		}
		switch rec := tx.(type) {
		case *common.Deposit:
			if rec.IsPadding() {
				continue
			}
			err = tp.applyDeposit(rec)
		case *common.FullExit:
			if rec.IsPadding() {
				continue
			}
			var live bool
			live, err = tp.checkExit(rec)
			if live && !exited[rec.Idx] {
				exited[rec.Idx] = true
				exitOrder = append(exitOrder, rec.Idx)
			}
		case common.L2Tx:
			err = tp.applyL2Tx(blockNum, rec)
			token, fee := common.TxFee(rec)
			fees.Add(token, fee)
		}
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("replaying record %d of block %d: %w", i, blockNum, common.Unwrap(err)))
		}
	}
	for _, idx := range exitOrder {
		if err := tp.clearAccount(idx); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return tp.output(txs, fees, nil)
}

// liveAccount returns the account of idx, or nil when it has no leaf or its
// leaf was cleared
func (tp *TxProcessor) liveAccount(idx common.AccountIdx) (*common.Account, error) {
	account, err := tp.state.GetAccount(idx)
	if common.IsErr(err, common.ErrUnknownAccount) {
		return nil, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	if account.Owner == (ethCommon.Address{}) {
		return nil, nil
	}
	return account, nil
}

// getAccount returns a live account.  Cleared accounts are unknown.
func (tp *TxProcessor) getAccount(idx common.AccountIdx) (*common.Account, error) {
	if idx == common.EmptyAccountIdx {
		return nil, common.Wrap(fmt.Errorf("%w: %d", common.ErrUnknownAccount, idx))
	}
	account, err := tp.state.GetAccount(idx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if account.Owner == (ethCommon.Address{}) {
		return nil, common.Wrap(fmt.Errorf("%w: %d was closed", common.ErrUnknownAccount, idx))
	}
	return account, nil
}

func (tp *TxProcessor) updateAccount(account *common.Account) error {
	if _, err := tp.state.UpdateAccount(account); err != nil {
		return common.Wrap(err)
	}
	tp.updatedAccounts[account.Idx] = account
	return nil
}

func (tp *TxProcessor) clearAccount(idx common.AccountIdx) error {
	if err := tp.state.ClearAccount(idx); err != nil {
		return common.Wrap(err)
	}
	delete(tp.updatedAccounts, idx)
	return nil
}

func checkNonce(account *common.Account, tx common.L2Tx) error {
	switch n := tx.TxNonce(); {
	case n < account.Nonce:
		return common.Wrap(fmt.Errorf("%w: tx nonce %d, account %d nonce %d",
			common.ErrNonceTooLow, n, account.Idx, account.Nonce))
	case n > account.Nonce:
		return common.Wrap(fmt.Errorf("%w: tx nonce %d, account %d nonce %d",
			common.ErrNonceGap, n, account.Idx, account.Nonce))
	}
	return nil
}

// debit subtracts amount + fee of token from account
func debit(account *common.Account, token common.TokenID, amount, fee *big.Int) error {
	required := new(big.Int).Add(amount, fee)
	balance := account.Balance(token)
	if balance.Cmp(required) < 0 {
		return common.NewShortfallError(common.ErrInsufficientBalance, required, balance)
	}
	account.SetBalance(token, balance.Sub(balance, required))
	return nil
}

func (tp *TxProcessor) applyL2Tx(blockNum common.BlockNum, tx common.L2Tx) error {
	from, err := tp.getAccount(tx.FromIdx())
	if err != nil {
		return common.Wrap(err)
	}
	if err := checkNonce(from, tx); err != nil {
		return common.Wrap(err)
	}
	if until := common.TxGoodUntil(tx); until != 0 && blockNum > until {
		return common.Wrap(fmt.Errorf("%w: good until block %d, block %d",
			common.ErrTxExpired, until, blockNum))
	}

	switch t := tx.(type) {
	case *common.Transfer:
		return tp.applyTransfer(from, t)
	case *common.Withdraw:
		if err := debit(from, t.TokenID, t.Amount, common.BigIntOrZero(t.Fee)); err != nil {
			return common.Wrap(err)
		}
		from.Nonce++
		return tp.updateAccount(from)
	case *common.Close:
		if !from.IsEmpty() {
			return common.Wrap(fmt.Errorf("%w: %d", common.ErrAccountNotEmpty, from.Idx))
		}
		from.Nonce++
		if err := tp.updateAccount(from); err != nil {
			return common.Wrap(err)
		}
		return tp.clearAccount(from.Idx)
	}
	return common.Wrap(fmt.Errorf("%w: %v", common.ErrInvalidTxType, tx.Type()))
}

func (tp *TxProcessor) applyTransfer(from *common.Account, tx *common.Transfer) error {
	to, err := tp.getAccount(tx.To)
	if err != nil {
		return common.Wrap(err)
	}
	if err := debit(from, tx.TokenID, tx.Amount, common.BigIntOrZero(tx.Fee)); err != nil {
		return common.Wrap(err)
	}
	from.Nonce++
	if to.Idx == from.Idx {
		to = from
	}
	to.SetBalance(tx.TokenID, new(big.Int).Add(to.Balance(tx.TokenID), tx.Amount))
	if err := tp.updateAccount(from); err != nil {
		return common.Wrap(err)
	}
	if to != from {
		return tp.updateAccount(to)
	}
	return nil
}

func (tp *TxProcessor) applyDeposit(tx *common.Deposit) error {
	account, err := tp.state.GetAccount(tx.Idx)
	if common.IsErr(err, common.ErrUnknownAccount) {
		account = common.NewAccount(tx.Idx, tx.Owner, tx.PubKey)
		account.SetBalance(tx.TokenID, tx.Amount)
		if _, err := tp.state.CreateAccount(account); err != nil {
			return common.Wrap(err)
		}
		tp.updatedAccounts[account.Idx] = account
		return nil
	} else if err != nil {
		return common.Wrap(err)
	}
	if account.Owner == (ethCommon.Address{}) {
		// a deposit batched before the exit of its account was verified
		restored := common.NewAccount(tx.Idx, tx.Owner, tx.PubKey)
		restored.Nonce = account.Nonce
		restored.SetBalance(tx.TokenID, tx.Amount)
		if err := tp.state.RestoreAccount(restored); err != nil {
			return common.Wrap(err)
		}
		tp.updatedAccounts[restored.Idx] = restored
		return nil
	}
	account.SetBalance(tx.TokenID, new(big.Int).Add(account.Balance(tx.TokenID), tx.Amount))
	return tp.updateAccount(account)
}

// checkExit checks that an exit record takes the whole balance of its token.
// An account without a live leaf only accepts a single zero record.  live
// tells whether the leaf has to be cleared.
func (tp *TxProcessor) checkExit(tx *common.FullExit) (live bool, err error) {
	account, err := tp.liveAccount(tx.Idx)
	if err != nil {
		return false, common.Wrap(err)
	}
	if account == nil {
		if tx.TokenID != common.NativeTokenID || tx.Amount.Sign() != 0 {
			return false, common.Wrap(fmt.Errorf("%w: exit of %s token %d from account %d without a leaf",
				common.ErrInvalidTxBytes, tx.Amount, tx.TokenID, tx.Idx))
		}
		return false, nil
	}
	if balance := account.Balance(tx.TokenID); balance.Cmp(tx.Amount) != 0 {
		return false, common.Wrap(fmt.Errorf("%w: exit of %s token %d from account %d holding %s",
			common.ErrInvalidTxBytes, tx.Amount, tx.TokenID, tx.Idx, balance))
	}
	return true, nil
}
