package common

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrorClass groups protocol errors by how a caller is expected to react to
// them.
type ErrorClass string

const (
	// ClassMalformed is an input that can never be accepted as sent
	ClassMalformed ErrorClass = "malformed"
	// ClassEconomic is a fee or balance precondition that was not met
	ClassEconomic ErrorClass = "economic"
	// ClassSequencing is an out of order commit, verification or batch
	ClassSequencing ErrorClass = "sequencing"
	// ClassLiveness is a committed block that missed its deadline
	ClassLiveness ErrorClass = "liveness"
	// ClassDrift is a client-side prediction that diverged from the
	// authoritative state
	ClassDrift ErrorClass = "drift"
	// ClassInternal is anything not produced by the protocol rules
	ClassInternal ErrorClass = "internal"
)

// ReasonInternal is the reason code reported for errors that are not protocol
// errors.
const ReasonInternal = "Internal"

// Error is a protocol error.  Code is stable and meant to be shown to users
// as is.
type Error struct {
	Code  string
	Class ErrorClass
	msg   string
}

func (e *Error) Error() string {
	return e.msg
}

var errorsByCode = make(map[string]*Error)

func newError(class ErrorClass, code, msg string) *Error {
	e := &Error{Code: code, Class: class, msg: msg}
	errorsByCode[code] = e
	return e
}

// ErrorByCode returns the protocol error with a reason code, used to rebuild
// errors received over the wire
func ErrorByCode(code string) (*Error, bool) {
	e, ok := errorsByCode[code]
	return e, ok
}

var (
	// ErrAmountOutOfRange is used when an amount can't be represented by a
	// FloatCodec
	ErrAmountOutOfRange = newError(ClassMalformed, "AmountOutOfRange", "amount out of range")
	// ErrInvalidFloatWidth is used when a FloatCodec width is not a
	// multiple of 8 bits, or the encoded bytes have the wrong length
	ErrInvalidFloatWidth = newError(ClassMalformed, "InvalidFloatWidth", "invalid packed float width")
	// ErrFieldOverflow is used when an integer field exceeds its wire width
	ErrFieldOverflow = newError(ClassMalformed, "FieldOverflow", "field overflows its declared width")
	// ErrInvalidTxBytes is used when a packed tx stream can't be parsed
	ErrInvalidTxBytes = newError(ClassMalformed, "InvalidTxBytes", "invalid packed tx bytes")
	// ErrInvalidTxType is used for an unknown tx type tag or name
	ErrInvalidTxType = newError(ClassMalformed, "InvalidTxType", "invalid tx type")
	// ErrInvalidAmount is used when a decimal amount string can't be parsed
	ErrInvalidAmount = newError(ClassMalformed, "InvalidAmount", "invalid decimal amount")
	// ErrSigningDegenerate is used when signing keeps drawing degenerate
	// nonces, which points to a broken randomness source
	ErrSigningDegenerate = newError(ClassInternal, "SigningDegenerate", "signing drew degenerate nonces repeatedly")
	// ErrInvalidSignature is used when a signature doesn't verify
	ErrInvalidSignature = newError(ClassMalformed, "InvalidSignature", "invalid signature")
	// ErrInvalidPublicKey is used when a packed public key doesn't decode
	// to a point of the prime order subgroup
	ErrInvalidPublicKey = newError(ClassMalformed, "InvalidPublicKey", "invalid public key")
	// ErrUnknownAccount is used when an account id or owner is not
	// registered
	ErrUnknownAccount = newError(ClassMalformed, "UnknownAccount", "unknown account")
	// ErrUnknownToken is used when a token id is not registered
	ErrUnknownToken = newError(ClassMalformed, "UnknownToken", "unknown token")
	// ErrTokenExists is used when registering a token address twice
	ErrTokenExists = newError(ClassMalformed, "TokenExists", "token already registered")
	// ErrRequestTokenMismatch is used when a deposit tries to merge a
	// different token into an existing request of the same batch
	ErrRequestTokenMismatch = newError(ClassMalformed, "RequestTokenMismatch",
		"request token differs from the pending request of the account in this batch")
	// ErrNoCancellableRequest is used when there is no request that can
	// still be cancelled
	ErrNoCancellableRequest = newError(ClassMalformed, "NoCancellableRequest", "no cancellable request")
	// ErrOutOfOrderIds is used when account ids are not strictly ascending
	ErrOutOfOrderIds = newError(ClassMalformed, "OutOfOrderIds", "account ids are not strictly ascending")
	// ErrUnknownRequestInBatch is used when a claimed account id has no
	// request in the batch
	ErrUnknownRequestInBatch = newError(ClassMalformed, "UnknownRequestInBatch", "no request for account in batch")
	// ErrBatchContentsChanged is used when the requests claimed by a commit
	// don't match the live requests of the batch
	ErrBatchContentsChanged = newError(ClassSequencing, "BatchContentsChanged", "batch contents changed")
	// ErrInvalidCircuit is used for an unknown circuit
	ErrInvalidCircuit = newError(ClassMalformed, "InvalidCircuit", "invalid circuit")
	// ErrExitPending is used when an account that already requested a full
	// exit in an earlier batch requests another one
	ErrExitPending = newError(ClassMalformed, "ExitPending", "full exit already requested")
	// ErrAccountNotEmpty is used when closing an account that still holds
	// funds
	ErrAccountNotEmpty = newError(ClassMalformed, "AccountNotEmpty", "account is not empty")
	// ErrTxExists is used when a tx is submitted twice
	ErrTxExists = newError(ClassMalformed, "TxExists", "tx already in the pool")
	// ErrTxNotFound is used when a tx id is unknown
	ErrTxNotFound = newError(ClassMalformed, "TxNotFound", "tx not found")
	// ErrPoolFull is used when the tx pool holds its maximum of pending txs
	ErrPoolFull = newError(ClassSequencing, "PoolFull", "the pool is at full capacity")
	// ErrUnknownWithdrawal is used when a withdrawal id is unknown or owned
	// by someone else
	ErrUnknownWithdrawal = newError(ClassMalformed, "UnknownWithdrawal", "unknown withdrawal")
	// ErrUnknownBlock is used when a block number was never committed
	ErrUnknownBlock = newError(ClassMalformed, "UnknownBlock", "unknown block")

	// ErrBatchFeeTooLow is used when the offered fee is below the batch fee
	ErrBatchFeeTooLow = newError(ClassEconomic, "BatchFeeTooLow", "offered fee is lower than the batch fee")
	// ErrInsufficientBalance is used when a balance doesn't cover an
	// operation
	ErrInsufficientBalance = newError(ClassEconomic, "InsufficientBalance", "insufficient balance")

	// ErrOutOfOrderCommit is used when committing anything other than the
	// next block or batch
	ErrOutOfOrderCommit = newError(ClassSequencing, "OutOfOrderCommit", "out of order commit")
	// ErrOutOfOrderVerification is used when verifying anything other than
	// the next block or batch
	ErrOutOfOrderVerification = newError(ClassSequencing, "OutOfOrderVerification", "out of order verification")
	// ErrInvalidProof is used when the proof verdict is negative or was
	// checked against different public inputs
	ErrInvalidProof = newError(ClassSequencing, "InvalidProof", "invalid proof")
	// ErrNonceTooLow is used when a tx nonce was already used
	ErrNonceTooLow = newError(ClassSequencing, "NonceTooLow", "nonce lower than the account nonce")
	// ErrNonceGap is used when a tx nonce is ahead of the account nonce
	ErrNonceGap = newError(ClassSequencing, "NonceGap", "nonce ahead of the account nonce")
	// ErrTxExpired is used when a tx is processed after its goodUntilBlock
	ErrTxExpired = newError(ClassSequencing, "TxExpired", "tx expired")

	// ErrDeadlineMissed is used when a committed block was not verified
	// before its deadline
	ErrDeadlineMissed = newError(ClassLiveness, "DeadlineMissed", "block not verified before its deadline")

	// ErrWaitTimeout is used when waiting for a tx ran out of time without
	// a verdict
	ErrWaitTimeout = newError(ClassDrift, "WaitTimeout", "timed out waiting for tx")
	// ErrNonceUnknown is used when the local nonce tracking was reset and
	// must be fetched again
	ErrNonceUnknown = newError(ClassDrift, "NonceUnknown", "nonce unknown")
	// ErrInvalidRequest is used when a request body or parameter can't be
	// parsed
	ErrInvalidRequest = newError(ClassMalformed, "InvalidRequest", "invalid request")
	// ErrStateDrift is used when replaying a verified block does not lead
	// to its verified root
	ErrStateDrift = newError(ClassDrift, "StateDrift", "replayed state diverged")
)

// ErrNotInFF is used when the *big.Int does not fit inside the Finite Field
var ErrNotInFF = errors.New("BigInt not inside the Finite Field")

// ErrDone is used when a function returns earlier due to a cancelled context
var ErrDone = errors.New("done")

// IsErrDone returns true if the error or wrapped error is ErrDone
func IsErrDone(err error) bool {
	return Unwrap(err) == ErrDone
}

// ShortfallError is an economic failure carrying how much was required and
// how much was available.
type ShortfallError struct {
	Err       *Error
	Required  *big.Int
	Available *big.Int
}

// NewShortfallError returns a wrapped *ShortfallError
func NewShortfallError(err *Error, required, available *big.Int) error {
	return Wrap(&ShortfallError{
		Err:       err,
		Required:  new(big.Int).Set(required),
		Available: new(big.Int).Set(available),
	})
}

// Shortfall returns Required - Available
func (e *ShortfallError) Shortfall() *big.Int {
	return new(big.Int).Sub(e.Required, e.Available)
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("%v: required %v, available %v, short by %v",
		e.Err, e.Required, e.Available, e.Shortfall())
}

// Unwrap returns the protocol error
func (e *ShortfallError) Unwrap() error {
	return e.Err
}

// IsErr reports whether err, once its stack trace wrapper is removed, matches
// target.
func IsErr(err, target error) bool {
	return errors.Is(Unwrap(err), target)
}

// AsError returns the protocol error wrapped by err, if any
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(Unwrap(err), &e) {
		return e, true
	}
	return nil, false
}

// ReasonCode returns the user facing reason code of err
func ReasonCode(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ReasonInternal
}

// ClassOf returns the ErrorClass of err
func ClassOf(err error) ErrorClass {
	if e, ok := AsError(err); ok {
		return e.Class
	}
	return ClassInternal
}
