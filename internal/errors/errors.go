package errors

import (
	"errors"
	"fmt"
)

// Protocol error codes. Every failure surfaced by the lifecycle controller
// wraps exactly one of these.
var (
	ErrNotDue    = errors.New("not due")
	ErrPastGrace = errors.New("past grace period")

	ErrUnauthorized         = errors.New("unauthorized")
	ErrBadDerivation        = errors.New("bad address derivation")
	ErrWrongMint            = errors.New("wrong mint")
	ErrBadTokenAccountOwner = errors.New("bad token account owner")

	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrDelegateMismatch      = errors.New("delegate mismatch")

	ErrInsufficientFunds = errors.New("insufficient funds")

	ErrArithmetic = errors.New("arithmetic overflow")

	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrInvalidPlan           = errors.New("invalid plan")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrWithdrawLimitExceeded = errors.New("withdraw limit exceeded")

	ErrAlreadyActive      = errors.New("subscription already active")
	ErrTrialAlreadyUsed   = errors.New("trial already used")
	ErrPlanAlreadyExists  = errors.New("plan already exists")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrNotFound           = errors.New("not found")

	ErrNoPendingTransfer      = errors.New("no pending authority transfer")
	ErrTransferAlreadyPending = errors.New("authority transfer already pending")
	ErrInvalidTransferTarget  = errors.New("invalid transfer target")

	ErrInactive = errors.New("inactive")
)

// Kind groups codes by what the caller can do about them.
type Kind string

const (
	KindTiming        Kind = "timing"
	KindAuthorization Kind = "authorization"
	KindAllowance     Kind = "allowance"
	KindFunds         Kind = "funds"
	KindArithmetic    Kind = "arithmetic"
	KindConfiguration Kind = "configuration"
	KindLifecycle     Kind = "lifecycle"
	KindAuthority     Kind = "authority"
	KindOperational   Kind = "operational"
	KindInternal      Kind = "internal"
)

var codeKinds = map[error]Kind{
	ErrNotDue:                 KindTiming,
	ErrPastGrace:              KindTiming,
	ErrUnauthorized:           KindAuthorization,
	ErrBadDerivation:          KindAuthorization,
	ErrWrongMint:              KindAuthorization,
	ErrBadTokenAccountOwner:   KindAuthorization,
	ErrInsufficientAllowance:  KindAllowance,
	ErrDelegateMismatch:       KindAllowance,
	ErrInsufficientFunds:      KindFunds,
	ErrArithmetic:             KindArithmetic,
	ErrInvalidConfiguration:   KindConfiguration,
	ErrInvalidPlan:            KindConfiguration,
	ErrInvalidAmount:          KindConfiguration,
	ErrWithdrawLimitExceeded:  KindConfiguration,
	ErrAlreadyActive:          KindLifecycle,
	ErrTrialAlreadyUsed:       KindLifecycle,
	ErrPlanAlreadyExists:      KindLifecycle,
	ErrAlreadyInitialized:     KindLifecycle,
	ErrNotFound:               KindLifecycle,
	ErrNoPendingTransfer:      KindAuthority,
	ErrTransferAlreadyPending: KindAuthority,
	ErrInvalidTransferTarget:  KindAuthority,
	ErrInactive:               KindOperational,
}

// retryableCodes succeed later without anyone changing the request: time
// passes, the payer tops up, or the platform unpauses.
var retryableCodes = map[error]bool{
	ErrNotDue:                true,
	ErrInsufficientAllowance: true,
	ErrInsufficientFunds:     true,
	ErrInactive:              true,
}

// ProtocolError is a structured failure of one protocol operation.
type ProtocolError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "renew", "update_config")
	Code      error  // One of the Err* codes
	Detail    string // Optional context, never shown to payers verbatim
	Retryable bool
}

func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s failed: %v: %s", e.Op, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Code)
}

func (e *ProtocolError) Unwrap() error {
	return e.Code
}

// New creates a ProtocolError for code. Unknown codes are classified as
// internal and not retryable.
func New(op string, code error) *ProtocolError {
	kind, ok := codeKinds[code]
	if !ok {
		kind = KindInternal
	}
	return &ProtocolError{
		Kind:      kind,
		Op:        op,
		Code:      code,
		Retryable: retryableCodes[code],
	}
}

// Newf creates a ProtocolError with a formatted detail.
func Newf(op string, code error, format string, args ...any) *ProtocolError {
	e := New(op, code)
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// WithOp returns err with its operation replaced when it is a
// ProtocolError. Validators report their own op; the controller rebinds it
// to the instruction name without touching the code.
func WithOp(err error, op string) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		clone := *pe
		clone.Op = op
		return &clone
	}
	return err
}

// KindOf returns the kind of a protocol failure, or KindInternal.
func KindOf(err error) Kind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// CodeOf returns the code of a protocol failure, or nil.
func CodeOf(err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return nil
}

// IsRetryableError checks if an operation may succeed later unchanged.
func IsRetryableError(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsAuthError checks if an error is an authorization failure.
func IsAuthError(err error) bool {
	return KindOf(err) == KindAuthorization
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
