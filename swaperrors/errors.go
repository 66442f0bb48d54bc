// Package swaperrors defines the typed error taxonomy shared across the
// nursery's components. Every error that crosses a package boundary and
// needs to influence a state transition or a retry policy should be a
// *swaperrors.Error, so callers can `errors.As` into it instead of matching
// on error strings.
package swaperrors

import "fmt"

// Kind classifies the origin and retry policy of an error, per the error
// handling table.
type Kind uint8

const (
	// TransientRpc indicates a chain or Lightning RPC I/O failure that
	// should be retried with backoff.
	TransientRpc Kind = iota

	// PermanentRpc indicates a rejected broadcast or invalid script; the
	// swap must transition to a failure state.
	PermanentRpc

	// PaymentFailure indicates a terminal Lightning payment failure
	// (NO_ROUTE, TIMEOUT, ...). The swap becomes refundable by the user.
	PaymentFailure

	// ValidationFailure indicates bad input supplied at swap creation,
	// surfaced to the caller before anything is persisted.
	ValidationFailure

	// InvariantViolation indicates a state mismatch discovered on load;
	// the nursery must abort and refuse to proceed.
	InvariantViolation

	// Timeout indicates a normal expiry path triggered by block height.
	Timeout
)

// String returns a human-readable name for the error kind.
func (k Kind) String() string {
	switch k {
	case TransientRpc:
		return "TransientRpc"
	case PermanentRpc:
		return "PermanentRpc"
	case PaymentFailure:
		return "PaymentFailure"
	case ValidationFailure:
		return "ValidationFailure"
	case InvariantViolation:
		return "InvariantViolation"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Domain identifies which subsystem raised an error, used as the code
// prefix (e.g. "Swap-001").
type Domain string

const (
	DomainSwap  Domain = "Swap"
	DomainChain Domain = "Chain"
	DomainLnd   Domain = "Lightning"
	DomainStore Domain = "Store"
	DomainWallet Domain = "Wallet"
)

// Error is the structured error type carried across package boundaries.
type Error struct {
	Kind   Kind
	Domain Domain
	Code   int
	Msg    string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s-%03d: %s: %v", e.Domain, e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s-%03d: %s", e.Domain, e.Code, e.Msg)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeString returns the domain-prefixed error code, e.g. "Swap-001".
func (e *Error) CodeString() string {
	return fmt.Sprintf("%s-%03d", e.Domain, e.Code)
}

// New creates a new structured error.
func New(kind Kind, domain Domain, code int, msg string) *Error {
	return &Error{Kind: kind, Domain: domain, Code: code, Msg: msg}
}

// Wrap wraps an existing error with structured swap-error metadata.
func Wrap(kind Kind, domain Domain, code int, msg string, err error) *Error {
	return &Error{Kind: kind, Domain: domain, Code: code, Msg: msg, Err: err}
}

// Sentinel errors used across packages for common conditions that don't
// need a full domain code (e.g. "not found" lookups).
var (
	// ErrNotFound is returned by store lookups that find no match.
	ErrNotFound = New(ValidationFailure, DomainStore, 1, "not found")

	// ErrAlreadyExists is returned when a create call would violate the
	// unique-id or unique-preimage-hash invariant.
	ErrAlreadyExists = New(ValidationFailure, DomainStore, 2, "already exists")

	// ErrNoOp is returned by a transition call that would be a no-op
	// because the target status was already recorded.
	ErrNoOp = New(ValidationFailure, DomainStore, 3, "no-op transition")

	// ErrInsufficientAmount corresponds to the builder's INSUFFICIENT_AMOUNT
	// condition.
	ErrInsufficientAmount = New(
		ValidationFailure, DomainSwap, 10, "insufficient lockup amount",
	)

	// ErrScriptTypeNotFound corresponds to the builder's
	// SCRIPT_TYPE_NOT_FOUND condition.
	ErrScriptTypeNotFound = New(
		ValidationFailure, DomainSwap, 11, "unknown output type",
	)
)
