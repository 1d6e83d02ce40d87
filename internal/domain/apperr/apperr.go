// Package apperr defines the error kinds every domain operation reports.
// Domain packages wrap these sentinels so callers can classify any error
// with errors.Is or KindOf without knowing which package produced it.
package apperr

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition marks a state-machine precondition violation.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInsufficientStock marks a stock shortage.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientBalance marks a cashback redemption above the available balance.
	ErrInsufficientBalance = errors.New("insufficient cashback balance")
	// ErrNotFound marks an unknown order, customer, product or discount reason.
	ErrNotFound = errors.New("not found")
	// ErrInvariantViolation marks ledger or aggregate corruption. It is never
	// the caller's fault.
	ErrInvariantViolation = errors.New("internal invariant violation")
)

// ValidationError describes a single malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

// Validation returns a *ValidationError for field.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Unwrap makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invariant returns an ErrInvariantViolation carrying a description.
func Invariant(format string, args ...any) error {
	return errors.Wrap(ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Kind classifies an error for callers translating it into a response.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindInvalidTransition
	KindInsufficientStock
	KindInsufficientBalance
	KindNotFound
)

var kindNames = map[Kind]string{
	KindInternal:            "internal",
	KindValidation:          "validation",
	KindInvalidTransition:   "invalid_transition",
	KindInsufficientStock:   "insufficient_stock",
	KindInsufficientBalance: "insufficient_balance",
	KindNotFound:            "not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Recoverable reports whether the caller can act on the error. Internal
// errors abort the unit of work and surface as server faults.
func (k Kind) Recoverable() bool {
	return k != KindInternal
}

// KindOf maps err to its kind. Errors that wrap none of the sentinels,
// including ErrInvariantViolation, are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvariantViolation):
		return KindInternal
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
