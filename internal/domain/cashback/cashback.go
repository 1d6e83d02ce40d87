// Package cashback implements the customer cashback ledger: an append-only
// log of dated credits (earned) and debits (used, expired) drained
// soonest-to-expire first.
package cashback

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/lifecycle"
)

// Kind enumerates ledger entry kinds.
type Kind string

const (
	// KindEarned credits the customer. Only earned entries carry a remaining amount.
	KindEarned Kind = "earned"
	// KindUsed debits an earned entry for a redemption.
	KindUsed Kind = "used"
	// KindExpired debits what was left of an earned entry past its expiry.
	KindExpired Kind = "expired"
)

// DefaultExpiryWindow is how long an earned credit stays spendable.
const DefaultExpiryWindow = 30 * 24 * time.Hour

var (
	// ErrNotFound is returned when a ledger entry does not exist.
	ErrNotFound = errors.Wrap(apperr.ErrNotFound, "cashback transaction")
	// ErrDuplicate is returned by Repository.Insert when the idempotency key
	// is already taken.
	ErrDuplicate = errors.New("duplicate cashback idempotency key")
	// ErrKeyConflict is returned when an idempotency key is reused for a
	// different customer or amount.
	ErrKeyConflict = errors.Wrap(apperr.ErrValidation, "idempotency key reused with different customer or amount")
)

// InsufficientBalanceError reports a redemption above the available balance.
type InsufficientBalanceError struct {
	CustomerID string
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient cashback balance for customer %s: requested %s, available %s",
		e.CustomerID, e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

// Unwrap makes errors.Is(err, apperr.ErrInsufficientBalance) hold.
func (e *InsufficientBalanceError) Unwrap() error {
	return apperr.ErrInsufficientBalance
}

// Transaction is one ledger entry.
//
// Earned entries start with RemainingAmount == Amount and only ever see
// RemainingAmount and ConsumedAt change afterwards. Used and Expired entries
// have a negative Amount, a zero RemainingAmount and point at the earned
// entry they drew from through SourceID.
type Transaction struct {
	ID             string
	Number         string
	CustomerID     string
	OrderID        string
	SourceID       string
	Kind           Kind
	Amount         decimal.Decimal
	Remaining      decimal.Decimal
	EarnedAt       time.Time
	ExpiresAt      *time.Time
	ConsumedAt     *time.Time
	Description    string
	IdempotencyKey string
	lifecycle.Lifecycle
}

// Spendable reports whether the entry can still be drawn from at now.
func (t *Transaction) Spendable(now time.Time) bool {
	return t.Kind == KindEarned && t.Remaining.IsPositive() &&
		t.ExpiresAt != nil && t.ExpiresAt.After(now)
}

// Lapsed reports whether the entry has remaining credit past its expiry.
func (t *Transaction) Lapsed(now time.Time) bool {
	return t.Kind == KindEarned && t.Remaining.IsPositive() &&
		t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// draw takes up to amount from the entry and returns what was taken.
func (t *Transaction) draw(amount decimal.Decimal, now time.Time) decimal.Decimal {
	taken := decimal.Min(t.Remaining, amount)
	t.Remaining = t.Remaining.Sub(taken)
	if t.Remaining.IsZero() {
		t.ConsumedAt = &now
	}
	t.Touch(now, lifecycle.System)
	return taken
}

// EarnKey is the idempotency key of the credit earned by a delivered order.
func EarnKey(orderID string) string {
	return orderID + ":earn"
}

// RefundKey is the idempotency key of the compensating credit issued when
// an order that redeemed cashback is cancelled.
func RefundKey(orderID string) string {
	return orderID + ":refund"
}

// Window bounds a sum over earned entries by expiry: After < expires_at and,
// when Before is non-zero, expires_at <= Before.
type Window struct {
	After  time.Time
	Before time.Time
}

// Repository persists ledger entries. Methods suffixed ForUpdate lock the
// returned rows until the surrounding unit of work ends.
type Repository interface {
	Insert(ctx context.Context, tx *Transaction) error
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	// ListSpendableForUpdate returns earned entries with remaining credit
	// expiring after now, ordered by expires_at ascending.
	ListSpendableForUpdate(ctx context.Context, customerID string, now time.Time) ([]Transaction, error)
	// ListLapsedForUpdate returns earned entries with remaining credit whose
	// expires_at is at or before now.
	ListLapsedForUpdate(ctx context.Context, customerID string, now time.Time) ([]Transaction, error)
	// ListCustomersWithLapsed returns up to limit customers owning lapsed entries.
	ListCustomersWithLapsed(ctx context.Context, now time.Time, limit int) ([]string, error)
	UpdateRemaining(ctx context.Context, tx *Transaction) error
	// SumRemaining adds the remaining credit of earned entries inside w.
	SumRemaining(ctx context.Context, customerID string, w Window) (decimal.Decimal, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Transaction, error)
}
