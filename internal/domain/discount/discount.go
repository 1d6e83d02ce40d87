// Package discount holds the order discount bookkeeping: discount records,
// the reason catalogue, per-item distribution and the approval policy.
package discount

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/lifecycle"
)

// ErrNotFound is returned for an unknown discount on an order.
var ErrNotFound = errors.Wrap(apperr.ErrNotFound, "discount")

// Discount is one discount event applied to an order. Removing it
// soft-deletes the record; it stays on the order for audit.
type Discount struct {
	ID        string
	ReasonID  string
	Amount    decimal.Decimal
	AppliedBy string
	Note      string
	AppliedAt time.Time
	lifecycle.Lifecycle
}

// Sum adds the amounts of the discounts that are not deleted.
func Sum(discounts []Discount) decimal.Decimal {
	total := decimal.Zero
	for _, d := range lifecycle.Active(discounts) {
		total = total.Add(d.Amount)
	}
	return total
}

// Line is the pricing view of an order item.
type Line struct {
	ProductID string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Subtotal returns UnitPrice × Quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}
