package discount

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/lifecycle"
	"github.com/xenking/kart-cashback/internal/domain/money"
)

// Kind enumerates how a reason suggests its amount.
type Kind string

const (
	// KindManual leaves the amount entirely to the person applying it.
	KindManual Kind = "manual"
	// KindPercentage suggests a percentage of the order subtotal.
	KindPercentage Kind = "percentage"
	// KindFixed suggests a fixed amount capped at the subtotal.
	KindFixed Kind = "fixed"
	// KindFreeLowest suggests the unit price of the cheapest item.
	KindFreeLowest Kind = "free_lowest"
)

// ErrReasonNotFound is returned when a discount reason does not exist.
var ErrReasonNotFound = errors.Wrap(apperr.ErrNotFound, "discount reason")

// Reason is an entry of the discount reason catalogue.
type Reason struct {
	ID       string
	Name     string
	Kind     Kind
	Value    decimal.Decimal
	MinItems int
	Active   bool
	lifecycle.Lifecycle
}

// Usable reports whether new discounts may reference the reason.
func (r *Reason) Usable() bool {
	return r.Active && !r.Deleted()
}

// NotEligibleError reports an order that does not meet a reason's minimum
// item count.
type NotEligibleError struct {
	ReasonID string
	MinItems int
	Items    int
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("discount reason %s requires %d items, order has %d", e.ReasonID, e.MinItems, e.Items)
}

// Unwrap classifies the error as a validation failure.
func (e *NotEligibleError) Unwrap() error {
	return apperr.ErrValidation
}

// Suggest computes the amount the reason grants for lines. Manual reasons
// suggest zero.
func (r *Reason) Suggest(lines []Line) (decimal.Decimal, error) {
	if qty := totalQuantity(lines); r.MinItems > 0 && qty < r.MinItems {
		return decimal.Zero, &NotEligibleError{ReasonID: r.ID, MinItems: r.MinItems, Items: qty}
	}

	subtotal := calcSubtotal(lines)
	switch r.Kind {
	case KindManual:
		return decimal.Zero, nil
	case KindPercentage:
		return money.FloorAtZero(money.Percent(subtotal, r.Value)), nil
	case KindFixed:
		return money.Round(money.FloorAtZero(decimal.Min(r.Value, subtotal))), nil
	case KindFreeLowest:
		return money.Round(money.FloorAtZero(lowestUnitPrice(lines))), nil
	default:
		return decimal.Zero, errors.Errorf("unsupported discount kind: %q", r.Kind)
	}
}

// ReasonRepository looks up discount reasons.
type ReasonRepository interface {
	FindByID(ctx context.Context, id string) (*Reason, error)
}

func calcSubtotal(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Subtotal())
	}
	return sum
}

func totalQuantity(lines []Line) int {
	total := 0
	for _, l := range lines {
		total += l.Quantity
	}
	return total
}

// lowestUnitPrice returns zero for no lines.
func lowestUnitPrice(lines []Line) decimal.Decimal {
	if len(lines) == 0 {
		return decimal.Zero
	}
	lowest := lines[0].UnitPrice
	for _, l := range lines[1:] {
		if l.UnitPrice.LessThan(lowest) {
			lowest = l.UnitPrice
		}
	}
	return lowest
}
