package discount

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/money"
)

// DefaultMaxPercent caps discounts applied by non-managers.
var DefaultMaxPercent = decimal.NewFromInt(20)

// Policy decides whether a discount needs a manager. Role checks belong to
// the caller; Policy only does the percentage math.
type Policy struct {
	MaxPercent decimal.Decimal
}

// ExceedsLimitError reports a non-manager discount above the allowed share.
type ExceedsLimitError struct {
	Percent decimal.Decimal
	Limit   decimal.Decimal
}

func (e *ExceedsLimitError) Error() string {
	return fmt.Sprintf("discount of %s%% exceeds the %s%% limit without manager approval",
		e.Percent.StringFixed(2), e.Limit.String())
}

// Unwrap classifies the error as a validation failure.
func (e *ExceedsLimitError) Unwrap() error {
	return apperr.ErrValidation
}

// Share returns amount as a percentage of gross.
func (p Policy) Share(amount, gross decimal.Decimal) decimal.Decimal {
	return money.ShareOf(amount, gross)
}

// Authorize rejects discounts above MaxPercent of gross unless isManager.
func (p Policy) Authorize(amount, gross decimal.Decimal, isManager bool) error {
	if isManager {
		return nil
	}
	limit := p.MaxPercent
	if limit.IsZero() {
		limit = DefaultMaxPercent
	}
	if share := p.Share(amount, gross); share.GreaterThan(limit) {
		return &ExceedsLimitError{Percent: share, Limit: limit}
	}
	return nil
}
