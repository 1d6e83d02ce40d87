package discount

import (
	"slices"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
)

// Distribute spreads total over lines, cheapest unit price first, each line
// absorbing min(remaining, subtotal). Lines with equal prices keep their
// original order. The result is indexed like lines.
func Distribute(lines []Line, total decimal.Decimal) ([]decimal.Decimal, error) {
	if total.IsNegative() {
		return nil, apperr.Validation("discount", "cannot distribute negative amount %s", total)
	}
	shares := make([]decimal.Decimal, len(lines))
	for i := range shares {
		shares[i] = decimal.Zero
	}

	order := make([]int, len(lines))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return lines[a].UnitPrice.Cmp(lines[b].UnitPrice)
	})

	remaining := total
	for _, idx := range order {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, lines[idx].Subtotal())
		shares[idx] = take
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return nil, apperr.Validation("discount", "total %s exceeds item subtotals by %s",
			total.StringFixed(2), remaining.StringFixed(2))
	}
	return shares, nil
}
