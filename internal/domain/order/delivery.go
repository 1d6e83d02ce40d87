package order

import "github.com/shopspring/decimal"

// DeliveryPolicy prices courier delivery. Pickup is always free.
type DeliveryPolicy struct {
	Fee decimal.Decimal
	// FreeFrom waives the fee when the gross total reaches it. Zero disables
	// the waiver.
	FreeFrom decimal.Decimal
}

// FeeFor returns the delivery fee for an order of gross total.
func (p DeliveryPolicy) FeeFor(t DeliveryType, gross decimal.Decimal) decimal.Decimal {
	if t == DeliveryPickup {
		return decimal.Zero
	}
	if p.FreeFrom.IsPositive() && gross.GreaterThanOrEqual(p.FreeFrom) {
		return decimal.Zero
	}
	return p.Fee
}
