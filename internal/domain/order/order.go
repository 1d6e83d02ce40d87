package order

import (
	"context"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/lifecycle"
	"github.com/xenking/kart-cashback/internal/domain/money"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Channel tells online orders from in-person sales.
type Channel string

const (
	ChannelOnline   Channel = "online"
	ChannelInPerson Channel = "in_person"
)

// DeliveryType selects how the order reaches the customer.
type DeliveryType string

const (
	DeliveryCourier DeliveryType = "delivery"
	DeliveryPickup  DeliveryType = "pickup"
)

// PaymentMethod is how the order is paid.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentOnline PaymentMethod = "online"
)

func (m PaymentMethod) valid() bool {
	return m == PaymentCash || m == PaymentCard || m == PaymentOnline
}

// Item is one product line. Name and price are snapshots taken when the
// line was added.
type Item struct {
	ProductID      string
	ProductName    string
	Quantity       int
	UnitPrice      decimal.Decimal
	DiscountAmount decimal.Decimal
}

// Subtotal returns UnitPrice × Quantity.
func (i Item) Subtotal() decimal.Decimal {
	return money.Line(i.UnitPrice, i.Quantity)
}

// Order is one sale. Totals are derived by Recalculate and are never
// edited directly.
type Order struct {
	ID              string
	Number          string
	CustomerID      string
	SellerID        string
	Channel         Channel
	OrderedAt       time.Time
	Status          Status
	Items           []Item
	Discounts       []discount.Discount
	GrossTotal      decimal.Decimal
	DiscountTotal   decimal.Decimal
	CashbackUsed    decimal.Decimal
	DeliveryFee     decimal.Decimal
	FinalPrice      decimal.Decimal
	PaymentMethod   PaymentMethod
	PaidAt          *time.Time
	DeliveryType    DeliveryType
	DeliveryAddress string
	CancelReason    string
	CashbackEarned  decimal.Decimal
	lifecycle.Lifecycle
}

// OnlineParams are the inputs of a customer-initiated order.
type OnlineParams struct {
	ID              string
	Number          string
	CustomerID      string
	Items           []Item
	PaymentMethod   PaymentMethod
	DeliveryType    DeliveryType
	DeliveryAddress string
	Now             time.Time
}

// NewOnline builds a pending order placed by a customer.
func NewOnline(p OnlineParams) (*Order, error) {
	if p.CustomerID == "" {
		return nil, apperr.Validation("customer_id", "required")
	}
	if !p.PaymentMethod.valid() {
		return nil, apperr.Validation("payment_method", "unsupported payment method %q", p.PaymentMethod)
	}
	switch p.DeliveryType {
	case DeliveryPickup:
	case DeliveryCourier:
		if p.DeliveryAddress == "" {
			return nil, apperr.Validation("delivery_address", "required for delivery")
		}
	default:
		return nil, apperr.Validation("delivery_type", "unsupported delivery type %q", p.DeliveryType)
	}

	o := &Order{
		ID:              p.ID,
		Number:          p.Number,
		CustomerID:      p.CustomerID,
		Channel:         ChannelOnline,
		OrderedAt:       p.Now,
		Status:          StatusPending,
		PaymentMethod:   p.PaymentMethod,
		DeliveryType:    p.DeliveryType,
		DeliveryAddress: p.DeliveryAddress,
		Lifecycle:       lifecycle.New(p.Now, p.CustomerID),
	}
	if err := o.setItems(p.Items); err != nil {
		return nil, err
	}
	return o, nil
}

// InPersonParams are the inputs of a seller-initiated sale.
type InPersonParams struct {
	ID         string
	Number     string
	CustomerID string
	SellerID   string
	Items      []Item
	Now        time.Time
}

// NewInPerson builds a confirmed, cash-paid pickup order rung up by a seller.
func NewInPerson(p InPersonParams) (*Order, error) {
	if p.SellerID == "" {
		return nil, apperr.Validation("seller_id", "required for in-person orders")
	}
	paidAt := p.Now
	o := &Order{
		ID:            p.ID,
		Number:        p.Number,
		CustomerID:    p.CustomerID,
		SellerID:      p.SellerID,
		Channel:       ChannelInPerson,
		OrderedAt:     p.Now,
		Status:        StatusConfirmed,
		PaymentMethod: PaymentCash,
		PaidAt:        &paidAt,
		DeliveryType:  DeliveryPickup,
		Lifecycle:     lifecycle.New(p.Now, p.SellerID),
	}
	if err := o.setItems(p.Items); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Order) setItems(items []Item) error {
	if len(items) == 0 {
		return ErrEmptyItems
	}
	seen := make(map[string]struct{}, len(items))
	o.Items = make([]Item, 0, len(items))
	for _, it := range items {
		if err := validateItem(it); err != nil {
			return err
		}
		if _, dup := seen[it.ProductID]; dup {
			return apperr.Validation("items", "product %s listed twice", it.ProductID)
		}
		seen[it.ProductID] = struct{}{}
		it.DiscountAmount = decimal.Zero
		o.Items = append(o.Items, it)
	}
	o.CashbackUsed = decimal.Zero
	o.DeliveryFee = decimal.Zero
	o.CashbackEarned = decimal.Zero
	return o.Recalculate()
}

func validateItem(it Item) error {
	if it.ProductID == "" {
		return apperr.Validation("product_id", "required")
	}
	if it.Quantity <= 0 {
		return &InvalidQuantityError{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	if it.UnitPrice.IsNegative() {
		return apperr.Validation("unit_price", "negative price for product %s", it.ProductID)
	}
	return nil
}

// Item returns the line for productID.
func (o *Order) Item(productID string) (Item, bool) {
	idx := slices.IndexFunc(o.Items, func(x Item) bool { return x.ProductID == productID })
	if idx < 0 {
		return Item{}, false
	}
	return o.Items[idx], true
}

// Paid reports whether payment has been recorded.
func (o *Order) Paid() bool {
	return o.PaidAt != nil
}

// Recalculate derives every total from items, active discounts, redeemed
// cashback and the delivery fee, then spreads the discount over items.
// It is deterministic and idempotent.
func (o *Order) Recalculate() error {
	gross := decimal.Zero
	for _, it := range o.Items {
		gross = gross.Add(it.Subtotal())
	}
	o.GrossTotal = money.Round(gross)
	o.DiscountTotal = money.Round(discount.Sum(o.Discounts))

	if o.DiscountTotal.Add(o.CashbackUsed).GreaterThan(o.GrossTotal) {
		return apperr.Validation("total", "discounts %s and cashback %s exceed gross total %s",
			o.DiscountTotal.StringFixed(money.Places),
			o.CashbackUsed.StringFixed(money.Places),
			o.GrossTotal.StringFixed(money.Places))
	}
	if err := o.DistributeDiscount(); err != nil {
		return err
	}

	o.FinalPrice = money.Round(money.FloorAtZero(
		o.GrossTotal.Sub(o.DiscountTotal).Sub(o.CashbackUsed).Add(o.DeliveryFee),
	))
	return nil
}

// DistributeDiscount spreads DiscountTotal over items, cheapest first.
func (o *Order) DistributeDiscount() error {
	shares, err := discount.Distribute(o.Lines(), o.DiscountTotal)
	if err != nil {
		return err
	}
	for i := range o.Items {
		o.Items[i].DiscountAmount = shares[i]
	}
	return nil
}

// Lines returns the pricing view of the items.
func (o *Order) Lines() []discount.Line {
	lines := make([]discount.Line, len(o.Items))
	for i, it := range o.Items {
		lines[i] = discount.Line{ProductID: it.ProductID, UnitPrice: it.UnitPrice, Quantity: it.Quantity}
	}
	return lines
}

// clone deep-copies the slices so a failed mutation leaves o untouched.
func (o *Order) clone() *Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	c.Discounts = slices.Clone(o.Discounts)
	return &c
}

// mutate applies fn to a copy and keeps the result only if fn and the
// following recalculation both succeed.
func (o *Order) mutate(fn func(next *Order) error) error {
	next := o.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.Recalculate(); err != nil {
		return err
	}
	*o = *next
	return nil
}

// SetDeliveryFee replaces the delivery fee.
func (o *Order) SetDeliveryFee(fee decimal.Decimal) error {
	if fee.IsNegative() {
		return apperr.Validation("delivery_fee", "must not be negative")
	}
	return o.mutate(func(next *Order) error {
		next.DeliveryFee = money.Round(fee)
		return nil
	})
}

// RedeemCashback records the cashback amount paid towards the order. It is
// only allowed while the order is pending.
func (o *Order) RedeemCashback(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.Validation("cashback", "must not be negative")
	}
	if o.Status != StatusPending {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Action: "redeem cashback"}
	}
	return o.mutate(func(next *Order) error {
		next.CashbackUsed = money.Round(amount)
		return nil
	})
}

// SetItemQuantity adds, changes or removes (quantity 0) the line for
// it.ProductID and returns the change in ordered quantity. A new line
// takes its name and price from it; an existing line keeps its snapshot.
func (o *Order) SetItemQuantity(it Item, now time.Time, actor string) (int, error) {
	if o.Status != StatusPending && o.Status != StatusConfirmed {
		return 0, &InvalidTransitionError{OrderID: o.ID, From: o.Status, Action: "update items"}
	}
	if it.Quantity < 0 {
		return 0, &InvalidQuantityError{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	var delta int
	err := o.mutate(func(next *Order) error {
		idx := slices.IndexFunc(next.Items, func(x Item) bool { return x.ProductID == it.ProductID })
		switch {
		case idx < 0 && it.Quantity == 0:
			return apperr.Validation("product_id", "product %s is not on the order", it.ProductID)
		case idx < 0:
			if err := validateItem(it); err != nil {
				return err
			}
			it.DiscountAmount = decimal.Zero
			next.Items = append(next.Items, it)
			delta = it.Quantity
		case it.Quantity == 0:
			if len(next.Items) == 1 {
				return ErrEmptyItems
			}
			delta = -next.Items[idx].Quantity
			next.Items = slices.Delete(next.Items, idx, idx+1)
		default:
			delta = it.Quantity - next.Items[idx].Quantity
			next.Items[idx].Quantity = it.Quantity
		}
		next.Touch(now, actor)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return delta, nil
}

// DiscountInput describes a discount to apply.
type DiscountInput struct {
	ID        string
	ReasonID  string
	Amount    decimal.Decimal
	AppliedBy string
	Note      string
}

// ApplyDiscount records a discount and recomputes totals.
func (o *Order) ApplyDiscount(in DiscountInput, now time.Time) (*discount.Discount, error) {
	if o.Status.Terminal() {
		return nil, &InvalidTransitionError{OrderID: o.ID, From: o.Status, Action: "apply discount"}
	}
	amount := money.Round(in.Amount)
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount", "discount must be positive, got %s", in.Amount)
	}
	if amount.GreaterThan(o.GrossTotal) {
		return nil, apperr.Validation("amount", "discount %s exceeds gross total %s",
			amount.StringFixed(money.Places), o.GrossTotal.StringFixed(money.Places))
	}
	if in.ReasonID == "" {
		return nil, apperr.Validation("reason_id", "required")
	}
	appliedBy := in.AppliedBy
	if appliedBy == "" {
		appliedBy = lifecycle.System
	}

	d := discount.Discount{
		ID:        in.ID,
		ReasonID:  in.ReasonID,
		Amount:    amount,
		AppliedBy: appliedBy,
		Note:      in.Note,
		AppliedAt: now,
		Lifecycle: lifecycle.New(now, appliedBy),
	}
	err := o.mutate(func(next *Order) error {
		next.Discounts = append(next.Discounts, d)
		next.Touch(now, appliedBy)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// RemoveDiscount soft-deletes an active discount and recomputes totals.
func (o *Order) RemoveDiscount(id string, now time.Time, actor string) error {
	if o.Status.Terminal() {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Action: "remove discount"}
	}
	return o.mutate(func(next *Order) error {
		idx := slices.IndexFunc(next.Discounts, func(d discount.Discount) bool {
			return d.ID == id && !d.Deleted()
		})
		if idx < 0 {
			return &DiscountNotFoundError{OrderID: o.ID, DiscountID: id}
		}
		next.Discounts[idx].Delete(now, actor)
		next.Touch(now, actor)
		return nil
	})
}

// ActiveDiscounts returns the discounts that have not been removed.
func (o *Order) ActiveDiscounts() []discount.Discount {
	return lifecycle.Active(o.Discounts)
}

// CashbackEligible reports whether the order has been paid and delivered
// to a known customer.
func (o *Order) CashbackEligible() bool {
	return o.Status == StatusDelivered && o.Paid() && o.CustomerID != ""
}

// EligibleCashback returns ratePercent percent of the final price, rounded
// half away from zero. It is zero for ineligible orders.
func (o *Order) EligibleCashback(ratePercent decimal.Decimal) decimal.Decimal {
	if !o.CashbackEligible() {
		return decimal.Zero
	}
	return money.Percent(o.FinalPrice, ratePercent)
}

// Repository persists orders together with their items and discounts.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Update(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	// GetByIDForUpdate locks the order row until the unit of work ends.
	GetByIDForUpdate(ctx context.Context, id string) (*Order, error)
}

// CartItem is one line of a customer's cart.
type CartItem struct {
	ProductID string
	Quantity  int
}

// CartRepository empties a customer's cart once its contents became an order.
type CartRepository interface {
	Clear(ctx context.Context, customerID string) error
}
