package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/money"
)

// --- Helpers ---

var now = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func items() []Item {
	return []Item{
		{ProductID: "p1", ProductName: "Coffee", Quantity: 2, UnitPrice: d("150")},
		{ProductID: "p2", ProductName: "Mug", Quantity: 1, UnitPrice: d("40")},
	}
}

func newOnline(t *testing.T, dt DeliveryType) *Order {
	t.Helper()
	addr := ""
	if dt == DeliveryCourier {
		addr = "1 Main St"
	}
	o, err := NewOnline(OnlineParams{
		ID: "o1", Number: "N1", CustomerID: "c1", Items: items(),
		PaymentMethod: PaymentCard, DeliveryType: dt, DeliveryAddress: addr, Now: now,
	})
	require.NoError(t, err)
	return o
}

func assertTotals(t *testing.T, o *Order) {
	t.Helper()
	want := money.FloorAtZero(o.GrossTotal.Sub(o.DiscountTotal).Sub(o.CashbackUsed).Add(o.DeliveryFee))
	assert.True(t, want.Equal(o.FinalPrice), "final %s, want %s", o.FinalPrice, want)
	assert.True(t, discount.Sum(o.Discounts).Equal(o.DiscountTotal))
	perItem := decimal.Zero
	for _, it := range o.Items {
		assert.False(t, it.DiscountAmount.IsNegative())
		assert.False(t, it.DiscountAmount.GreaterThan(it.Subtotal()))
		perItem = perItem.Add(it.DiscountAmount)
	}
	assert.True(t, perItem.Equal(o.DiscountTotal), "item discounts %s, total %s", perItem, o.DiscountTotal)
}

// --- Tests ---

func TestNewOnline(t *testing.T) {
	o := newOnline(t, DeliveryCourier)

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, ChannelOnline, o.Channel)
	assert.True(t, d("340").Equal(o.GrossTotal))
	assert.True(t, d("340").Equal(o.FinalPrice))
	assert.False(t, o.Paid())
	assertTotals(t, o)
}

func TestNewOnline_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params OnlineParams
	}{
		{name: "no items", params: OnlineParams{CustomerID: "c1", PaymentMethod: PaymentCash, DeliveryType: DeliveryPickup}},
		{name: "no customer", params: OnlineParams{Items: items(), PaymentMethod: PaymentCash, DeliveryType: DeliveryPickup}},
		{name: "missing address", params: OnlineParams{CustomerID: "c1", Items: items(), PaymentMethod: PaymentCash, DeliveryType: DeliveryCourier}},
		{name: "bad payment", params: OnlineParams{CustomerID: "c1", Items: items(), PaymentMethod: "barter", DeliveryType: DeliveryPickup}},
		{name: "bad delivery", params: OnlineParams{CustomerID: "c1", Items: items(), PaymentMethod: PaymentCash, DeliveryType: "drone"}},
		{name: "zero quantity", params: OnlineParams{CustomerID: "c1", PaymentMethod: PaymentCash, DeliveryType: DeliveryPickup,
			Items: []Item{{ProductID: "p1", Quantity: 0, UnitPrice: d("1")}}}},
		{name: "duplicate product", params: OnlineParams{CustomerID: "c1", PaymentMethod: PaymentCash, DeliveryType: DeliveryPickup,
			Items: []Item{{ProductID: "p1", Quantity: 1, UnitPrice: d("1")}, {ProductID: "p1", Quantity: 2, UnitPrice: d("1")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOnline(tt.params)
			require.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestNewInPerson(t *testing.T) {
	o, err := NewInPerson(InPersonParams{ID: "o2", SellerID: "s1", CustomerID: "c1", Items: items(), Now: now})
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, o.Status)
	assert.Equal(t, ChannelInPerson, o.Channel)
	assert.Equal(t, PaymentCash, o.PaymentMethod)
	assert.Equal(t, DeliveryPickup, o.DeliveryType)
	assert.True(t, o.Paid())

	err = o.RedeemCashback(d("10"))
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestTransitions_HappyPaths(t *testing.T) {
	courier := newOnline(t, DeliveryCourier)
	require.NoError(t, courier.Confirm(now, "s1"))
	require.NoError(t, courier.MarkPreparing(now, "s1"))
	require.NoError(t, courier.MarkShipped(now, "s1"))
	require.NoError(t, courier.MarkPaid(now, "c1"))
	require.NoError(t, courier.MarkDelivered(now, "s1"))
	assert.Equal(t, StatusDelivered, courier.Status)
	assert.True(t, courier.CashbackEligible())

	pickup := newOnline(t, DeliveryPickup)
	require.NoError(t, pickup.Confirm(now, "s1"))
	require.NoError(t, pickup.MarkPreparing(now, "s1"))
	require.NoError(t, pickup.MarkReadyForPickup(now, "s1"))
	require.NoError(t, pickup.MarkPaid(now, "c1"))
	require.NoError(t, pickup.MarkDelivered(now, "s1"))
	assert.Equal(t, StatusDelivered, pickup.Status)
}

func TestTransitions_Guards(t *testing.T) {
	tests := []struct {
		name  string
		setup func(o *Order)
		dt    DeliveryType
		act   func(o *Order) error
	}{
		{
			name: "deliver unpaid",
			dt:   DeliveryCourier,
			setup: func(o *Order) {
				o.Status = StatusShipped
			},
			act: func(o *Order) error { return o.MarkDelivered(now, "s1") },
		},
		{
			name: "ship pickup order",
			dt:   DeliveryPickup,
			setup: func(o *Order) {
				o.Status = StatusPreparing
			},
			act: func(o *Order) error { return o.MarkShipped(now, "s1") },
		},
		{
			name: "ready for pickup on courier order",
			dt:   DeliveryCourier,
			setup: func(o *Order) {
				o.Status = StatusPreparing
			},
			act: func(o *Order) error { return o.MarkReadyForPickup(now, "s1") },
		},
		{
			name:  "prepare pending",
			dt:    DeliveryCourier,
			setup: func(*Order) {},
			act:   func(o *Order) error { return o.MarkPreparing(now, "s1") },
		},
		{
			name: "confirm twice",
			dt:   DeliveryCourier,
			setup: func(o *Order) {
				o.Status = StatusConfirmed
			},
			act: func(o *Order) error { return o.Confirm(now, "s1") },
		},
		{
			name: "cancel preparing",
			dt:   DeliveryCourier,
			setup: func(o *Order) {
				o.Status = StatusPreparing
			},
			act: func(o *Order) error { return o.Cancel("late", now, "c1") },
		},
		{
			name: "pay cancelled",
			dt:   DeliveryCourier,
			setup: func(o *Order) {
				o.Status = StatusCancelled
			},
			act: func(o *Order) error { return o.MarkPaid(now, "c1") },
		},
		{
			name: "pay twice",
			dt:   DeliveryCourier,
			setup: func(o *Order) {
				paid := now
				o.PaidAt = &paid
			},
			act: func(o *Order) error { return o.MarkPaid(now, "c1") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOnline(t, tt.dt)
			tt.setup(o)
			before := o.Status

			err := tt.act(o)

			var te *InvalidTransitionError
			require.ErrorAs(t, err, &te)
			require.ErrorIs(t, err, apperr.ErrInvalidTransition)
			assert.Equal(t, before, o.Status)
		})
	}
}

func TestCancel_StampsDeletion(t *testing.T) {
	o := newOnline(t, DeliveryPickup)
	require.NoError(t, o.Cancel("changed mind", now, "c1"))

	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, "changed mind", o.CancelReason)
	assert.True(t, o.Deleted())
	assert.True(t, o.Status.Terminal())
}

func TestDiscounts_TotalInvariant(t *testing.T) {
	o := newOnline(t, DeliveryCourier)
	require.NoError(t, o.SetDeliveryFee(d("25")))
	require.NoError(t, o.RedeemCashback(d("100")))

	first, err := o.ApplyDiscount(DiscountInput{ID: "d1", ReasonID: "r1", Amount: d("50"), AppliedBy: "s1"}, now)
	require.NoError(t, err)
	assertTotals(t, o)
	assert.True(t, d("215").Equal(o.FinalPrice))
	assert.True(t, d("40").Equal(o.Items[1].DiscountAmount), "cheapest line absorbs first")
	assert.True(t, d("10").Equal(o.Items[0].DiscountAmount))

	_, err = o.ApplyDiscount(DiscountInput{ID: "d2", ReasonID: "r1", Amount: d("30"), AppliedBy: "s1"}, now)
	require.NoError(t, err)
	assertTotals(t, o)
	assert.True(t, d("185").Equal(o.FinalPrice))

	require.NoError(t, o.RemoveDiscount(first.ID, now, "s1"))
	assertTotals(t, o)
	assert.True(t, d("30").Equal(o.DiscountTotal))
	assert.Len(t, o.Discounts, 2)
	assert.Len(t, o.ActiveDiscounts(), 1)

	err = o.RemoveDiscount(first.ID, now, "s1")
	require.ErrorIs(t, err, discount.ErrNotFound)
}

func TestApplyDiscount_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		prepare func(o *Order)
		wantErr error
	}{
		{name: "zero", amount: "0", wantErr: apperr.ErrValidation},
		{name: "negative", amount: "-1", wantErr: apperr.ErrValidation},
		{name: "above gross", amount: "340.01", wantErr: apperr.ErrValidation},
		{
			name:   "cashback leaves no room",
			amount: "100",
			prepare: func(o *Order) {
				require.NoError(t, o.RedeemCashback(d("300")))
			},
			wantErr: apperr.ErrValidation,
		},
		{
			name:   "delivered",
			amount: "1",
			prepare: func(o *Order) {
				o.Status = StatusDelivered
			},
			wantErr: apperr.ErrInvalidTransition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOnline(t, DeliveryPickup)
			if tt.prepare != nil {
				tt.prepare(o)
			}
			before := o.FinalPrice

			_, err := o.ApplyDiscount(DiscountInput{ID: "d", ReasonID: "r", Amount: d(tt.amount)}, now)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, before.Equal(o.FinalPrice))
			assert.Empty(t, o.Discounts)
		})
	}
}

func TestSetItemQuantity(t *testing.T) {
	o := newOnline(t, DeliveryPickup)

	delta, err := o.SetItemQuantity(Item{ProductID: "p1", Quantity: 5}, now, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, delta)
	assert.True(t, d("790").Equal(o.GrossTotal))

	delta, err = o.SetItemQuantity(Item{ProductID: "p3", ProductName: "Spoon", Quantity: 2, UnitPrice: d("2.50")}, now, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, delta)
	assert.Len(t, o.Items, 3)

	delta, err = o.SetItemQuantity(Item{ProductID: "p2", Quantity: 0}, now, "c1")
	require.NoError(t, err)
	assert.Equal(t, -1, delta)
	assert.True(t, d("755").Equal(o.GrossTotal))
	assertTotals(t, o)

	_, err = o.SetItemQuantity(Item{ProductID: "nope", Quantity: 0}, now, "c1")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSetItemQuantity_KeepsDiscountCap(t *testing.T) {
	o := newOnline(t, DeliveryPickup)
	_, err := o.ApplyDiscount(DiscountInput{ID: "d1", ReasonID: "r", Amount: d("300")}, now)
	require.NoError(t, err)

	_, err = o.SetItemQuantity(Item{ProductID: "p1", Quantity: 1}, now, "c1")
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 2, o.Items[0].Quantity)
	assertTotals(t, o)
}

func TestSetItemQuantity_RejectsLastLineAndLateStates(t *testing.T) {
	o, err := NewOnline(OnlineParams{
		ID: "o1", CustomerID: "c1", PaymentMethod: PaymentCash, DeliveryType: DeliveryPickup, Now: now,
		Items: []Item{{ProductID: "p1", Quantity: 1, UnitPrice: d("3")}},
	})
	require.NoError(t, err)

	_, err = o.SetItemQuantity(Item{ProductID: "p1", Quantity: 0}, now, "c1")
	require.ErrorIs(t, err, ErrEmptyItems)

	o.Status = StatusPreparing
	_, err = o.SetItemQuantity(Item{ProductID: "p1", Quantity: 2}, now, "c1")
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestRecalculate_Idempotent(t *testing.T) {
	o := newOnline(t, DeliveryCourier)
	require.NoError(t, o.SetDeliveryFee(d("9.99")))
	_, err := o.ApplyDiscount(DiscountInput{ID: "d1", ReasonID: "r", Amount: d("33.33")}, now)
	require.NoError(t, err)

	snapshot := *o
	require.NoError(t, o.Recalculate())
	require.NoError(t, o.Recalculate())
	assert.True(t, snapshot.FinalPrice.Equal(o.FinalPrice))
	assert.True(t, snapshot.DiscountTotal.Equal(o.DiscountTotal))
}

func TestFinalPriceFloorsAtZero(t *testing.T) {
	o := newOnline(t, DeliveryPickup)
	require.NoError(t, o.RedeemCashback(d("240")))
	_, err := o.ApplyDiscount(DiscountInput{ID: "d1", ReasonID: "r", Amount: d("100")}, now)
	require.NoError(t, err)

	assert.True(t, o.FinalPrice.IsZero())
	assertTotals(t, o)
}

func TestEligibleCashback(t *testing.T) {
	o := newOnline(t, DeliveryPickup)
	_, err := o.ApplyDiscount(DiscountInput{ID: "d1", ReasonID: "r", Amount: d("339.75")}, now)
	require.NoError(t, err)
	assert.True(t, o.EligibleCashback(DefaultCashbackRate).IsZero(), "not delivered yet")

	paid := now
	o.PaidAt = &paid
	o.Status = StatusDelivered

	// 0.25 × 2% = 0.005 rounds away from zero.
	assert.True(t, d("0.01").Equal(o.EligibleCashback(DefaultCashbackRate)))
}

func TestDeliveryPolicy(t *testing.T) {
	p := DeliveryPolicy{Fee: d("15"), FreeFrom: d("500")}

	assert.True(t, d("15").Equal(p.FeeFor(DeliveryCourier, d("499.99"))))
	assert.True(t, p.FeeFor(DeliveryCourier, d("500")).IsZero())
	assert.True(t, p.FeeFor(DeliveryPickup, d("10")).IsZero())
	assert.True(t, d("15").Equal(DeliveryPolicy{Fee: d("15")}.FeeFor(DeliveryCourier, d("10000"))))
}
