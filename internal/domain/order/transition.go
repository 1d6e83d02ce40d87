package order

import (
	"slices"
	"time"
)

func (o *Order) transition(action string, to Status, now time.Time, actor string, from ...Status) error {
	if !slices.Contains(from, o.Status) {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Action: action}
	}
	o.Status = to
	o.Touch(now, actor)
	return nil
}

// Confirm moves a pending order to confirmed.
func (o *Order) Confirm(now time.Time, actor string) error {
	return o.transition("confirm", StatusConfirmed, now, actor, StatusPending)
}

// MarkPreparing starts preparing a confirmed order.
func (o *Order) MarkPreparing(now time.Time, actor string) error {
	return o.transition("mark preparing", StatusPreparing, now, actor, StatusConfirmed)
}

// MarkReadyForPickup is only valid for pickup orders.
func (o *Order) MarkReadyForPickup(now time.Time, actor string) error {
	if o.DeliveryType != DeliveryPickup {
		return &InvalidTransitionError{
			OrderID: o.ID, From: o.Status, Action: "mark ready for pickup",
			Reason: "order is not a pickup order",
		}
	}
	return o.transition("mark ready for pickup", StatusReadyForPickup, now, actor, StatusPreparing)
}

// MarkShipped is only valid for orders that are not picked up.
func (o *Order) MarkShipped(now time.Time, actor string) error {
	if o.DeliveryType == DeliveryPickup {
		return &InvalidTransitionError{
			OrderID: o.ID, From: o.Status, Action: "mark shipped",
			Reason: "pickup orders are not shipped",
		}
	}
	return o.transition("mark shipped", StatusShipped, now, actor, StatusPreparing, StatusReadyForPickup)
}

// MarkDelivered requires the order to be paid, which is what makes it
// eligible for cashback afterwards.
func (o *Order) MarkDelivered(now time.Time, actor string) error {
	if !o.Paid() {
		return &InvalidTransitionError{
			OrderID: o.ID, From: o.Status, Action: "mark delivered",
			Reason: "order is not paid",
		}
	}
	return o.transition("mark delivered", StatusDelivered, now, actor, StatusShipped, StatusReadyForPickup)
}

// Cancel terminates a pending or confirmed order and stamps it deleted.
// Stock and cashback are restored by the caller.
func (o *Order) Cancel(reason string, now time.Time, actor string) error {
	if err := o.transition("cancel", StatusCancelled, now, actor, StatusPending, StatusConfirmed); err != nil {
		return err
	}
	o.CancelReason = reason
	o.Delete(now, actor)
	return nil
}

// MarkPaid records payment. Cancelled and already paid orders are refused.
func (o *Order) MarkPaid(now time.Time, actor string) error {
	if o.Status == StatusCancelled || o.Paid() {
		reason := "order is cancelled"
		if o.Paid() {
			reason = "order is already paid"
		}
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, Action: "mark paid", Reason: reason}
	}
	paidAt := now
	o.PaidAt = &paidAt
	o.Touch(now, actor)
	return nil
}
