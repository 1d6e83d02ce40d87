package order

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/discount"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.Wrap(apperr.ErrNotFound, "order")
	// ErrEmptyItems is returned for an order without lines.
	ErrEmptyItems = apperr.Validation("items", "at least one item required")
)

// NotFoundError names the order that could not be found.
type NotFoundError struct {
	OrderID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("order %s not found", e.OrderID)
}

// Unwrap makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InvalidTransitionError reports an action the order's state does not allow.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	Action  string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s order %s in status %s", e.Action, e.OrderID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap makes errors.Is(err, apperr.ErrInvalidTransition) hold.
func (e *InvalidTransitionError) Unwrap() error {
	return apperr.ErrInvalidTransition
}

// InvalidQuantityError indicates a line item with a bad quantity.
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s, got %d", e.ProductID, e.Quantity)
}

// Unwrap classifies the error as a validation failure.
func (e *InvalidQuantityError) Unwrap() error {
	return apperr.ErrValidation
}

// DiscountNotFoundError names a discount missing from an order.
type DiscountNotFoundError struct {
	OrderID    string
	DiscountID string
}

func (e *DiscountNotFoundError) Error() string {
	return fmt.Sprintf("discount %s not found on order %s", e.DiscountID, e.OrderID)
}

// Unwrap makes errors.Is(err, discount.ErrNotFound) hold.
func (e *DiscountNotFoundError) Unwrap() error {
	return discount.ErrNotFound
}
