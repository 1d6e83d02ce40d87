package product

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/lifecycle"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.Wrap(apperr.ErrNotFound, "product")

// Product represents a catalog item available for purchase.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
	Stock    int
	Active   bool
	lifecycle.Lifecycle
}

// Sellable reports whether the product can be put on a new order.
func (p *Product) Sellable() bool {
	return p.Active && !p.Deleted()
}

// NotFoundError names the product that could not be found.
type NotFoundError struct {
	ProductID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// Unwrap makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// InactiveError indicates a product that is no longer sold.
type InactiveError struct {
	ProductID string
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("product %s is not available", e.ProductID)
}

// Unwrap classifies an inactive product as a validation failure.
func (e *InactiveError) Unwrap() error {
	return apperr.ErrValidation
}

// InsufficientStockError indicates a decrement larger than the stock on hand.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Unwrap makes errors.Is(err, apperr.ErrInsufficientStock) hold.
func (e *InsufficientStockError) Unwrap() error {
	return apperr.ErrInsufficientStock
}

// Repository is the product stock store. DecreaseStock fails with
// *InsufficientStockError instead of going negative; callers touching
// several products mutate them in id order.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	DecreaseStock(ctx context.Context, id string, qty int) error
	IncreaseStock(ctx context.Context, id string, qty int) error
}
