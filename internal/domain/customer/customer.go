// Package customer describes the customer record the core reads and whose
// cached cashback balance it keeps in sync with the ledger.
package customer

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/lifecycle"
)

// ErrNotFound is returned when a customer does not exist.
var ErrNotFound = errors.Wrap(apperr.ErrNotFound, "customer")

// Customer is a buyer. CashbackBalance mirrors the ledger book balance and
// is never used as the source of truth.
type Customer struct {
	ID              string
	Name            string
	Phone           string
	CashbackBalance decimal.Decimal
	lifecycle.Lifecycle
}

// NotFoundError names the customer that could not be found.
type NotFoundError struct {
	CustomerID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("customer %s not found", e.CustomerID)
}

// Unwrap makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Repository is the customer balance store. GetByIDForUpdate locks the
// customer row until the surrounding unit of work ends; every ledger
// mutation takes this lock first.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Customer, error)
	GetByIDForUpdate(ctx context.Context, id string) (*Customer, error)
	SetCashbackBalance(ctx context.Context, id string, balance decimal.Decimal) error
	ListIDs(ctx context.Context) ([]string, error)
}
