package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/customer"
)

const (
	customerColumns = `id, name, phone, cashback_balance,
		created_at, created_by, updated_at, updated_by, deleted_at, deleted_by`

	getCustomerSQL = `SELECT ` + customerColumns + ` FROM customers WHERE id = $1`

	getCustomerForUpdateSQL = getCustomerSQL + ` FOR UPDATE`

	upsertCustomerSQL = `INSERT INTO customers (id, name, phone, cashback_balance,
			created_at, created_by, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, now(), $5, now(), $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, phone = EXCLUDED.phone,
			updated_at = now(), updated_by = EXCLUDED.updated_by`

	setCashbackBalanceSQL = `UPDATE customers SET cashback_balance = $2, updated_at = now() WHERE id = $1`

	listCustomerIDsSQL = `SELECT id FROM customers WHERE deleted_at IS NULL ORDER BY id`
)

// Customers implements customer.Repository backed by PostgreSQL.
type Customers struct {
	s *Store
}

var _ customer.Repository = (*Customers)(nil)

// Put inserts a customer or updates its profile. The cached balance of an
// existing customer is left alone; only the ledger moves it.
func (r *Customers) Put(ctx context.Context, c customer.Customer) error {
	_, err := r.s.q(ctx).Exec(ctx, upsertCustomerSQL, c.ID, c.Name, c.Phone, c.CashbackBalance, c.CreatedBy)
	if err != nil {
		return fmt.Errorf("upserting customer %q: %w", c.ID, err)
	}
	return nil
}

func (r *Customers) GetByID(ctx context.Context, id string) (*customer.Customer, error) {
	return r.get(ctx, getCustomerSQL, id)
}

// GetByIDForUpdate locks the customer row until the transaction ends.
func (r *Customers) GetByIDForUpdate(ctx context.Context, id string) (*customer.Customer, error) {
	return r.get(ctx, getCustomerForUpdateSQL, id)
}

func (r *Customers) get(ctx context.Context, sql, id string) (*customer.Customer, error) {
	rows, err := r.s.q(ctx).Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting customer %q: %w", id, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCustomer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &customer.NotFoundError{CustomerID: id}
		}
		return nil, fmt.Errorf("getting customer %q: %w", id, err)
	}
	return &c, nil
}

func (r *Customers) SetCashbackBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := r.s.q(ctx).Exec(ctx, setCashbackBalanceSQL, id, balance)
	if err != nil {
		return fmt.Errorf("setting cashback balance of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &customer.NotFoundError{CustomerID: id}
	}
	return nil
}

func (r *Customers) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.s.q(ctx).Query(ctx, listCustomerIDsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing customers: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanCustomer(row pgx.CollectableRow) (customer.Customer, error) {
	var c customer.Customer
	err := row.Scan(
		&c.ID, &c.Name, &c.Phone, &c.CashbackBalance,
		&c.CreatedAt, &c.CreatedBy, &c.UpdatedAt, &c.UpdatedBy, &c.DeletedAt, &c.DeletedBy,
	)
	return c, err
}
