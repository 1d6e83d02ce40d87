package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/cashback"
)

const (
	cashbackColumns = `id, number, customer_id, COALESCE(order_id, ''), COALESCE(source_id, ''),
		kind, amount, remaining_amount, earned_at, expires_at, consumed_at, description,
		COALESCE(idempotency_key, ''),
		created_at, created_by, updated_at, updated_by, deleted_at, deleted_by`

	insertCashbackSQL = `INSERT INTO cashback_transactions (id, number, customer_id, order_id, source_id,
			kind, amount, remaining_amount, earned_at, expires_at, consumed_at, description,
			idempotency_key, created_at, created_by, updated_at, updated_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12,
			NULLIF($13, ''), $14, $15, $16, $17)`

	getCashbackByKeySQL = `SELECT ` + cashbackColumns + `
		FROM cashback_transactions WHERE idempotency_key = $1`

	// Rows are locked in the order they are drained so concurrent
	// redemptions for one customer queue on the same first row.
	listSpendableSQL = `SELECT ` + cashbackColumns + `
		FROM cashback_transactions
		WHERE customer_id = $1 AND kind = 'earned' AND remaining_amount > 0 AND expires_at > $2
		ORDER BY expires_at, earned_at, id
		FOR UPDATE`

	listLapsedSQL = `SELECT ` + cashbackColumns + `
		FROM cashback_transactions
		WHERE customer_id = $1 AND kind = 'earned' AND remaining_amount > 0 AND expires_at <= $2
		ORDER BY expires_at, earned_at, id
		FOR UPDATE`

	listCustomersWithLapsedSQL = `SELECT DISTINCT customer_id
		FROM cashback_transactions
		WHERE kind = 'earned' AND remaining_amount > 0 AND expires_at <= $1
		ORDER BY customer_id
		LIMIT $2`

	updateRemainingSQL = `UPDATE cashback_transactions
		SET remaining_amount = $2, consumed_at = $3, updated_at = $4, updated_by = $5
		WHERE id = $1`

	sumRemainingSQL = `SELECT COALESCE(SUM(remaining_amount), 0)
		FROM cashback_transactions
		WHERE customer_id = $1 AND kind = 'earned' AND expires_at > $2
			AND ($3::timestamptz IS NULL OR expires_at <= $3)`

	listCashbackByCustomerSQL = `SELECT ` + cashbackColumns + `
		FROM cashback_transactions WHERE customer_id = $1
		ORDER BY created_at, number`
)

// Cashback implements cashback.Repository backed by PostgreSQL.
type Cashback struct {
	s *Store
}

var _ cashback.Repository = (*Cashback)(nil)

// Insert appends an entry. A taken idempotency key yields
// cashback.ErrDuplicate.
func (r *Cashback) Insert(ctx context.Context, tx *cashback.Transaction) error {
	_, err := r.s.q(ctx).Exec(ctx, insertCashbackSQL,
		tx.ID, tx.Number, tx.CustomerID, tx.OrderID, tx.SourceID,
		string(tx.Kind), tx.Amount, tx.Remaining, tx.EarnedAt, tx.ExpiresAt, tx.ConsumedAt, tx.Description,
		tx.IdempotencyKey, tx.CreatedAt, tx.CreatedBy, tx.UpdatedAt, tx.UpdatedBy,
	)
	if err != nil {
		if uniqueViolation(err) && tx.IdempotencyKey != "" {
			return errors.Wrapf(cashback.ErrDuplicate, "key %s", tx.IdempotencyKey)
		}
		return fmt.Errorf("inserting cashback transaction: %w", err)
	}
	return nil
}

func (r *Cashback) GetByIdempotencyKey(ctx context.Context, key string) (*cashback.Transaction, error) {
	rows, err := r.s.q(ctx).Query(ctx, getCashbackByKeySQL, key)
	if err != nil {
		return nil, fmt.Errorf("getting cashback transaction %q: %w", key, err)
	}
	tx, err := pgx.CollectExactlyOneRow(rows, scanCashback)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cashback.ErrNotFound
		}
		return nil, fmt.Errorf("getting cashback transaction %q: %w", key, err)
	}
	return &tx, nil
}

func (r *Cashback) ListSpendableForUpdate(ctx context.Context, customerID string, now time.Time) ([]cashback.Transaction, error) {
	return r.list(ctx, listSpendableSQL, customerID, now)
}

func (r *Cashback) ListLapsedForUpdate(ctx context.Context, customerID string, now time.Time) ([]cashback.Transaction, error) {
	return r.list(ctx, listLapsedSQL, customerID, now)
}

func (r *Cashback) ListByCustomer(ctx context.Context, customerID string) ([]cashback.Transaction, error) {
	return r.list(ctx, listCashbackByCustomerSQL, customerID)
}

func (r *Cashback) list(ctx context.Context, sql string, args ...any) ([]cashback.Transaction, error) {
	rows, err := r.s.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing cashback transactions: %w", err)
	}
	return pgx.CollectRows(rows, scanCashback)
}

func (r *Cashback) ListCustomersWithLapsed(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.s.q(ctx).Query(ctx, listCustomersWithLapsedSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing customers with lapsed cashback: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *Cashback) UpdateRemaining(ctx context.Context, tx *cashback.Transaction) error {
	tag, err := r.s.q(ctx).Exec(ctx, updateRemainingSQL,
		tx.ID, tx.Remaining, tx.ConsumedAt, tx.UpdatedAt, tx.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("updating cashback transaction %q: %w", tx.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(cashback.ErrNotFound, "id %s", tx.ID)
	}
	return nil
}

func (r *Cashback) SumRemaining(ctx context.Context, customerID string, w cashback.Window) (decimal.Decimal, error) {
	var before *time.Time
	if !w.Before.IsZero() {
		before = &w.Before
	}
	var sum decimal.Decimal
	if err := r.s.q(ctx).QueryRow(ctx, sumRemainingSQL, customerID, w.After, before).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("summing cashback of %q: %w", customerID, err)
	}
	return sum, nil
}

func scanCashback(row pgx.CollectableRow) (cashback.Transaction, error) {
	var (
		tx   cashback.Transaction
		kind string
	)
	err := row.Scan(
		&tx.ID, &tx.Number, &tx.CustomerID, &tx.OrderID, &tx.SourceID,
		&kind, &tx.Amount, &tx.Remaining, &tx.EarnedAt, &tx.ExpiresAt, &tx.ConsumedAt, &tx.Description,
		&tx.IdempotencyKey,
		&tx.CreatedAt, &tx.CreatedBy, &tx.UpdatedAt, &tx.UpdatedBy, &tx.DeletedAt, &tx.DeletedBy,
	)
	tx.Kind = cashback.Kind(kind)
	return tx, err
}
