package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/product"
)

const (
	productColumns = `id, name, price, category, stock, active,
		created_at, created_by, updated_at, updated_by, deleted_at, deleted_by`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`

	upsertProductSQL = `INSERT INTO products (id, name, price, category, stock, active,
			created_at, created_by, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7, now(), $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, price = EXCLUDED.price, category = EXCLUDED.category,
			stock = EXCLUDED.stock, active = EXCLUDED.active,
			updated_at = now(), updated_by = EXCLUDED.updated_by`

	// The stock check and the write are one statement so two concurrent
	// orders cannot both pass the check.
	decreaseStockSQL = `UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`

	increaseStockSQL = `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1`

	getStockSQL = `SELECT stock FROM products WHERE id = $1`
)

// Products implements product.Repository backed by PostgreSQL.
type Products struct {
	s *Store
}

var _ product.Repository = (*Products)(nil)

// Put inserts or replaces a product.
func (r *Products) Put(ctx context.Context, p product.Product) error {
	_, err := r.s.q(ctx).Exec(ctx, upsertProductSQL,
		p.ID, p.Name, p.Price, p.Category, p.Stock, p.Active, p.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

// GetByID returns a single product by its identifier.
func (r *Products) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.s.q(ctx).Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &product.NotFoundError{ProductID: id}
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns the products matching any of the given IDs, in id order.
func (r *Products) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.s.q(ctx).Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

func (r *Products) DecreaseStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive, got %d", qty)
	}
	q := r.s.q(ctx)
	tag, err := q.Exec(ctx, decreaseStockSQL, id, qty)
	if err != nil {
		return fmt.Errorf("decreasing stock of %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var available int
	if err := q.QueryRow(ctx, getStockSQL, id).Scan(&available); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &product.NotFoundError{ProductID: id}
		}
		return fmt.Errorf("reading stock of %q: %w", id, err)
	}
	return &product.InsufficientStockError{ProductID: id, Requested: qty, Available: available}
}

func (r *Products) IncreaseStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive, got %d", qty)
	}
	tag, err := r.s.q(ctx).Exec(ctx, increaseStockSQL, id, qty)
	if err != nil {
		return fmt.Errorf("increasing stock of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &product.NotFoundError{ProductID: id}
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Price, &p.Category, &p.Stock, &p.Active,
		&p.CreatedAt, &p.CreatedBy, &p.UpdatedAt, &p.UpdatedBy, &p.DeletedAt, &p.DeletedBy,
	)
	return p, err
}
