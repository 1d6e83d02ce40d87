package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-cashback/internal/domain/order"
)

const (
	addCartItemSQL = `INSERT INTO cart_items (customer_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (customer_id, product_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`

	listCartItemsSQL = `SELECT product_id, quantity FROM cart_items WHERE customer_id = $1 ORDER BY added_at, product_id`

	clearCartSQL = `DELETE FROM cart_items WHERE customer_id = $1`
)

// Carts implements order.CartRepository backed by PostgreSQL.
type Carts struct {
	s *Store
}

var _ order.CartRepository = (*Carts)(nil)

// Add puts a line into the customer's cart, adding to an existing line for
// the same product.
func (r *Carts) Add(ctx context.Context, customerID string, item order.CartItem) error {
	if _, err := r.s.q(ctx).Exec(ctx, addCartItemSQL, customerID, item.ProductID, item.Quantity); err != nil {
		return fmt.Errorf("adding to cart of %q: %w", customerID, err)
	}
	return nil
}

// Items lists the customer's cart.
func (r *Carts) Items(ctx context.Context, customerID string) ([]order.CartItem, error) {
	rows, err := r.s.q(ctx).Query(ctx, listCartItemsSQL, customerID)
	if err != nil {
		return nil, fmt.Errorf("listing cart of %q: %w", customerID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.CartItem, error) {
		var it order.CartItem
		err := row.Scan(&it.ProductID, &it.Quantity)
		return it, err
	})
}

func (r *Carts) Clear(ctx context.Context, customerID string) error {
	if _, err := r.s.q(ctx).Exec(ctx, clearCartSQL, customerID); err != nil {
		return fmt.Errorf("clearing cart of %q: %w", customerID, err)
	}
	return nil
}
