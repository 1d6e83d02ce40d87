package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/order"
)

const (
	orderColumns = `id, number, COALESCE(customer_id, ''), COALESCE(seller_id, ''), channel, ordered_at, status,
		gross_total, discount_total, cashback_used, delivery_fee, final_price,
		payment_method, paid_at, delivery_type, delivery_address, cancel_reason, cashback_earned,
		created_at, created_by, updated_at, updated_by, deleted_at, deleted_by`

	insertOrderSQL = `INSERT INTO orders (id, number, customer_id, seller_id, channel, ordered_at, status,
			gross_total, discount_total, cashback_used, delivery_fee, final_price,
			payment_method, paid_at, delivery_type, delivery_address, cancel_reason, cashback_earned,
			created_at, created_by, updated_at, updated_by, deleted_at, deleted_by)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	updateOrderSQL = `UPDATE orders SET
			status = $2, gross_total = $3, discount_total = $4, cashback_used = $5,
			delivery_fee = $6, final_price = $7, paid_at = $8, delivery_address = $9,
			cancel_reason = $10, cashback_earned = $11,
			updated_at = $12, updated_by = $13, deleted_at = $14, deleted_by = $15
		WHERE id = $1`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderForUpdateSQL = getOrderSQL + ` FOR UPDATE`

	deleteOrderItemsSQL = `DELETE FROM order_items WHERE order_id = $1`

	insertOrderItemSQL = `INSERT INTO order_items (order_id, position, product_id, product_name,
			quantity, unit_price, discount_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	listOrderItemsSQL = `SELECT product_id, product_name, quantity, unit_price, discount_amount
		FROM order_items WHERE order_id = $1 ORDER BY position`

	upsertOrderDiscountSQL = `INSERT INTO order_discounts (id, order_id, reason_id, amount, applied_by, note,
			applied_at, created_at, created_by, updated_at, updated_by, deleted_at, deleted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by,
			deleted_at = EXCLUDED.deleted_at, deleted_by = EXCLUDED.deleted_by`

	listOrderDiscountsSQL = `SELECT id, reason_id, amount, applied_by, note, applied_at,
			created_at, created_by, updated_at, updated_by, deleted_at, deleted_by
		FROM order_discounts WHERE order_id = $1 ORDER BY applied_at, id`
)

// Orders implements order.Repository backed by PostgreSQL. Items and
// discounts live in child tables written with the order row.
type Orders struct {
	s *Store
}

var _ order.Repository = (*Orders)(nil)

// Create persists a new order with its items and discounts.
func (r *Orders) Create(ctx context.Context, o *order.Order) error {
	return r.s.Do(ctx, func(ctx context.Context) error {
		_, err := r.s.q(ctx).Exec(ctx, insertOrderSQL,
			o.ID, o.Number, o.CustomerID, o.SellerID, string(o.Channel), o.OrderedAt, string(o.Status),
			o.GrossTotal, o.DiscountTotal, o.CashbackUsed, o.DeliveryFee, o.FinalPrice,
			string(o.PaymentMethod), o.PaidAt, string(o.DeliveryType), o.DeliveryAddress, o.CancelReason,
			o.CashbackEarned,
			o.CreatedAt, o.CreatedBy, o.UpdatedAt, o.UpdatedBy, o.DeletedAt, o.DeletedBy,
		)
		if err != nil {
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}
		return r.writeChildren(ctx, o)
	})
}

// Update stores the order's mutable fields and rewrites its items.
// Discounts are upserted so removed ones keep their audit stamp.
func (r *Orders) Update(ctx context.Context, o *order.Order) error {
	return r.s.Do(ctx, func(ctx context.Context) error {
		q := r.s.q(ctx)
		tag, err := q.Exec(ctx, updateOrderSQL,
			o.ID, string(o.Status), o.GrossTotal, o.DiscountTotal, o.CashbackUsed,
			o.DeliveryFee, o.FinalPrice, o.PaidAt, o.DeliveryAddress,
			o.CancelReason, o.CashbackEarned,
			o.UpdatedAt, o.UpdatedBy, o.DeletedAt, o.DeletedBy,
		)
		if err != nil {
			return fmt.Errorf("updating order %q: %w", o.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return &order.NotFoundError{OrderID: o.ID}
		}
		if _, err := q.Exec(ctx, deleteOrderItemsSQL, o.ID); err != nil {
			return fmt.Errorf("clearing items of order %q: %w", o.ID, err)
		}
		return r.writeChildren(ctx, o)
	})
}

func (r *Orders) writeChildren(ctx context.Context, o *order.Order) error {
	batch := &pgx.Batch{}
	for i, it := range o.Items {
		batch.Queue(insertOrderItemSQL,
			o.ID, i, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice, it.DiscountAmount,
		)
	}
	for _, d := range o.Discounts {
		batch.Queue(upsertOrderDiscountSQL,
			d.ID, o.ID, d.ReasonID, d.Amount, d.AppliedBy, d.Note, d.AppliedAt,
			d.CreatedAt, d.CreatedBy, d.UpdatedAt, d.UpdatedBy, d.DeletedAt, d.DeletedBy,
		)
	}
	tx, _ := txFrom(ctx)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("writing items of order %q: %w", o.ID, err)
	}
	return nil
}

func (r *Orders) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderSQL, id)
}

// GetByIDForUpdate locks the order row until the transaction ends.
func (r *Orders) GetByIDForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.get(ctx, getOrderForUpdateSQL, id)
}

func (r *Orders) get(ctx context.Context, sql, id string) (*order.Order, error) {
	q := r.s.q(ctx)
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &order.NotFoundError{OrderID: id}
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	rows, err = q.Query(ctx, listOrderItemsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting items of order %q: %w", id, err)
	}
	if o.Items, err = pgx.CollectRows(rows, scanOrderItem); err != nil {
		return nil, fmt.Errorf("getting items of order %q: %w", id, err)
	}

	rows, err = q.Query(ctx, listOrderDiscountsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting discounts of order %q: %w", id, err)
	}
	if o.Discounts, err = pgx.CollectRows(rows, scanOrderDiscount); err != nil {
		return nil, fmt.Errorf("getting discounts of order %q: %w", id, err)
	}
	return &o, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                      order.Order
		channel, status, payment, deliveryType string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.CustomerID, &o.SellerID, &channel, &o.OrderedAt, &status,
		&o.GrossTotal, &o.DiscountTotal, &o.CashbackUsed, &o.DeliveryFee, &o.FinalPrice,
		&payment, &o.PaidAt, &deliveryType, &o.DeliveryAddress, &o.CancelReason, &o.CashbackEarned,
		&o.CreatedAt, &o.CreatedBy, &o.UpdatedAt, &o.UpdatedBy, &o.DeletedAt, &o.DeletedBy,
	)
	o.Channel = order.Channel(channel)
	o.Status = order.Status(status)
	o.PaymentMethod = order.PaymentMethod(payment)
	o.DeliveryType = order.DeliveryType(deliveryType)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(&it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice, &it.DiscountAmount)
	return it, err
}

func scanOrderDiscount(row pgx.CollectableRow) (discount.Discount, error) {
	var d discount.Discount
	err := row.Scan(
		&d.ID, &d.ReasonID, &d.Amount, &d.AppliedBy, &d.Note, &d.AppliedAt,
		&d.CreatedAt, &d.CreatedBy, &d.UpdatedAt, &d.UpdatedBy, &d.DeletedAt, &d.DeletedBy,
	)
	return d, err
}
