package memory

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/order"
	"github.com/xenking/kart-cashback/internal/notify"
)

// Orders implements order.Repository.
type Orders struct {
	s *Store
}

var _ order.Repository = (*Orders)(nil)

func (r *Orders) Create(ctx context.Context, o *order.Order) error {
	return r.s.view(ctx, func(st *state) error {
		if _, ok := st.orders[o.ID]; ok {
			return errors.Errorf("order %s already exists", o.ID)
		}
		st.orders[o.ID] = cloneOrder(*o)
		return nil
	})
}

func (r *Orders) Update(ctx context.Context, o *order.Order) error {
	return r.s.view(ctx, func(st *state) error {
		if _, ok := st.orders[o.ID]; !ok {
			return &order.NotFoundError{OrderID: o.ID}
		}
		st.orders[o.ID] = cloneOrder(*o)
		return nil
	})
}

func (r *Orders) GetByID(ctx context.Context, id string) (*order.Order, error) {
	var out *order.Order
	err := r.s.view(ctx, func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return &order.NotFoundError{OrderID: id}
		}
		c := cloneOrder(o)
		out = &c
		return nil
	})
	return out, err
}

func (r *Orders) GetByIDForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return r.GetByID(ctx, id)
}

// Reasons implements discount.ReasonRepository.
type Reasons struct {
	s *Store
}

var _ discount.ReasonRepository = (*Reasons)(nil)

// Put inserts or replaces a reason.
func (r *Reasons) Put(ctx context.Context, reason discount.Reason) error {
	return r.s.view(ctx, func(st *state) error {
		st.reasons[reason.ID] = reason
		return nil
	})
}

func (r *Reasons) FindByID(ctx context.Context, id string) (*discount.Reason, error) {
	var out *discount.Reason
	err := r.s.view(ctx, func(st *state) error {
		reason, ok := st.reasons[id]
		if !ok {
			return errors.Wrapf(discount.ErrReasonNotFound, "reason %s", id)
		}
		out = &reason
		return nil
	})
	return out, err
}

// Carts implements order.CartRepository.
type Carts struct {
	s *Store
}

var _ order.CartRepository = (*Carts)(nil)

// Add puts a line into the customer's cart.
func (r *Carts) Add(ctx context.Context, customerID string, item order.CartItem) error {
	return r.s.view(ctx, func(st *state) error {
		st.carts[customerID] = append(st.carts[customerID], item)
		return nil
	})
}

// Items lists the customer's cart.
func (r *Carts) Items(ctx context.Context, customerID string) ([]order.CartItem, error) {
	var out []order.CartItem
	err := r.s.view(ctx, func(st *state) error {
		out = append(out, st.carts[customerID]...)
		return nil
	})
	return out, err
}

func (r *Carts) Clear(ctx context.Context, customerID string) error {
	return r.s.view(ctx, func(st *state) error {
		delete(st.carts, customerID)
		return nil
	})
}

// Outbox implements notify.Outbox.
type Outbox struct {
	s *Store
}

var _ notify.Outbox = (*Outbox)(nil)

func (r *Outbox) Append(ctx context.Context, events ...notify.Event) error {
	return r.s.view(ctx, func(st *state) error {
		st.outbox = append(st.outbox, events...)
		return nil
	})
}

// Events lists every committed event.
func (r *Outbox) Events(ctx context.Context) ([]notify.Event, error) {
	var out []notify.Event
	err := r.s.view(ctx, func(st *state) error {
		out = append(out, st.outbox...)
		return nil
	})
	return out, err
}
