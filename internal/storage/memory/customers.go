package memory

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/customer"
)

// Customers implements customer.Repository. Locks are implied by the
// store-wide unit of work.
type Customers struct {
	s *Store
}

var _ customer.Repository = (*Customers)(nil)

// Put inserts or replaces a customer.
func (r *Customers) Put(ctx context.Context, c customer.Customer) error {
	return r.s.view(ctx, func(st *state) error {
		st.customers[c.ID] = c
		return nil
	})
}

func (r *Customers) GetByID(ctx context.Context, id string) (*customer.Customer, error) {
	var out *customer.Customer
	err := r.s.view(ctx, func(st *state) error {
		c, ok := st.customers[id]
		if !ok {
			return &customer.NotFoundError{CustomerID: id}
		}
		out = &c
		return nil
	})
	return out, err
}

func (r *Customers) GetByIDForUpdate(ctx context.Context, id string) (*customer.Customer, error) {
	return r.GetByID(ctx, id)
}

func (r *Customers) SetCashbackBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	return r.s.view(ctx, func(st *state) error {
		c, ok := st.customers[id]
		if !ok {
			return &customer.NotFoundError{CustomerID: id}
		}
		c.CashbackBalance = balance
		st.customers[id] = c
		return nil
	})
}

func (r *Customers) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.s.view(ctx, func(st *state) error {
		for id, c := range st.customers {
			if !c.Deleted() {
				ids = append(ids, id)
			}
		}
		return nil
	})
	slices.Sort(ids)
	return ids, err
}
