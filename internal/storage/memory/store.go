// Package memory is an in-process implementation of every repository and
// the unit of work. Units of work are serialized by one mutex and roll back
// by restoring a snapshot.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/xenking/kart-cashback/internal/domain/cashback"
	"github.com/xenking/kart-cashback/internal/domain/customer"
	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/order"
	"github.com/xenking/kart-cashback/internal/domain/product"
	"github.com/xenking/kart-cashback/internal/domain/uow"
	"github.com/xenking/kart-cashback/internal/notify"
)

type state struct {
	products  map[string]product.Product
	customers map[string]customer.Customer
	orders    map[string]order.Order
	ledger    []cashback.Transaction
	reasons   map[string]discount.Reason
	carts     map[string][]order.CartItem
	outbox    []notify.Event
}

func newState() *state {
	return &state{
		products:  map[string]product.Product{},
		customers: map[string]customer.Customer{},
		orders:    map[string]order.Order{},
		reasons:   map[string]discount.Reason{},
		carts:     map[string][]order.CartItem{},
	}
}

func (st *state) clone() *state {
	c := &state{
		products:  maps.Clone(st.products),
		customers: maps.Clone(st.customers),
		orders:    make(map[string]order.Order, len(st.orders)),
		ledger:    slices.Clone(st.ledger),
		reasons:   maps.Clone(st.reasons),
		carts:     make(map[string][]order.CartItem, len(st.carts)),
		outbox:    slices.Clone(st.outbox),
	}
	for id, o := range st.orders {
		c.orders[id] = cloneOrder(o)
	}
	for id, items := range st.carts {
		c.carts[id] = slices.Clone(items)
	}
	return c
}

func cloneOrder(o order.Order) order.Order {
	o.Items = slices.Clone(o.Items)
	o.Discounts = slices.Clone(o.Discounts)
	return o
}

// Store holds all data. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

var _ uow.UnitOfWork = (*Store)(nil)

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	held, _ := ctx.Value(txKey{}).(*Store)
	return held == s
}

// Do runs fn with the store locked. Any error, or a context cancelled
// before fn returns, discards every change fn made. A nested call joins
// the outer unit of work. Hooks registered with uow.AfterCommit run after
// the lock is released and only when the changes were kept.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	txCtx, hooks := uow.WithHooks(context.WithValue(ctx, txKey{}, s))
	if err := s.commit(ctx, txCtx, fn); err != nil {
		return err
	}
	hooks.Run(ctx)
	return nil
}

func (s *Store) commit(ctx, txCtx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	err := fn(txCtx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// view runs fn against the state, taking the lock unless ctx already
// holds it.
func (s *Store) view(ctx context.Context, fn func(st *state) error) error {
	if !s.inTx(ctx) {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.st)
}

// Products returns the product repository.
func (s *Store) Products() *Products { return &Products{s: s} }

// Customers returns the customer repository.
func (s *Store) Customers() *Customers { return &Customers{s: s} }

// Orders returns the order repository.
func (s *Store) Orders() *Orders { return &Orders{s: s} }

// Cashback returns the cashback ledger repository.
func (s *Store) Cashback() *Cashback { return &Cashback{s: s} }

// Reasons returns the discount reason repository.
func (s *Store) Reasons() *Reasons { return &Reasons{s: s} }

// Carts returns the cart repository.
func (s *Store) Carts() *Carts { return &Carts{s: s} }

// Outbox returns the event outbox.
func (s *Store) Outbox() *Outbox { return &Outbox{s: s} }
