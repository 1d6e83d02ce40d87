package memory

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/cashback"
)

// Cashback implements cashback.Repository.
type Cashback struct {
	s *Store
}

var _ cashback.Repository = (*Cashback)(nil)

func (r *Cashback) Insert(ctx context.Context, tx *cashback.Transaction) error {
	return r.s.view(ctx, func(st *state) error {
		for _, e := range st.ledger {
			if tx.IdempotencyKey != "" && e.IdempotencyKey == tx.IdempotencyKey {
				return cashback.ErrDuplicate
			}
		}
		st.ledger = append(st.ledger, *tx)
		return nil
	})
}

func (r *Cashback) GetByIdempotencyKey(ctx context.Context, key string) (*cashback.Transaction, error) {
	var out *cashback.Transaction
	err := r.s.view(ctx, func(st *state) error {
		for _, e := range st.ledger {
			if e.IdempotencyKey == key {
				out = &e
				return nil
			}
		}
		return cashback.ErrNotFound
	})
	return out, err
}

func (r *Cashback) filter(ctx context.Context, keep func(*cashback.Transaction) bool) ([]cashback.Transaction, error) {
	var out []cashback.Transaction
	err := r.s.view(ctx, func(st *state) error {
		for i := range st.ledger {
			if keep(&st.ledger[i]) {
				out = append(out, st.ledger[i])
			}
		}
		return nil
	})
	return out, err
}

func byExpiry(a, b cashback.Transaction) int {
	if c := a.ExpiresAt.Compare(*b.ExpiresAt); c != 0 {
		return c
	}
	if c := a.EarnedAt.Compare(b.EarnedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func (r *Cashback) ListSpendableForUpdate(ctx context.Context, customerID string, now time.Time) ([]cashback.Transaction, error) {
	out, err := r.filter(ctx, func(t *cashback.Transaction) bool {
		return t.CustomerID == customerID && t.Spendable(now)
	})
	slices.SortFunc(out, byExpiry)
	return out, err
}

func (r *Cashback) ListLapsedForUpdate(ctx context.Context, customerID string, now time.Time) ([]cashback.Transaction, error) {
	out, err := r.filter(ctx, func(t *cashback.Transaction) bool {
		return t.CustomerID == customerID && t.Lapsed(now)
	})
	slices.SortFunc(out, byExpiry)
	return out, err
}

func (r *Cashback) ListCustomersWithLapsed(ctx context.Context, now time.Time, limit int) ([]string, error) {
	lapsed, err := r.filter(ctx, func(t *cashback.Transaction) bool { return t.Lapsed(now) })
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(lapsed))
	for _, t := range lapsed {
		ids = append(ids, t.CustomerID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *Cashback) UpdateRemaining(ctx context.Context, tx *cashback.Transaction) error {
	return r.s.view(ctx, func(st *state) error {
		for i := range st.ledger {
			if st.ledger[i].ID == tx.ID {
				st.ledger[i].Remaining = tx.Remaining
				st.ledger[i].ConsumedAt = tx.ConsumedAt
				st.ledger[i].Lifecycle = tx.Lifecycle
				return nil
			}
		}
		return cashback.ErrNotFound
	})
}

func (r *Cashback) SumRemaining(ctx context.Context, customerID string, w cashback.Window) (decimal.Decimal, error) {
	entries, err := r.filter(ctx, func(t *cashback.Transaction) bool {
		if t.CustomerID != customerID || t.Kind != cashback.KindEarned || t.ExpiresAt == nil {
			return false
		}
		if !t.ExpiresAt.After(w.After) {
			return false
		}
		return w.Before.IsZero() || !t.ExpiresAt.After(w.Before)
	})
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Remaining)
	}
	return sum, err
}

func (r *Cashback) ListByCustomer(ctx context.Context, customerID string) ([]cashback.Transaction, error) {
	out, err := r.filter(ctx, func(t *cashback.Transaction) bool { return t.CustomerID == customerID })
	slices.SortStableFunc(out, func(a, b cashback.Transaction) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, err
}
