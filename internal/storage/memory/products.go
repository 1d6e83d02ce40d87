package memory

import (
	"context"
	"slices"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/product"
)

// Products implements product.Repository.
type Products struct {
	s *Store
}

var _ product.Repository = (*Products)(nil)

// Put inserts or replaces a product.
func (r *Products) Put(ctx context.Context, p product.Product) error {
	return r.s.view(ctx, func(st *state) error {
		st.products[p.ID] = p
		return nil
	})
}

func (r *Products) GetByID(ctx context.Context, id string) (*product.Product, error) {
	var out *product.Product
	err := r.s.view(ctx, func(st *state) error {
		p, ok := st.products[id]
		if !ok {
			return &product.NotFoundError{ProductID: id}
		}
		out = &p
		return nil
	})
	return out, err
}

// GetByIDs returns the products that exist, in id order.
func (r *Products) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	var out []product.Product
	err := r.s.view(ctx, func(st *state) error {
		sorted := slices.Clone(ids)
		slices.Sort(sorted)
		for _, id := range slices.Compact(sorted) {
			if p, ok := st.products[id]; ok {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

func (r *Products) DecreaseStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive, got %d", qty)
	}
	return r.s.view(ctx, func(st *state) error {
		p, ok := st.products[id]
		if !ok {
			return &product.NotFoundError{ProductID: id}
		}
		if p.Stock < qty {
			return &product.InsufficientStockError{ProductID: id, Requested: qty, Available: p.Stock}
		}
		p.Stock -= qty
		st.products[id] = p
		return nil
	})
}

func (r *Products) IncreaseStock(ctx context.Context, id string, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity", "must be positive, got %d", qty)
	}
	return r.s.view(ctx, func(st *state) error {
		p, ok := st.products[id]
		if !ok {
			return &product.NotFoundError{ProductID: id}
		}
		p.Stock += qty
		st.products[id] = p
		return nil
	})
}
