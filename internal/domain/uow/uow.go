// Package uow defines the failure-atomic unit of work used by every
// mutating operation.
package uow

import (
	"context"
	"sync"
)

// UnitOfWork runs fn so that every write performed through the context it
// receives commits together or not at all. Calling Do with a context that
// already belongs to a unit of work joins it instead of starting a new one.
//
// Implementations start a fresh Hooks for every attempt of the outermost
// Do and run it only after that attempt commits.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Func adapts a plain function to UnitOfWork.
type Func func(ctx context.Context, fn func(ctx context.Context) error) error

// Do calls f.
func (f Func) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

type hooksKey struct{}

// Hooks collects callbacks that must only observe committed work, such as
// metrics and log lines about what was written.
type Hooks struct {
	mu  sync.Mutex
	fns []func(ctx context.Context)
}

// WithHooks returns ctx carrying a new, empty Hooks.
func WithHooks(ctx context.Context) (context.Context, *Hooks) {
	h := &Hooks{}
	return context.WithValue(ctx, hooksKey{}, h), h
}

// AfterCommit registers fn to run once the unit of work carried by ctx
// commits. A rolled back or retried attempt drops it. Outside a unit of
// work fn runs immediately.
func AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	h, ok := ctx.Value(hooksKey{}).(*Hooks)
	if !ok {
		fn(ctx)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fns = append(h.fns, fn)
}

// Run calls the registered callbacks in registration order.
func (h *Hooks) Run(ctx context.Context) {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	ctx = context.WithValue(ctx, hooksKey{}, nil)
	for _, fn := range fns {
		fn(ctx)
	}
}
