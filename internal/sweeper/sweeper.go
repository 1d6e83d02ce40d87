// Package sweeper runs the cashback expiry sweep on a fixed interval.
package sweeper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-cashback/internal/domain/cashback"
)

// Expirer is the ledger operation the sweeper drives.
type Expirer interface {
	ExpireSweep(ctx context.Context, now time.Time, batch int) (cashback.SweepResult, error)
}

var _ Expirer = (*cashback.Ledger)(nil)

// Config tunes the sweeper.
type Config struct {
	Interval time.Duration
	// Batch is how many customers are listed per round trip.
	Batch int
}

// Sweeper expires lapsed cashback periodically. Several replicas may run
// it at once; the ledger serializes them per customer.
type Sweeper struct {
	ledger   Expirer
	interval time.Duration
	batch    int
	now      func() time.Time

	lastSuccess atomic.Int64
}

// New returns a Sweeper. The interval defaults to one hour.
func New(ledger Expirer, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{
		ledger:   ledger,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps immediately and then every interval until ctx is done. A
// failed sweep is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("sweeper")
	ctx = zctx.Base(ctx, lg)
	lg.Info("Starting", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Error("Sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs a single sweep as of now.
func (s *Sweeper) Sweep(ctx context.Context) (cashback.SweepResult, error) {
	now := s.now()
	res, err := s.ledger.ExpireSweep(ctx, now, s.batch)
	if err != nil {
		return res, errors.Wrap(err, "expire sweep")
	}
	s.lastSuccess.Store(now.UnixNano())
	return res, nil
}

// LastSuccess returns when the last sweep completed, or the zero time.
func (s *Sweeper) LastSuccess() time.Time {
	ns := s.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
