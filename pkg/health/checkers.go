package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are alive,
// which usually means a leak.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		count := runtime.NumGoroutine()
		if count > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", count, threshold)
		}
		return nil
	}
}

// Pinger is anything with a connectivity probe, such as *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// FreshnessCheck fails when last reports a time older than maxAge. A zero
// time passes until grace has elapsed since the check was created, so a
// job that has not had its first run yet is not reported as stuck.
func FreshnessCheck(last func() time.Time, maxAge, grace time.Duration) CheckFunc {
	return freshness(last, maxAge, grace, time.Now)
}

func freshness(last func() time.Time, maxAge, grace time.Duration, now func() time.Time) CheckFunc {
	started := now()
	return func(_ context.Context) error {
		at := last()
		if at.IsZero() {
			if waited := now().Sub(started); waited > grace {
				return errors.Errorf("no successful run in %s", waited.Round(time.Second))
			}
			return nil
		}
		if age := now().Sub(at); age > maxAge {
			return errors.Errorf("last successful run %s ago exceeds %s", age.Round(time.Second), maxAge)
		}
		return nil
	}
}
