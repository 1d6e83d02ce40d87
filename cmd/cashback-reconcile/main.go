package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/kart-cashback/internal/domain/cashback"
	"github.com/xenking/kart-cashback/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		expiringDays int
		parallel     int
		onlyDrift    bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&expiringDays, "expiring-days", 7, "window in days for the expiring soon column")
	flag.IntVar(&parallel, "parallel", 8, "customers reconciled concurrently")
	flag.BoolVar(&onlyDrift, "only-drift", false, "print only customers whose cached balance drifted")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	n, err := run(ctx, databaseURL, expiringDays, parallel, onlyDrift)
	if err != nil {
		slog.Error("reconcile failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if n > 0 {
		slog.Warn("cached balances drifted from the ledger", slog.Int("customers", n))
		os.Exit(2)
	}

	slog.Info("all cached balances match the ledger")
}

func run(ctx context.Context, databaseURL string, days, parallel int, onlyDrift bool) (int, error) {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return 0, errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	store := postgres.New(pool, postgres.Options{})
	ledger, err := cashback.NewLedger(store.Cashback(), store.Customers(), store, cashback.Config{
		MeterProvider: noop.NewMeterProvider(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "create ledger")
	}

	ids, err := store.Customers().ListIDs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list customers")
	}
	slog.Info("reconciling customers", slog.Int("count", len(ids)))

	rows, err := collect(ctx, ledger, ids, days, parallel)
	if err != nil {
		return 0, err
	}
	if err := render(os.Stdout, rows, onlyDrift); err != nil {
		return 0, errors.Wrap(err, "render report")
	}
	return drifted(rows), nil
}
