package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/kart-cashback/internal/domain/cashback"
	"github.com/xenking/kart-cashback/internal/storage/postgres"
)

func main() {
	var (
		dataDir     string
		databaseURL string
		rate        string
		expiry      time.Duration
		workers     int
		capacity    uint
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.csv.gz order exports")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&rate, "rate", "2", "percent of the final price credited per order")
	flag.DurationVar(&expiry, "expiry", cashback.DefaultExpiryWindow, "how long imported cashback stays spendable after delivery")
	flag.IntVar(&workers, "workers", 8, "concurrent ledger writers")
	flag.UintVar(&capacity, "expected-orders", 1_000_000, "expected number of orders, sizes the duplicate filter")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	ratePercent, err := decimal.NewFromString(rate)
	if err != nil || !ratePercent.IsPositive() {
		slog.Error("rate must be a positive number", slog.String("rate", rate))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, ratePercent, expiry, workers, capacity); err != nil {
		slog.Error("cashback import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("cashback import completed successfully")
}

func run(
	ctx context.Context,
	dataDir, databaseURL string,
	rate decimal.Decimal,
	expiry time.Duration,
	workers int,
	capacity uint,
) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv.gz"))
	if err != nil {
		return errors.Wrap(err, "list export files")
	}
	if len(files) == 0 {
		slog.Info("no export files found", slog.String("dir", dataDir))
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	store := postgres.New(pool, postgres.Options{MaxRetries: 5})
	ledger, err := cashback.NewLedger(store.Cashback(), store.Customers(), store, cashback.Config{
		ExpiryWindow:  expiry,
		MeterProvider: noop.NewMeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create ledger")
	}

	slog.Info("importing historical orders",
		slog.Int("files", len(files)),
		slog.String("rate", rate.String()),
		slog.Int("workers", workers),
	)

	imp := newImporter(ledger, store.Cashback(), rate, workers, capacity)
	start := time.Now()
	if err := imp.Import(ctx, files); err != nil {
		return errors.Wrap(err, "import")
	}

	slog.Info("import finished",
		slog.Int64("rows", imp.stats.read.Load()),
		slog.Int64("credited", imp.stats.credited.Load()),
		slog.Int64("duplicates", imp.stats.duplicates.Load()),
		slog.Int64("conflicts", imp.stats.conflicts.Load()),
		slog.Int64("skipped", imp.stats.skipped.Load()),
		slog.Duration("took", time.Since(start)),
	)

	return nil
}
