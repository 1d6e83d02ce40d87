package main

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-cashback/internal/domain/cashback"
	"github.com/xenking/kart-cashback/internal/domain/customer"
	"github.com/xenking/kart-cashback/internal/domain/money"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
	importActor   = "import"
)

// record is one delivered historical order.
type record struct {
	orderID     string
	customerID  string
	finalPrice  decimal.Decimal
	deliveredAt time.Time
}

// parseRecord reads order_id,customer_id,final_price,delivered_at.
func parseRecord(fields []string) (record, error) {
	if len(fields) != 4 {
		return record{}, errors.Errorf("expected 4 fields, got %d", len(fields))
	}
	r := record{
		orderID:    strings.TrimSpace(fields[0]),
		customerID: strings.TrimSpace(fields[1]),
	}
	if r.orderID == "" || r.customerID == "" {
		return record{}, errors.New("order_id and customer_id are required")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(fields[2]))
	if err != nil {
		return record{}, errors.Wrap(err, "parse final_price")
	}
	if price.IsNegative() {
		return record{}, errors.Errorf("negative final_price %s", price)
	}
	r.finalPrice = price
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[3]))
	if err != nil {
		return record{}, errors.Wrap(err, "parse delivered_at")
	}
	r.deliveredAt = at.UTC()
	return r, nil
}

type earner interface {
	Credit(ctx context.Context, req cashback.EarnRequest) (*cashback.Transaction, bool, error)
}

type keyLookup interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*cashback.Transaction, error)
}

type stats struct {
	read       atomic.Int64
	credited   atomic.Int64
	duplicates atomic.Int64
	conflicts  atomic.Int64
	skipped    atomic.Int64
}

// importer credits historical orders through the ledger. Every credit uses
// the order's earn key, so rerunning an import never double-credits.
type importer struct {
	ledger  earner
	lookup  keyLookup
	rate    decimal.Decimal
	workers int

	// filter is a cheap pre-check: a miss proves the order was not seen
	// in this run, a hit is confirmed against the ledger.
	mu     sync.Mutex
	filter *bloom.BloomFilter

	stats stats
}

func newImporter(ledger earner, lookup keyLookup, rate decimal.Decimal, workers int, capacity uint) *importer {
	return &importer{
		ledger:  ledger,
		lookup:  lookup,
		rate:    rate,
		workers: max(workers, 1),
		filter:  bloom.NewWithEstimates(max(capacity, 1), bloomFPR),
	}
}

// Import streams every file and credits its rows with a worker pool.
func (imp *importer) Import(ctx context.Context, files []string) error {
	rows := make(chan record, 1024)

	g, ctx := errgroup.WithContext(ctx)
	var readers sync.WaitGroup
	for _, path := range files {
		readers.Add(1)
		g.Go(func() error {
			defer readers.Done()
			return imp.readFile(ctx, path, rows)
		})
	}
	g.Go(func() error {
		readers.Wait()
		close(rows)
		return nil
	})
	for range imp.workers {
		g.Go(func() error {
			for r := range rows {
				if err := imp.apply(ctx, r); err != nil {
					return errors.Wrapf(err, "order %s", r.orderID)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (imp *importer) readFile(ctx context.Context, path string, rows chan<- record) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return imp.readCSV(ctx, path, gz, rows)
}

func (imp *importer) readCSV(ctx context.Context, name string, src io.Reader, rows chan<- record) error {
	cr := csv.NewReader(src)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	for line := 1; ; line++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		if line == 1 && len(fields) > 0 && strings.TrimSpace(fields[0]) == "order_id" {
			continue
		}
		r, err := parseRecord(fields)
		if err != nil {
			return errors.Wrapf(err, "%s line %d", name, line)
		}
		if n := imp.stats.read.Add(1); n%progressEvery == 0 {
			slog.Info("import progress", slog.Int64("rows", n))
		}
		select {
		case rows <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (imp *importer) maybeSeen(key string) bool {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return imp.filter.TestAndAddString(key)
}

func (imp *importer) apply(ctx context.Context, r record) error {
	amount := money.Percent(r.finalPrice, imp.rate)
	if !amount.IsPositive() {
		imp.stats.skipped.Add(1)
		return nil
	}

	key := cashback.EarnKey(r.orderID)
	if imp.maybeSeen(key) {
		existing, err := imp.lookup.GetByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			if existing.CustomerID == r.customerID && money.Round(existing.Amount).Equal(money.Round(amount)) {
				imp.stats.duplicates.Add(1)
				return nil
			}
			// Let the ledger report the conflict.
		case !errors.Is(err, cashback.ErrNotFound):
			return errors.Wrap(err, "look up earn key")
		}
	}

	_, created, err := imp.ledger.Credit(ctx, cashback.EarnRequest{
		CustomerID:  r.customerID,
		OrderID:     r.orderID,
		Amount:      amount,
		Description: "Cashback for historical order",
		EarnedAt:    r.deliveredAt,
		Actor:       importActor,
	})
	if errors.Is(err, customer.ErrNotFound) {
		slog.Warn("skipping order of unknown customer",
			slog.String("order_id", r.orderID),
			slog.String("customer_id", r.customerID),
		)
		imp.stats.skipped.Add(1)
		return nil
	}
	if errors.Is(err, cashback.ErrKeyConflict) {
		slog.Warn("earn key already holds a different credit",
			slog.String("order_id", r.orderID),
			slog.String("customer_id", r.customerID),
			slog.String("error", err.Error()),
		)
		imp.stats.conflicts.Add(1)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "earn")
	}
	if !created {
		imp.stats.duplicates.Add(1)
		return nil
	}
	imp.stats.credited.Add(1)
	return nil
}
