package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/customer"
	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/lifecycle"
	"github.com/xenking/kart-cashback/internal/domain/product"
	"github.com/xenking/kart-cashback/internal/storage/postgres"
)

type catalogJSON struct {
	Products []struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Price    decimal.Decimal `json:"price"`
		Category string          `json:"category"`
		Stock    int             `json:"stock"`
	} `json:"products"`
	Customers []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"customers"`
	Reasons []struct {
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Kind     string          `json:"kind"`
		Value    decimal.Decimal `json:"value"`
		MinItems int             `json:"min_items"`
	} `json:"reasons"`
}

func main() {
	var (
		databaseURL string
		catalogFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to catalog JSON file")
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

	if err := run(ctx, databaseURL, catalogFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}
	var catalog catalogJSON
	if err := json.Unmarshal(data, &catalog); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	store := postgres.New(pool, postgres.Options{})
	stamp := lifecycle.New(time.Now().UTC(), lifecycle.System)

	// One unit of work so a bad row leaves the database untouched.
	return store.Do(ctx, func(ctx context.Context) error {
		if err := seedProducts(ctx, store.Products(), catalog, stamp); err != nil {
			return errors.Wrap(err, "seed products")
		}
		if err := seedCustomers(ctx, store.Customers(), catalog, stamp); err != nil {
			return errors.Wrap(err, "seed customers")
		}
		if err := seedReasons(ctx, store.Reasons(), catalog, stamp); err != nil {
			return errors.Wrap(err, "seed discount reasons")
		}
		return nil
	})
}

func seedProducts(ctx context.Context, repo *postgres.Products, catalog catalogJSON, stamp lifecycle.Lifecycle) error {
	slog.Info("upserting products", slog.Int("count", len(catalog.Products)))

	for _, p := range catalog.Products {
		if err := repo.Put(ctx, product.Product{
			ID:        p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Category:  p.Category,
			Stock:     p.Stock,
			Active:    true,
			Lifecycle: stamp,
		}); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}

func seedCustomers(ctx context.Context, repo *postgres.Customers, catalog catalogJSON, stamp lifecycle.Lifecycle) error {
	slog.Info("upserting customers", slog.Int("count", len(catalog.Customers)))

	for _, c := range catalog.Customers {
		if err := repo.Put(ctx, customer.Customer{
			ID:              c.ID,
			Name:            c.Name,
			Phone:           c.Phone,
			CashbackBalance: decimal.Zero,
			Lifecycle:       stamp,
		}); err != nil {
			return errors.Wrapf(err, "upsert customer %s", c.ID)
		}

		slog.Info("upserted customer", slog.String("id", c.ID), slog.String("name", c.Name))
	}

	return nil
}

func seedReasons(ctx context.Context, repo *postgres.Reasons, catalog catalogJSON, stamp lifecycle.Lifecycle) error {
	slog.Info("upserting discount reasons", slog.Int("count", len(catalog.Reasons)))

	for _, r := range catalog.Reasons {
		kind := discount.Kind(r.Kind)
		switch kind {
		case discount.KindManual, discount.KindPercentage, discount.KindFixed, discount.KindFreeLowest:
		default:
			return errors.Errorf("reason %s: unknown kind %q", r.ID, r.Kind)
		}
		if err := repo.Put(ctx, discount.Reason{
			ID:        r.ID,
			Name:      r.Name,
			Kind:      kind,
			Value:     r.Value,
			MinItems:  r.MinItems,
			Active:    true,
			Lifecycle: stamp,
		}); err != nil {
			return errors.Wrapf(err, "upsert discount reason %s", r.ID)
		}

		slog.Info("upserted discount reason", slog.String("id", r.ID), slog.String("kind", r.Kind))
	}

	return nil
}
