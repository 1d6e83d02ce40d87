// Package postgres implements every repository and the unit of work on
// PostgreSQL through pgx.
package postgres

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/kart-cashback/db"
	"github.com/xenking/kart-cashback/internal/domain/uow"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the embedded DDL schema against the pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, db.Schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// querier is what repositories run statements on: the pool outside a unit
// of work, the transaction inside one.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options tune the unit of work.
type Options struct {
	// MaxRetries bounds how often a unit of work is re-run after a
	// serialization failure or deadlock.
	MaxRetries int
	// Backoff is the first delay between attempts; it doubles every retry.
	Backoff time.Duration
}

const (
	defaultMaxRetries = 3
	defaultBackoff    = 50 * time.Millisecond
)

// Store is the PostgreSQL unit of work and the factory of its repositories.
type Store struct {
	pool *pgxpool.Pool
	opts Options
}

// New returns a Store over pool.
func New(pool *pgxpool.Pool, opts Options) *Store {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Store{pool: pool, opts: opts}
}

var _ uow.UnitOfWork = (*Store)(nil)

type txKey struct{}

func txFrom(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := txFrom(ctx); ok {
		return tx
	}
	return s.pool
}

// Do runs fn in a serializable transaction and commits when fn succeeds.
// Serialization failures and deadlocks re-run fn with exponential backoff
// and jitter. A nested call joins the outer transaction.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}

	backoff := s.opts.Backoff
	for attempt := 0; ; attempt++ {
		err := s.attempt(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == s.opts.MaxRetries {
			return errors.Wrapf(err, "max retries (%d) exceeded", s.opts.MaxRetries)
		}

		jitter := time.Duration(rand.Int64N(int64(backoff/4) + 1))
		zctx.From(ctx).Debug("Retrying transaction",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff+jitter),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

func (s *Store) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	// Rollback after a successful commit is a no-op.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	txCtx, hooks := uow.WithHooks(context.WithValue(ctx, txKey{}, tx))
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	hooks.Run(ctx)
	return nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

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
