package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-cashback/internal/domain/cashback"
	"github.com/xenking/kart-cashback/internal/domain/customer"
	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/order"
	"github.com/xenking/kart-cashback/internal/domain/product"
	"github.com/xenking/kart-cashback/internal/domain/uow"
	"github.com/xenking/kart-cashback/internal/notify"
	"github.com/xenking/kart-cashback/internal/storage/memory"
	"github.com/xenking/kart-cashback/internal/storage/postgres"
	"github.com/xenking/kart-cashback/internal/sweeper"
	"github.com/xenking/kart-cashback/pkg/health"
	"github.com/xenking/kart-cashback/pkg/httpmiddleware"
)

const healthInterval = 10 * time.Second

// backend is one storage driver behind the domain ports.
type backend struct {
	products  product.Repository
	customers customer.Repository
	orders    order.Repository
	txs       cashback.Repository
	reasons   discount.ReasonRepository
	carts     order.CartRepository
	outbox    notify.Outbox
	unit      uow.UnitOfWork
	// ping is nil for drivers without a remote dependency.
	ping  health.CheckFunc
	close func()
}

func memoryBackend(st *memory.Store) backend {
	return backend{
		products:  st.Products(),
		customers: st.Customers(),
		orders:    st.Orders(),
		txs:       st.Cashback(),
		reasons:   st.Reasons(),
		carts:     st.Carts(),
		outbox:    st.Outbox(),
		unit:      st,
		close:     func() {},
	}
}

func postgresBackend(ctx context.Context, cfg *Config) (backend, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return backend{}, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return backend{}, errors.Wrap(err, "run migrations")
	}
	st := postgres.New(pool, postgres.Options{
		MaxRetries: cfg.Database.MaxRetries,
		Backoff:    cfg.Database.Backoff,
	})
	return backend{
		products:  st.Products(),
		customers: st.Customers(),
		orders:    st.Orders(),
		txs:       st.Cashback(),
		reasons:   st.Reasons(),
		carts:     st.Carts(),
		outbox:    st.Outbox(),
		unit:      st,
		ping:      health.PingCheck(pool),
		close:     pool.Close,
	}, nil
}

// App is the assembled engine: ledger, order orchestrator, expiry sweeper
// and the probe server handler.
type App struct {
	Ledger  *cashback.Ledger
	Orders  *order.Service
	Sweeper *sweeper.Sweeper

	cfg     *Config
	health  *health.Health
	handler http.Handler
	close   func()
}

// New opens the configured storage and wires every component.
func New(ctx context.Context, cfg *Config, tp trace.TracerProvider, mp metric.MeterProvider) (*App, error) {
	var (
		b   backend
		err error
	)
	switch cfg.Storage {
	case StorageMemory:
		zctx.From(ctx).Warn("Using in-memory storage, data is lost on exit")
		b = memoryBackend(memory.New())
	default:
		b, err = postgresBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	a, err := newApp(ctx, cfg, b, tp, mp)
	if err != nil {
		b.close()
		return nil, err
	}
	return a, nil
}

func newApp(ctx context.Context, cfg *Config, b backend, tp trace.TracerProvider, mp metric.MeterProvider) (*App, error) {
	ledger, err := cashback.NewLedger(b.txs, b.customers, b.unit, cashback.Config{
		ExpiryWindow:  cfg.Cashback.ExpiryWindow,
		MeterProvider: mp,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create ledger")
	}

	orderCfg, err := cfg.OrderConfig()
	if err != nil {
		return nil, errors.Wrap(err, "order config")
	}
	orderCfg.TracerProvider = tp
	orders := order.NewService(order.Deps{
		Orders:     b.orders,
		Products:   b.products,
		Customers:  b.customers,
		Reasons:    b.reasons,
		Carts:      b.carts,
		Ledger:     ledger,
		UnitOfWork: b.unit,
		Outbox:     b.outbox,
		Sink:       notify.Multi{notify.LogSink{}},
	}, orderCfg)

	sw := sweeper.New(ledger, sweeper.Config{
		Interval: cfg.Cashback.SweepInterval,
		Batch:    cfg.Cashback.SweepBatch,
	})

	h := health.New()
	if b.ping != nil {
		h.AddReadinessCheck("storage", 5*time.Second, b.ping)
	}
	h.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	// A sweep may be skipped twice before the process is considered stuck.
	h.AddLivenessCheck("expiry-sweep", time.Second,
		health.FreshnessCheck(sw.LastSuccess, 3*cfg.Cashback.SweepInterval, cfg.Cashback.SweepInterval+time.Minute),
		health.WithFailureThreshold(1),
	)

	handler := httpmiddleware.Wrap(h.Handler(),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Recovery(),
		httpmiddleware.Instrument("cashback-probes", tp, mp),
		httpmiddleware.LogRequests(),
	)

	return &App{
		Ledger:  ledger,
		Orders:  orders,
		Sweeper: sw,
		cfg:     cfg,
		health:  h,
		handler: handler,
		close:   b.close,
	}, nil
}

// Handler serves the liveness and readiness probes.
func (a *App) Handler() http.Handler { return a.handler }

// Close releases the storage driver.
func (a *App) Close() { a.close() }

// Serve runs the sweeper and the probe server until ctx is cancelled, then
// drains and shuts both down.
func (a *App) Serve(ctx context.Context) error {
	lg := zctx.From(ctx)
	cfg := a.cfg

	a.health.Start(ctx, healthInterval)
	defer a.health.Stop()
	a.health.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           a.handler,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Run creates all dependencies, starts the sweeper and the probe server,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)
	ctx = zctx.Base(ctx, lg)

	a, err := New(ctx, cfg, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Serve(ctx)
}
