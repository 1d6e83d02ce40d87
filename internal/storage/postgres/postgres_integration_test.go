//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/cashback"
	"github.com/xenking/kart-cashback/internal/domain/customer"
	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/order"
	"github.com/xenking/kart-cashback/internal/domain/product"
	"github.com/xenking/kart-cashback/internal/domain/uow"
	"github.com/xenking/kart-cashback/internal/notify"
	"github.com/xenking/kart-cashback/internal/storage/postgres"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "cashback",
				"POSTGRES_PASSWORD": "cashback",
				"POSTGRES_DB":       "cashback",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Printf("Failed to start postgres container: %v", err)
		return 1
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Printf("Failed to get container host: %v", err)
		return 1
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Printf("Failed to get container port: %v", err)
		return 1
	}

	dsn := fmt.Sprintf("postgres://cashback:cashback@%s:%s/cashback?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Printf("Failed to connect: %v", err)
		return 1
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Printf("Failed to migrate: %v", err)
		return 1
	}
	return m.Run()
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type env struct {
	store  *postgres.Store
	ledger *cashback.Ledger
	svc    *order.Service
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	_, err := pool.Exec(ctx, `TRUNCATE outbox_events, cart_items, cashback_transactions,
		order_discounts, order_items, orders, discount_reasons, customers, products CASCADE`)
	require.NoError(t, err)

	store := postgres.New(pool, postgres.Options{MaxRetries: 10, Backoff: 5 * time.Millisecond})
	for _, p := range []product.Product{
		{ID: "p1", Name: "Coffee beans", Price: d("150"), Stock: 10, Active: true},
		{ID: "p2", Name: "Mug", Price: d("40"), Stock: 5, Active: true},
		{ID: "tv", Name: "TV", Price: d("60000"), Stock: 3, Active: true},
	} {
		require.NoError(t, store.Products().Put(ctx, p))
	}
	require.NoError(t, store.Customers().Put(ctx, customer.Customer{ID: "c1", Name: "Ann"}))
	require.NoError(t, store.Reasons().Put(ctx, discount.Reason{
		ID: "loyal", Name: "Loyal customer", Kind: discount.KindPercentage, Value: d("10"), Active: true,
	}))

	ledger, err := cashback.NewLedger(store.Cashback(), store.Customers(), store, cashback.Config{
		MeterProvider: noop.NewMeterProvider(),
	})
	require.NoError(t, err)

	svc := order.NewService(order.Deps{
		Orders:     store.Orders(),
		Products:   store.Products(),
		Customers:  store.Customers(),
		Reasons:    store.Reasons(),
		Carts:      store.Carts(),
		Ledger:     ledger,
		UnitOfWork: store,
		Outbox:     store.Outbox(),
		Sink:       &notify.Recorder{},
	}, order.Config{
		Delivery:       order.DeliveryPolicy{Fee: d("20"), FreeFrom: d("1000")},
		Discounts:      discount.Policy{MaxPercent: d("20")},
		TracerProvider: tracenoop.NewTracerProvider(),
	})
	return &env{store: store, ledger: ledger, svc: svc}
}

func (e *env) earn(t *testing.T, key string, amount string, earnedAt time.Time) {
	t.Helper()
	_, err := e.ledger.Earn(context.Background(), cashback.EarnRequest{
		CustomerID: "c1", Amount: d(amount), IdempotencyKey: key, EarnedAt: earnedAt,
	})
	require.NoError(t, err)
}

func (e *env) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := e.store.Products().GetByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func (e *env) assertReconciled(t *testing.T) {
	t.Helper()
	rec, err := e.ledger.Reconcile(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent(), "cached %s, book %s", rec.Cached, rec.Book)
}

func TestLedger_FIFO(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()
	window := cashback.DefaultExpiryWindow

	// Expiring in 5, 10 and 30 days.
	e.earn(t, "a", "100", now.Add(5*24*time.Hour-window))
	e.earn(t, "b", "200", now.Add(10*24*time.Hour-window))
	e.earn(t, "c", "300", now.Add(30*24*time.Hour-window))

	used, err := e.ledger.Use(ctx, cashback.UseRequest{CustomerID: "c1", OrderID: "o1", Amount: d("250")})
	require.NoError(t, err)
	require.Len(t, used, 2)

	remaining := map[string]decimal.Decimal{}
	history, err := e.ledger.History(ctx, "c1")
	require.NoError(t, err)
	for _, tx := range history {
		if tx.Kind == cashback.KindEarned {
			remaining[tx.IdempotencyKey] = tx.Remaining
		}
	}
	assert.True(t, remaining["a"].IsZero())
	assert.True(t, d("50").Equal(remaining["b"]))
	assert.True(t, d("300").Equal(remaining["c"]))
	e.assertReconciled(t)

	_, err = e.ledger.Use(ctx, cashback.UseRequest{CustomerID: "c1", OrderID: "o2", Amount: d("351")})
	require.ErrorIs(t, err, apperr.ErrInsufficientBalance)
}

func TestLedger_ConcurrentUseNeverOverdraws(t *testing.T) {
	e := setup(t)
	e.earn(t, "seed", "100", time.Time{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ledger.Use(context.Background(), cashback.UseRequest{
				CustomerID: "c1", OrderID: fmt.Sprintf("o%d", i), Amount: d("30"),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrInsufficientBalance):
				fail++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 3, fail)
	balance, err := e.ledger.AvailableBalance(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, d("10").Equal(balance))
	e.assertReconciled(t)
}

func TestLedger_SweepIdempotent(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.earn(t, "old", "40", time.Now().UTC().Add(-cashback.DefaultExpiryWindow-time.Hour))
	e.earn(t, "new", "60", time.Time{})

	first, err := e.ledger.ExpireSweep(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Entries)
	assert.True(t, d("40").Equal(first.Amount))

	second, err := e.ledger.ExpireSweep(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Zero(t, second.Entries)
	e.assertReconciled(t)
}

func TestOrders_RoundTrip(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.NoError(t, e.store.Carts().Add(ctx, "c1", order.CartItem{ProductID: "p1", Quantity: 1}))

	created, err := e.svc.CreateOrder(ctx, order.CreateOrderRequest{
		CustomerID:      "c1",
		Items:           []order.ItemRequest{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}},
		PaymentMethod:   order.PaymentCard,
		DeliveryType:    order.DeliveryCourier,
		DeliveryAddress: "1 Main St",
		FromCart:        true,
	})
	require.NoError(t, err)
	_, err = e.svc.ApplyDiscount(ctx, order.ApplyDiscountRequest{OrderID: created.ID, ReasonID: "loyal", AppliedBy: "s1"})
	require.NoError(t, err)

	got, err := e.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Number, got.Number)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "p1", got.Items[0].ProductID)
	require.Len(t, got.Discounts, 1)
	assert.True(t, d("34").Equal(got.DiscountTotal))
	assert.True(t, d("326").Equal(got.FinalPrice))
	assert.True(t, got.Items[1].DiscountAmount.Equal(d("34")), "cheapest line absorbs the discount first")

	cart, err := e.store.Carts().Items(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, cart)

	events, err := e.store.Outbox().Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, notify.TypeOrderCreated, events[0].Type)
	assert.True(t, d("360").Equal(events[0].Amount))
}

func TestOrders_CancelRestoresEverything(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.earn(t, "seed", "5000", time.Time{})

	o, err := e.svc.CreateOrder(ctx, order.CreateOrderRequest{
		CustomerID:      "c1",
		Items:           []order.ItemRequest{{ProductID: "tv", Quantity: 1}, {ProductID: "p2", Quantity: 2}},
		PaymentMethod:   order.PaymentCard,
		DeliveryType:    order.DeliveryCourier,
		DeliveryAddress: "1 Main St",
		UseCashback:     d("5000"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, e.stock(t, "tv"))

	_, err = e.svc.CancelOrder(ctx, order.CancelRequest{OrderID: o.ID, Reason: "changed mind", Actor: "c1"})
	require.NoError(t, err)

	c, err := e.store.Customers().GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, d("5000").Equal(c.CashbackBalance))
	assert.Equal(t, 3, e.stock(t, "tv"))
	assert.Equal(t, 5, e.stock(t, "p2"))
	e.assertReconciled(t)

	got, err := e.svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.True(t, got.Deleted())
}

func TestOrders_FailedCreateLeavesNothing(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.svc.CreateOrder(ctx, order.CreateOrderRequest{
		CustomerID:      "c1",
		Items:           []order.ItemRequest{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 6}},
		PaymentMethod:   order.PaymentCash,
		DeliveryType:    order.DeliveryCourier,
		DeliveryAddress: "1 Main St",
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)

	assert.Equal(t, 10, e.stock(t, "p1"))
	var orders int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM orders`).Scan(&orders))
	assert.Zero(t, orders)
	events, err := e.store.Outbox().Events(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestProducts_ConcurrentDecrease(t *testing.T) {
	e := setup(t)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.store.Do(context.Background(), func(ctx context.Context) error {
				return e.store.Products().DecreaseStock(ctx, "p2", 2)
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			var se *product.InsufficientStockError
			assert.ErrorAs(t, err, &se)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, e.stock(t, "p2"))
}

func TestDo_AfterCommitRunsOncePerCommit(t *testing.T) {
	e := setup(t)
	boom := errors.New("boom")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		hooks    int
		commits  int
		attempts int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.store.Do(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				attempts++
				mu.Unlock()
				uow.AfterCommit(ctx, func(context.Context) {
					mu.Lock()
					hooks++
					mu.Unlock()
				})
				c, err := e.store.Customers().GetByIDForUpdate(ctx, "c1")
				if err != nil {
					return err
				}
				if err := e.store.Customers().SetCashbackBalance(ctx, "c1", c.CashbackBalance.Add(decimal.NewFromInt(1))); err != nil {
					return err
				}
				if i%2 == 1 {
					return boom
				}
				return nil
			})
			if err == nil {
				mu.Lock()
				commits++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, boom)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, commits)
	assert.Equal(t, commits, hooks)
	assert.GreaterOrEqual(t, attempts, 8)
	c, err := e.store.Customers().GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, c.CashbackBalance.Equal(decimal.NewFromInt(4)))
}
