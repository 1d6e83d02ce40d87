package cashback

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/customer"
	"github.com/xenking/kart-cashback/internal/domain/uow"
)

// --- Mock implementations ---

type mockCustomers struct {
	mu        sync.Mutex
	customers map[string]*customer.Customer
}

func (m *mockCustomers) GetByID(_ context.Context, id string) (*customer.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, &customer.NotFoundError{CustomerID: id}
	}
	cp := *c
	return &cp, nil
}

func (m *mockCustomers) GetByIDForUpdate(ctx context.Context, id string) (*customer.Customer, error) {
	return m.GetByID(ctx, id)
}

func (m *mockCustomers) SetCashbackBalance(_ context.Context, id string, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return &customer.NotFoundError{CustomerID: id}
	}
	c.CashbackBalance = balance
	return nil
}

func (m *mockCustomers) ListIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.customers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

type mockTxs struct {
	mu      sync.Mutex
	entries []Transaction
}

func (m *mockTxs) Insert(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.IdempotencyKey != "" {
		for _, e := range m.entries {
			if e.IdempotencyKey == tx.IdempotencyKey {
				return ErrDuplicate
			}
		}
	}
	m.entries = append(m.entries, *tx)
	return nil
}

func (m *mockTxs) GetByIdempotencyKey(_ context.Context, key string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.IdempotencyKey == key {
			cp := e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockTxs) filter(fn func(*Transaction) bool) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for i := range m.entries {
		if fn(&m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out
}

func (m *mockTxs) ListSpendableForUpdate(_ context.Context, customerID string, now time.Time) ([]Transaction, error) {
	out := m.filter(func(t *Transaction) bool { return t.CustomerID == customerID && t.Spendable(now) })
	sortFIFO(out)
	return out, nil
}

func (m *mockTxs) ListLapsedForUpdate(_ context.Context, customerID string, now time.Time) ([]Transaction, error) {
	return m.filter(func(t *Transaction) bool { return t.CustomerID == customerID && t.Lapsed(now) }), nil
}

func (m *mockTxs) ListCustomersWithLapsed(_ context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	for _, t := range m.filter(func(t *Transaction) bool { return t.Lapsed(now) }) {
		if !slices.Contains(ids, t.CustomerID) {
			ids = append(ids, t.CustomerID)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *mockTxs) UpdateRemaining(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == tx.ID {
			m.entries[i].Remaining = tx.Remaining
			m.entries[i].ConsumedAt = tx.ConsumedAt
			m.entries[i].Lifecycle = tx.Lifecycle
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockTxs) SumRemaining(_ context.Context, customerID string, w Window) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, t := range m.filter(func(t *Transaction) bool {
		if t.CustomerID != customerID || t.Kind != KindEarned {
			return false
		}
		if !t.ExpiresAt.After(w.After) {
			return false
		}
		return w.Before.IsZero() || !t.ExpiresAt.After(w.Before)
	}) {
		sum = sum.Add(t.Remaining)
	}
	return sum, nil
}

func (m *mockTxs) ListByCustomer(_ context.Context, customerID string) ([]Transaction, error) {
	return m.filter(func(t *Transaction) bool { return t.CustomerID == customerID }), nil
}

// --- Helpers ---

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func inline() uow.UnitOfWork {
	return uow.Func(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return fn(ctx)
	})
}

type fixture struct {
	ledger    *Ledger
	txs       *mockTxs
	customers *mockCustomers
	clock     time.Time
}

func newFixture(t *testing.T, customerIDs ...string) *fixture {
	t.Helper()
	f := &fixture{
		txs:       &mockTxs{},
		customers: &mockCustomers{customers: map[string]*customer.Customer{}},
		clock:     epoch,
	}
	for _, id := range customerIDs {
		f.customers.customers[id] = &customer.Customer{ID: id, CashbackBalance: decimal.Zero}
	}
	l, err := NewLedger(f.txs, f.customers, inline(), Config{
		ExpiryWindow:  DefaultExpiryWindow,
		MeterProvider: noop.NewMeterProvider(),
	})
	require.NoError(t, err)
	l.now = func() time.Time { return f.clock }
	seq := 0
	l.newNumber = func() string {
		seq++
		return fmt.Sprintf("CB-%04d", seq)
	}
	f.ledger = l
	return f
}

// earnExpiringIn credits amount so that it expires after days from the
// fixture clock.
func (f *fixture) earnExpiringIn(t *testing.T, customerID, orderID, amount string, days int) *Transaction {
	t.Helper()
	earnedAt := f.clock.Add(time.Duration(days)*24*time.Hour - DefaultExpiryWindow)
	tx, err := f.ledger.Earn(context.Background(), EarnRequest{
		CustomerID: customerID,
		OrderID:    orderID,
		Amount:     d(amount),
		EarnedAt:   earnedAt,
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) cached(t *testing.T, customerID string) decimal.Decimal {
	t.Helper()
	c, err := f.customers.GetByID(context.Background(), customerID)
	require.NoError(t, err)
	return c.CashbackBalance
}

func (f *fixture) remaining(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	for _, e := range f.txs.filter(func(tx *Transaction) bool { return tx.ID == id }) {
		return e.Remaining
	}
	t.Fatalf("entry %s not found", id)
	return decimal.Zero
}

// --- Tests ---

func TestEarn_CreditsAndUpdatesCachedBalance(t *testing.T) {
	f := newFixture(t, "c1")

	tx, err := f.ledger.Earn(context.Background(), EarnRequest{
		CustomerID: "c1",
		OrderID:    "o1",
		Amount:     d("120.50"),
	})
	require.NoError(t, err)

	assert.Equal(t, KindEarned, tx.Kind)
	assert.True(t, tx.Amount.Equal(d("120.50")))
	assert.True(t, tx.Remaining.Equal(tx.Amount))
	assert.Equal(t, "o1:earn", tx.IdempotencyKey)
	require.NotNil(t, tx.ExpiresAt)
	assert.Equal(t, epoch.Add(DefaultExpiryWindow), *tx.ExpiresAt)
	assert.True(t, f.cached(t, "c1").Equal(d("120.50")))
}

func TestEarn_Validation(t *testing.T) {
	f := newFixture(t, "c1")

	tests := []struct {
		name string
		req  EarnRequest
	}{
		{name: "zero amount", req: EarnRequest{CustomerID: "c1", Amount: decimal.Zero}},
		{name: "negative amount", req: EarnRequest{CustomerID: "c1", Amount: d("-5")}},
		{name: "rounds to zero", req: EarnRequest{CustomerID: "c1", Amount: d("0.004")}},
		{name: "missing customer", req: EarnRequest{Amount: d("5")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Earn(context.Background(), tt.req)
			require.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestEarn_UnknownCustomer(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Earn(context.Background(), EarnRequest{CustomerID: "ghost", Amount: d("1")})
	require.ErrorIs(t, err, customer.ErrNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestEarn_Idempotent(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()

	first, err := f.ledger.Earn(ctx, EarnRequest{CustomerID: "c1", OrderID: "o1", Amount: d("40")})
	require.NoError(t, err)
	second, err := f.ledger.Earn(ctx, EarnRequest{CustomerID: "c1", OrderID: "o1", Amount: d("40")})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.txs.entries, 1)
	assert.True(t, f.cached(t, "c1").Equal(d("40")))
}

func TestCredit_ReportsCreated(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	req := EarnRequest{CustomerID: "c1", OrderID: "o1", Amount: d("40")}

	first, created, err := f.ledger.Credit(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := f.ledger.Credit(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestEarn_KeyConflict(t *testing.T) {
	tests := []struct {
		name string
		req  EarnRequest
	}{
		{name: "other customer", req: EarnRequest{CustomerID: "c2", OrderID: "o1", Amount: d("40")}},
		{name: "other amount", req: EarnRequest{CustomerID: "c1", OrderID: "o1", Amount: d("41")}},
		{name: "explicit key", req: EarnRequest{CustomerID: "c1", IdempotencyKey: "o1:earn", Amount: d("4")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "c1", "c2")
			ctx := context.Background()
			_, err := f.ledger.Earn(ctx, EarnRequest{CustomerID: "c1", OrderID: "o1", Amount: d("40")})
			require.NoError(t, err)

			_, err = f.ledger.Earn(ctx, tt.req)
			require.ErrorIs(t, err, ErrKeyConflict)
			require.ErrorIs(t, err, apperr.ErrValidation)
			assert.Len(t, f.txs.entries, 1)
			assert.True(t, f.cached(t, "c1").Equal(d("40")))
			assert.True(t, f.cached(t, "c2").IsZero())
		})
	}
}

func TestEarn_SameAmountDifferentScaleIsReplay(t *testing.T) {
	f := newFixture(t, "c1")
	ctx := context.Background()
	_, err := f.ledger.Earn(ctx, EarnRequest{CustomerID: "c1", OrderID: "o1", Amount: d("40")})
	require.NoError(t, err)

	_, created, err := f.ledger.Credit(ctx, EarnRequest{CustomerID: "c1", OrderID: "o1", Amount: d("40.001")})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestUse_FIFOAcrossSources(t *testing.T) {
	f := newFixture(t, "c1")
	a := f.earnExpiringIn(t, "c1", "o1", "100", 5)
	b := f.earnExpiringIn(t, "c1", "o2", "200", 10)
	c := f.earnExpiringIn(t, "c1", "o3", "300", 30)

	used, err := f.ledger.Use(context.Background(), UseRequest{CustomerID: "c1", OrderID: "o9", Amount: d("250")})
	require.NoError(t, err)

	assert.True(t, f.remaining(t, a.ID).IsZero())
	assert.True(t, f.remaining(t, b.ID).Equal(d("50")))
	assert.True(t, f.remaining(t, c.ID).Equal(d("300")))

	require.Len(t, used, 2)
	assert.Equal(t, a.ID, used[0].SourceID)
	assert.True(t, used[0].Amount.Equal(d("-100")))
	assert.Equal(t, b.ID, used[1].SourceID)
	assert.True(t, used[1].Amount.Equal(d("-150")))
	for _, u := range used {
		assert.Equal(t, KindUsed, u.Kind)
		assert.Equal(t, "o9", u.OrderID)
		assert.True(t, u.Remaining.IsZero())
	}

	consumed := f.txs.filter(func(tx *Transaction) bool { return tx.ID == a.ID })[0]
	require.NotNil(t, consumed.ConsumedAt)
	assert.True(t, f.cached(t, "c1").Equal(d("350")))
}

func TestUse_InsufficientBalance(t *testing.T) {
	f := newFixture(t, "c1")
	a := f.earnExpiringIn(t, "c1", "o1", "60", 5)
	b := f.earnExpiringIn(t, "c1", "o2", "40", 9)

	_, err := f.ledger.Use(context.Background(), UseRequest{CustomerID: "c1", Amount: d("100.01")})

	var ie *InsufficientBalanceError
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Available.Equal(d("100")))
	require.ErrorIs(t, err, apperr.ErrInsufficientBalance)
	assert.True(t, f.cached(t, "c1").Equal(d("100")))
	assert.True(t, f.remaining(t, a.ID).Equal(d("60")))
	assert.True(t, f.remaining(t, b.ID).Equal(d("40")))
	assert.Empty(t, f.txs.filter(func(tx *Transaction) bool { return tx.Kind == KindUsed }))
}

func TestUse_IgnoresLapsedCredit(t *testing.T) {
	f := newFixture(t, "c1")
	old := f.earnExpiringIn(t, "c1", "o1", "80", 1)
	f.earnExpiringIn(t, "c1", "o2", "20", 20)
	f.clock = f.clock.Add(48 * time.Hour)

	_, err := f.ledger.Use(context.Background(), UseRequest{CustomerID: "c1", Amount: d("50")})
	require.ErrorIs(t, err, apperr.ErrInsufficientBalance)

	used, err := f.ledger.Use(context.Background(), UseRequest{CustomerID: "c1", Amount: d("20")})
	require.NoError(t, err)
	require.Len(t, used, 1)

	assert.True(t, f.remaining(t, old.ID).IsZero())
	assert.True(t, f.cached(t, "c1").IsZero())
	expired := f.txs.filter(func(tx *Transaction) bool { return tx.Kind == KindExpired })
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].SourceID)
}

func TestUse_ConcurrentNeverOverdraws(t *testing.T) {
	f := newFixture(t, "c1")
	f.earnExpiringIn(t, "c1", "o1", "100", 10)

	var mu sync.Mutex
	f.ledger.uow = uow.Func(func(ctx context.Context, fn func(ctx context.Context) error) error {
		mu.Lock()
		defer mu.Unlock()
		return fn(ctx)
	})

	var (
		wg   sync.WaitGroup
		okMu sync.Mutex
		ok   int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.Use(context.Background(), UseRequest{CustomerID: "c1", Amount: d("30")}); err == nil {
				okMu.Lock()
				ok++
				okMu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.True(t, f.cached(t, "c1").Equal(d("10")))
}

func TestExpireSweep_Idempotent(t *testing.T) {
	f := newFixture(t, "c1", "c2")
	f.earnExpiringIn(t, "c1", "o1", "10", 1)
	f.earnExpiringIn(t, "c1", "o2", "15", 2)
	f.earnExpiringIn(t, "c2", "o3", "7.25", 1)
	f.earnExpiringIn(t, "c2", "o4", "99", 60)

	now := f.clock.Add(72 * time.Hour)
	first, err := f.ledger.ExpireSweep(context.Background(), now, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Customers)
	assert.Equal(t, 3, first.Entries)
	assert.True(t, first.Amount.Equal(d("32.25")))

	second, err := f.ledger.ExpireSweep(context.Background(), now, 1)
	require.NoError(t, err)
	assert.Zero(t, second.Entries)
	assert.True(t, second.Amount.IsZero())

	assert.True(t, f.cached(t, "c1").IsZero())
	assert.True(t, f.cached(t, "c2").Equal(d("99")))
	assert.Len(t, f.txs.filter(func(tx *Transaction) bool { return tx.Kind == KindExpired }), 3)
}

func TestBalances(t *testing.T) {
	f := newFixture(t, "c1")
	f.earnExpiringIn(t, "c1", "o1", "10", 3)
	f.earnExpiringIn(t, "c1", "o2", "20", 7)
	f.earnExpiringIn(t, "c1", "o3", "40", 8)
	ctx := context.Background()

	available, err := f.ledger.AvailableBalance(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, available.Equal(d("70")))

	soon, err := f.ledger.ExpiringWithin(ctx, "c1", 7)
	require.NoError(t, err)
	assert.True(t, soon.Equal(d("30")))

	_, err = f.ledger.ExpiringWithin(ctx, "c1", 0)
	require.ErrorIs(t, err, apperr.ErrValidation)

	f.clock = f.clock.Add(4 * 24 * time.Hour)
	available, err = f.ledger.AvailableBalance(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, available.Equal(d("60")))

	rec, err := f.ledger.Reconcile(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent())
	assert.True(t, rec.Pending().Equal(d("10")))
}

func TestRefund_IsIdempotentCredit(t *testing.T) {
	f := newFixture(t, "c1")
	f.earnExpiringIn(t, "c1", "o1", "5000", 10)
	ctx := context.Background()

	_, err := f.ledger.Use(ctx, UseRequest{CustomerID: "c1", OrderID: "o2", Amount: d("5000")})
	require.NoError(t, err)
	assert.True(t, f.cached(t, "c1").IsZero())

	for range 2 {
		tx, err := f.ledger.Refund(ctx, RefundRequest{CustomerID: "c1", OrderID: "o2", Amount: d("5000")})
		require.NoError(t, err)
		assert.Equal(t, "o2:refund", tx.IdempotencyKey)
	}
	assert.True(t, f.cached(t, "c1").Equal(d("5000")))

	history, err := f.ledger.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestReconcile_DetectsDrift(t *testing.T) {
	f := newFixture(t, "c1")
	f.earnExpiringIn(t, "c1", "o1", "10", 3)
	require.NoError(t, f.customers.SetCashbackBalance(context.Background(), "c1", d("12")))

	rec, err := f.ledger.Reconcile(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, rec.Consistent())
	assert.True(t, rec.Book.Equal(d("10")))
}
