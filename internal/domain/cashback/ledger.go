package cashback

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/kart-cashback/internal/domain/apperr"
	"github.com/xenking/kart-cashback/internal/domain/customer"
	"github.com/xenking/kart-cashback/internal/domain/lifecycle"
	"github.com/xenking/kart-cashback/internal/domain/money"
	"github.com/xenking/kart-cashback/internal/domain/uow"
)

// Config tunes the ledger.
type Config struct {
	// ExpiryWindow is added to EarnedAt to get ExpiresAt.
	ExpiryWindow time.Duration
	// MeterProvider receives ledger counters. Nil means the global provider.
	MeterProvider metric.MeterProvider
}

// Ledger owns every write to the cashback log and to the cached customer
// balance. All mutations lock the customer row first.
type Ledger struct {
	txs       Repository
	customers customer.Repository
	uow       uow.UnitOfWork
	window    time.Duration
	metrics   *ledgerMetrics

	now       func() time.Time
	newID     func() string
	newNumber func() string
}

// NewLedger creates a Ledger.
func NewLedger(txs Repository, customers customer.Repository, unit uow.UnitOfWork, cfg Config) (*Ledger, error) {
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = DefaultExpiryWindow
	}
	m, err := newLedgerMetrics(cfg.MeterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "ledger metrics")
	}
	return &Ledger{
		txs:       txs,
		customers: customers,
		uow:       unit,
		window:    cfg.ExpiryWindow,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		newNumber: NewNumber,
	}, nil
}

// NewNumber returns a fresh human-readable transaction number.
func NewNumber() string {
	return "CB-" + ulid.Make().String()
}

// EarnRequest describes a credit.
type EarnRequest struct {
	CustomerID  string
	OrderID     string
	Amount      decimal.Decimal
	Description string
	// IdempotencyKey defaults to EarnKey(OrderID) when OrderID is set.
	IdempotencyKey string
	// EarnedAt defaults to the current time. Backdated credits expire
	// relative to it.
	EarnedAt time.Time
	Actor    string
}

// Earn appends an earned entry and raises the cached balance by its amount.
// Repeating a request with the same idempotency key returns the entry that
// was created first and changes nothing.
func (l *Ledger) Earn(ctx context.Context, req EarnRequest) (*Transaction, error) {
	tx, _, err := l.Credit(ctx, req)
	return tx, err
}

// Credit is Earn that also reports whether this call wrote the entry. A
// replayed key reports false. A key already used for another customer or
// amount fails with ErrKeyConflict.
func (l *Ledger) Credit(ctx context.Context, req EarnRequest) (*Transaction, bool, error) {
	amount := money.Round(req.Amount)
	if req.CustomerID == "" {
		return nil, false, apperr.Validation("customer_id", "required")
	}
	if !amount.IsPositive() {
		return nil, false, apperr.Validation("amount", "must be positive, got %s", req.Amount)
	}
	key := req.IdempotencyKey
	if key == "" && req.OrderID != "" {
		key = EarnKey(req.OrderID)
	}
	actor := req.Actor
	if actor == "" {
		actor = lifecycle.System
	}

	var (
		result  *Transaction
		created bool
	)
	err := l.uow.Do(ctx, func(ctx context.Context) error {
		result, created = nil, false
		cust, err := l.customers.GetByIDForUpdate(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		if key != "" {
			existing, err := l.txs.GetByIdempotencyKey(ctx, key)
			switch {
			case err == nil:
				if existing.CustomerID != cust.ID || !money.Round(existing.Amount).Equal(amount) {
					return errors.Wrapf(ErrKeyConflict, "key %q holds %s for customer %s",
						key, existing.Amount.StringFixed(money.Places), existing.CustomerID)
				}
				result = existing
				return nil
			case !errors.Is(err, ErrNotFound):
				return errors.Wrap(err, "lookup idempotency key")
			}
		}

		now := l.now()
		earnedAt := req.EarnedAt
		if earnedAt.IsZero() {
			earnedAt = now
		}
		expiresAt := earnedAt.Add(l.window)
		tx := &Transaction{
			ID:             l.newID(),
			Number:         l.newNumber(),
			CustomerID:     cust.ID,
			OrderID:        req.OrderID,
			Kind:           KindEarned,
			Amount:         amount,
			Remaining:      amount,
			EarnedAt:       earnedAt,
			ExpiresAt:      &expiresAt,
			Description:    req.Description,
			IdempotencyKey: key,
			Lifecycle:      lifecycle.New(now, actor),
		}
		if err := l.txs.Insert(ctx, tx); err != nil {
			return errors.Wrap(err, "insert earned entry")
		}
		if err := l.customers.SetCashbackBalance(ctx, cust.ID, cust.CashbackBalance.Add(amount)); err != nil {
			return errors.Wrap(err, "update cached balance")
		}
		result, created = tx, true

		uow.AfterCommit(ctx, func(ctx context.Context) {
			l.metrics.earned(ctx, amount)
			zctx.From(ctx).Info("Cashback earned",
				zap.String("customer_id", tx.CustomerID),
				zap.String("order_id", tx.OrderID),
				zap.String("number", tx.Number),
				zap.String("amount", amount.StringFixed(money.Places)),
				zap.Time("expires_at", expiresAt),
			)
		})
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "earn cashback")
	}
	return result, created, nil
}

// UseRequest describes a redemption.
type UseRequest struct {
	CustomerID  string
	OrderID     string
	Amount      decimal.Decimal
	Description string
}

// Use redeems amount from the customer's spendable credit, soonest expiry
// first, writing one used entry per earned entry it draws from. Lapsed
// credit is expired beforehand so it can never be redeemed.
func (l *Ledger) Use(ctx context.Context, req UseRequest) ([]Transaction, error) {
	amount := money.Round(req.Amount)
	if req.CustomerID == "" {
		return nil, apperr.Validation("customer_id", "required")
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount", "must be positive, got %s", req.Amount)
	}

	var used []Transaction
	err := l.uow.Do(ctx, func(ctx context.Context) error {
		used = nil
		now := l.now()
		cust, err := l.customers.GetByIDForUpdate(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		if _, err := l.expireLocked(ctx, cust, now); err != nil {
			return err
		}

		sources, err := l.txs.ListSpendableForUpdate(ctx, cust.ID, now)
		if err != nil {
			return errors.Wrap(err, "list spendable entries")
		}
		sortFIFO(sources)

		available := decimal.Zero
		for i := range sources {
			available = available.Add(sources[i].Remaining)
		}
		if amount.GreaterThan(available) {
			return &InsufficientBalanceError{
				CustomerID: cust.ID,
				Requested:  amount,
				Available:  available,
			}
		}

		needed := amount
		for i := range sources {
			if !needed.IsPositive() {
				break
			}
			src := &sources[i]
			if !src.Spendable(now) {
				continue
			}
			taken := src.draw(needed, now)
			needed = needed.Sub(taken)
			if err := l.txs.UpdateRemaining(ctx, src); err != nil {
				return errors.Wrap(err, "update source entry")
			}
			entry := Transaction{
				ID:          l.newID(),
				Number:      l.newNumber(),
				CustomerID:  cust.ID,
				OrderID:     req.OrderID,
				SourceID:    src.ID,
				Kind:        KindUsed,
				Amount:      taken.Neg(),
				Remaining:   decimal.Zero,
				EarnedAt:    now,
				Description: req.Description,
				Lifecycle:   lifecycle.New(now, lifecycle.System),
			}
			if err := l.txs.Insert(ctx, &entry); err != nil {
				return errors.Wrap(err, "insert used entry")
			}
			used = append(used, entry)
		}
		if needed.IsPositive() {
			return apperr.Invariant("cashback walk for customer %s exhausted with %s still needed",
				cust.ID, needed.StringFixed(money.Places))
		}

		if err := l.customers.SetCashbackBalance(ctx, cust.ID, cust.CashbackBalance.Sub(amount)); err != nil {
			return errors.Wrap(err, "update cached balance")
		}

		entries := len(used)
		uow.AfterCommit(ctx, func(ctx context.Context) {
			l.metrics.used(ctx, amount, entries)
			zctx.From(ctx).Info("Cashback used",
				zap.String("customer_id", req.CustomerID),
				zap.String("order_id", req.OrderID),
				zap.String("amount", amount.StringFixed(money.Places)),
				zap.Int("sources", entries),
			)
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "use cashback")
	}
	return used, nil
}

// RefundRequest describes the compensation for a redemption that is being
// reversed.
type RefundRequest struct {
	CustomerID  string
	OrderID     string
	Amount      decimal.Decimal
	Description string
	Actor       string
}

// Refund credits back a reversed redemption as a fresh earned entry keyed
// by RefundKey(OrderID). The original entries stay untouched.
func (l *Ledger) Refund(ctx context.Context, req RefundRequest) (*Transaction, error) {
	if req.OrderID == "" {
		return nil, apperr.Validation("order_id", "required for refund")
	}
	return l.Earn(ctx, EarnRequest{
		CustomerID:     req.CustomerID,
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		Description:    req.Description,
		IdempotencyKey: RefundKey(req.OrderID),
		Actor:          req.Actor,
	})
}

// SweepResult summarizes an expiry sweep.
type SweepResult struct {
	Customers int
	Entries   int
	Amount    decimal.Decimal
}

type sweepTotals struct {
	entries int
	amount  decimal.Decimal
}

// ExpireSweep expires every lapsed earned entry as of now, one customer per
// unit of work. Running it twice expires nothing the second time. On error
// the result still counts the customers already committed.
func (l *Ledger) ExpireSweep(ctx context.Context, now time.Time, batch int) (res SweepResult, err error) {
	if batch <= 0 {
		batch = 500
	}
	res = SweepResult{Amount: decimal.Zero}
	defer func() { l.metrics.sweep(ctx, res.Customers, err == nil) }()
	for {
		ids, err := l.txs.ListCustomersWithLapsed(ctx, now, batch)
		if err != nil {
			return res, errors.Wrap(err, "list customers with lapsed credit")
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			totals, err := l.expireCustomer(ctx, id, now)
			if err != nil {
				return res, errors.Wrapf(err, "expire customer %s", id)
			}
			if totals.entries > 0 {
				res.Customers++
				res.Entries += totals.entries
				res.Amount = res.Amount.Add(totals.amount)
			}
		}
		if len(ids) < batch {
			break
		}
	}
	zctx.From(ctx).Info("Cashback expiry sweep finished",
		zap.Int("customers", res.Customers),
		zap.Int("entries", res.Entries),
		zap.String("amount", res.Amount.StringFixed(money.Places)),
	)
	return res, nil
}

func (l *Ledger) expireCustomer(ctx context.Context, customerID string, now time.Time) (sweepTotals, error) {
	var totals sweepTotals
	err := l.uow.Do(ctx, func(ctx context.Context) error {
		cust, err := l.customers.GetByIDForUpdate(ctx, customerID)
		if err != nil {
			return err
		}
		totals, err = l.expireLocked(ctx, cust, now)
		return err
	})
	return totals, err
}

// expireLocked expects the customer row to be locked by the caller and
// leaves cust.CashbackBalance matching what it stored.
func (l *Ledger) expireLocked(ctx context.Context, cust *customer.Customer, now time.Time) (sweepTotals, error) {
	totals := sweepTotals{amount: decimal.Zero}
	lapsed, err := l.txs.ListLapsedForUpdate(ctx, cust.ID, now)
	if err != nil {
		return totals, errors.Wrap(err, "list lapsed entries")
	}
	for i := range lapsed {
		src := &lapsed[i]
		if !src.Lapsed(now) {
			continue
		}
		amount := src.draw(src.Remaining, now)
		if err := l.txs.UpdateRemaining(ctx, src); err != nil {
			return totals, errors.Wrap(err, "zero lapsed entry")
		}
		entry := &Transaction{
			ID:          l.newID(),
			Number:      l.newNumber(),
			CustomerID:  cust.ID,
			SourceID:    src.ID,
			Kind:        KindExpired,
			Amount:      amount.Neg(),
			Remaining:   decimal.Zero,
			EarnedAt:    now,
			Description: "expired " + src.Number,
			Lifecycle:   lifecycle.New(now, lifecycle.System),
		}
		if err := l.txs.Insert(ctx, entry); err != nil {
			return totals, errors.Wrap(err, "insert expired entry")
		}
		totals.entries++
		totals.amount = totals.amount.Add(amount)
	}
	if totals.entries == 0 {
		return totals, nil
	}
	cust.CashbackBalance = cust.CashbackBalance.Sub(totals.amount)
	if err := l.customers.SetCashbackBalance(ctx, cust.ID, cust.CashbackBalance); err != nil {
		return totals, errors.Wrap(err, "update cached balance")
	}
	customerID, committed := cust.ID, totals
	uow.AfterCommit(ctx, func(ctx context.Context) {
		l.metrics.expired(ctx, committed)
		zctx.From(ctx).Debug("Expired lapsed cashback",
			zap.String("customer_id", customerID),
			zap.Int("entries", committed.entries),
			zap.String("amount", committed.amount.StringFixed(money.Places)),
		)
	})
	return totals, nil
}

// AvailableBalance sums the remaining credit that has not expired yet.
func (l *Ledger) AvailableBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	if _, err := l.customers.GetByID(ctx, customerID); err != nil {
		return decimal.Zero, err
	}
	sum, err := l.txs.SumRemaining(ctx, customerID, Window{After: l.now()})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "sum available cashback")
	}
	return sum, nil
}

// ExpiringWithin sums the remaining credit expiring in the next days days.
func (l *Ledger) ExpiringWithin(ctx context.Context, customerID string, days int) (decimal.Decimal, error) {
	if days <= 0 {
		return decimal.Zero, apperr.Validation("days", "must be positive, got %d", days)
	}
	if _, err := l.customers.GetByID(ctx, customerID); err != nil {
		return decimal.Zero, err
	}
	now := l.now()
	sum, err := l.txs.SumRemaining(ctx, customerID, Window{
		After:  now,
		Before: now.Add(time.Duration(days) * 24 * time.Hour),
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "sum expiring cashback")
	}
	return sum, nil
}

// Reconciliation compares the cached balance with the ledger.
type Reconciliation struct {
	CustomerID string
	Cached     decimal.Decimal
	// Book is the remaining credit of every earned entry, lapsed or not.
	Book decimal.Decimal
	// Available excludes lapsed credit the sweep has not reached yet.
	Available decimal.Decimal
}

// Consistent reports whether the cached balance matches the book balance.
func (r Reconciliation) Consistent() bool {
	return r.Cached.Equal(r.Book)
}

// Pending is the lapsed credit still waiting for the sweep.
func (r Reconciliation) Pending() decimal.Decimal {
	return r.Book.Sub(r.Available)
}

// Reconcile reads the cached balance and both ledger sums for a customer.
func (l *Ledger) Reconcile(ctx context.Context, customerID string) (Reconciliation, error) {
	var rec Reconciliation
	err := l.uow.Do(ctx, func(ctx context.Context) error {
		cust, err := l.customers.GetByID(ctx, customerID)
		if err != nil {
			return err
		}
		book, err := l.txs.SumRemaining(ctx, customerID, Window{})
		if err != nil {
			return errors.Wrap(err, "sum book balance")
		}
		available, err := l.txs.SumRemaining(ctx, customerID, Window{After: l.now()})
		if err != nil {
			return errors.Wrap(err, "sum available balance")
		}
		rec = Reconciliation{
			CustomerID: customerID,
			Cached:     cust.CashbackBalance,
			Book:       book,
			Available:  available,
		}
		return nil
	})
	if err != nil {
		return Reconciliation{}, errors.Wrap(err, "reconcile cashback")
	}
	return rec, nil
}

// History returns every ledger entry of a customer, oldest first.
func (l *Ledger) History(ctx context.Context, customerID string) ([]Transaction, error) {
	if _, err := l.customers.GetByID(ctx, customerID); err != nil {
		return nil, err
	}
	txs, err := l.txs.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, errors.Wrap(err, "list cashback history")
	}
	return txs, nil
}

func sortFIFO(txs []Transaction) {
	slices.SortStableFunc(txs, func(a, b Transaction) int {
		if c := a.ExpiresAt.Compare(*b.ExpiresAt); c != 0 {
			return c
		}
		return a.EarnedAt.Compare(b.EarnedAt)
	})
}
