package cashback

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/xenking/kart-cashback/internal/domain/cashback"

type ledgerMetrics struct {
	amount      metric.Float64Counter
	entries     metric.Int64Counter
	sweepRuns   metric.Int64Counter
	sweptPeople metric.Int64Counter
}

var (
	kindEarned  = metric.WithAttributes(attribute.String("kind", string(KindEarned)))
	kindUsed    = metric.WithAttributes(attribute.String("kind", string(KindUsed)))
	kindExpired = metric.WithAttributes(attribute.String("kind", string(KindExpired)))
)

func newLedgerMetrics(mp metric.MeterProvider) (*ledgerMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		m   ledgerMetrics
		err error
	)
	if m.amount, err = meter.Float64Counter("cashback.amount",
		metric.WithDescription("Cashback amount moved through the ledger by entry kind"),
	); err != nil {
		return nil, errors.Wrap(err, "amount counter")
	}
	if m.entries, err = meter.Int64Counter("cashback.entries",
		metric.WithDescription("Ledger entries written by kind"),
	); err != nil {
		return nil, errors.Wrap(err, "entries counter")
	}
	if m.sweepRuns, err = meter.Int64Counter("cashback.sweep.runs",
		metric.WithDescription("Completed expiry sweeps"),
	); err != nil {
		return nil, errors.Wrap(err, "sweep runs counter")
	}
	if m.sweptPeople, err = meter.Int64Counter("cashback.sweep.customers",
		metric.WithDescription("Customers whose credit was expired by a sweep"),
	); err != nil {
		return nil, errors.Wrap(err, "sweep customers counter")
	}
	return &m, nil
}

func (m *ledgerMetrics) earned(ctx context.Context, amount decimal.Decimal) {
	m.amount.Add(ctx, amount.InexactFloat64(), kindEarned)
	m.entries.Add(ctx, 1, kindEarned)
}

func (m *ledgerMetrics) used(ctx context.Context, amount decimal.Decimal, entries int) {
	m.amount.Add(ctx, amount.InexactFloat64(), kindUsed)
	m.entries.Add(ctx, int64(entries), kindUsed)
}

func (m *ledgerMetrics) expired(ctx context.Context, t sweepTotals) {
	if t.entries == 0 {
		return
	}
	m.amount.Add(ctx, t.amount.InexactFloat64(), kindExpired)
	m.entries.Add(ctx, int64(t.entries), kindExpired)
}

// sweep records the customers a sweep expired, including those committed
// before a failure. Only completed sweeps count as runs.
func (m *ledgerMetrics) sweep(ctx context.Context, customers int, completed bool) {
	if completed {
		m.sweepRuns.Add(ctx, 1)
	}
	m.sweptPeople.Add(ctx, int64(customers))
}
