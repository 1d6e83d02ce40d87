package main

import (
	"context"
	"io"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-cashback/internal/domain/cashback"
	"github.com/xenking/kart-cashback/internal/domain/money"
)

type reconciler interface {
	Reconcile(ctx context.Context, customerID string) (cashback.Reconciliation, error)
	ExpiringWithin(ctx context.Context, customerID string, days int) (decimal.Decimal, error)
}

type row struct {
	cashback.Reconciliation
	ExpiringSoon decimal.Decimal
}

// collect reconciles every customer with at most parallel lookups in
// flight. Rows come back in customer id order.
func collect(ctx context.Context, l reconciler, ids []string, days, parallel int) ([]row, error) {
	rows := make([]row, len(ids))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for i, id := range ids {
		g.Go(func() error {
			rec, err := l.Reconcile(ctx, id)
			if err != nil {
				return errors.Wrapf(err, "reconcile %s", id)
			}
			soon, err := l.ExpiringWithin(ctx, id, days)
			if err != nil {
				return errors.Wrapf(err, "expiring cashback of %s", id)
			}
			rows[i] = row{Reconciliation: rec, ExpiringSoon: soon}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(rows, func(a, b row) int { return strings.Compare(a.CustomerID, b.CustomerID) })
	return rows, nil
}

func drifted(rows []row) int {
	n := 0
	for _, r := range rows {
		if !r.Consistent() {
			n++
		}
	}
	return n
}

func render(w io.Writer, rows []row, onlyDrift bool) error {
	table := tablewriter.NewWriter(w)
	table.Header("Customer", "Cached", "Book", "Available", "Pending expiry", "Expiring soon", "Status")
	for _, r := range rows {
		if onlyDrift && r.Consistent() {
			continue
		}
		status := "ok"
		if !r.Consistent() {
			status = "drift " + r.Cached.Sub(r.Book).StringFixed(money.Places)
		}
		if err := table.Append([]string{
			r.CustomerID,
			r.Cached.StringFixed(money.Places),
			r.Book.StringFixed(money.Places),
			r.Available.StringFixed(money.Places),
			r.Pending().StringFixed(money.Places),
			r.ExpiringSoon.StringFixed(money.Places),
			status,
		}); err != nil {
			return errors.Wrap(err, "append row")
		}
	}
	return table.Render()
}
