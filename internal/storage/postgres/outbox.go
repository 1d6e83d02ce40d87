package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-cashback/internal/notify"
)

const (
	insertOutboxSQL = `INSERT INTO outbox_events (id, type, order_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`

	listOutboxSQL = `SELECT payload FROM outbox_events ORDER BY occurred_at, id`
)

// Outbox implements notify.Outbox. Events are written in the transaction
// that produced them, so a rolled back operation leaves no event behind.
type Outbox struct {
	s *Store
}

var _ notify.Outbox = (*Outbox)(nil)

func (r *Outbox) Append(ctx context.Context, events ...notify.Event) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := e.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encoding event %q: %w", e.ID, err)
		}
		batch.Queue(insertOutboxSQL, e.ID, string(e.Type), e.OrderID, payload, e.OccurredAt)
	}
	return r.s.Do(ctx, func(ctx context.Context) error {
		tx, _ := txFrom(ctx)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("appending events: %w", err)
		}
		return nil
	})
}

// Events lists every stored event in occurrence order.
func (r *Outbox) Events(ctx context.Context) ([]notify.Event, error) {
	rows, err := r.s.q(ctx).Query(ctx, listOutboxSQL)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (notify.Event, error) {
		var (
			payload []byte
			e       notify.Event
		)
		if err := row.Scan(&payload); err != nil {
			return e, err
		}
		err := e.UnmarshalJSON(payload)
		return e, err
	})
}
