package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-cashback/internal/domain/discount"
)

const (
	getReasonSQL = `SELECT id, name, kind, value, min_items, active,
			created_at, created_by, updated_at, updated_by, deleted_at, deleted_by
		FROM discount_reasons WHERE id = $1`

	upsertReasonSQL = `INSERT INTO discount_reasons (id, name, kind, value, min_items, active,
			created_at, created_by, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7, now(), $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, kind = EXCLUDED.kind, value = EXCLUDED.value,
			min_items = EXCLUDED.min_items, active = EXCLUDED.active,
			updated_at = now(), updated_by = EXCLUDED.updated_by`
)

// Reasons implements discount.ReasonRepository backed by PostgreSQL.
type Reasons struct {
	s *Store
}

var _ discount.ReasonRepository = (*Reasons)(nil)

// Put inserts or replaces a reason.
func (r *Reasons) Put(ctx context.Context, reason discount.Reason) error {
	_, err := r.s.q(ctx).Exec(ctx, upsertReasonSQL,
		reason.ID, reason.Name, string(reason.Kind), reason.Value, reason.MinItems, reason.Active, reason.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("upserting discount reason %q: %w", reason.ID, err)
	}
	return nil
}

// FindByID returns discount.ErrReasonNotFound for an unknown id.
func (r *Reasons) FindByID(ctx context.Context, id string) (*discount.Reason, error) {
	rows, err := r.s.q(ctx).Query(ctx, getReasonSQL, id)
	if err != nil {
		return nil, fmt.Errorf("finding discount reason %q: %w", id, err)
	}
	reason, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (discount.Reason, error) {
		var (
			rs   discount.Reason
			kind string
		)
		err := row.Scan(
			&rs.ID, &rs.Name, &kind, &rs.Value, &rs.MinItems, &rs.Active,
			&rs.CreatedAt, &rs.CreatedBy, &rs.UpdatedAt, &rs.UpdatedBy, &rs.DeletedAt, &rs.DeletedBy,
		)
		rs.Kind = discount.Kind(kind)
		return rs, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(discount.ErrReasonNotFound, "reason %s", id)
		}
		return nil, fmt.Errorf("finding discount reason %q: %w", id, err)
	}
	return &reason, nil
}
