// Package lifecycle provides the audit stamp attached to every persisted
// entity. Soft deletion is expressed through DeletedAt; readers filter with
// Active instead of checking flags by hand.
package lifecycle

import "time"

// System is the actor recorded for changes made without a human operator.
const System = "system"

// Lifecycle records who created, last changed and deleted an entity.
type Lifecycle struct {
	CreatedAt time.Time
	CreatedBy string
	UpdatedAt time.Time
	UpdatedBy string
	DeletedAt *time.Time
	DeletedBy string
}

// New returns a lifecycle stamped as created by actor at now.
func New(now time.Time, actor string) Lifecycle {
	return Lifecycle{
		CreatedAt: now,
		CreatedBy: actor,
		UpdatedAt: now,
		UpdatedBy: actor,
	}
}

// Touch records an update.
func (l *Lifecycle) Touch(now time.Time, actor string) {
	l.UpdatedAt = now
	l.UpdatedBy = actor
}

// Delete soft-deletes the entity. Deleting twice keeps the first stamp.
func (l *Lifecycle) Delete(now time.Time, actor string) {
	if l.DeletedAt != nil {
		return
	}
	l.DeletedAt = &now
	l.DeletedBy = actor
	l.Touch(now, actor)
}

// Deleted reports whether the entity has been soft-deleted.
func (l Lifecycle) Deleted() bool {
	return l.DeletedAt != nil
}

// Deletable is implemented by anything embedding Lifecycle.
type Deletable interface {
	Deleted() bool
}

// Active returns the elements that are not soft-deleted, preserving order.
func Active[T Deletable](items []T) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if !item.Deleted() {
			out = append(out, item)
		}
	}
	return out
}
