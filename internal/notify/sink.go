package notify

import (
	"context"
	"sync"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Sink receives events after the unit of work that produced them has
// committed. Publishing is fire-and-forget: a sink never fails the caller.
type Sink interface {
	Publish(ctx context.Context, events ...Event)
}

// Outbox stores events inside the producing unit of work so they commit
// or roll back together with the state change.
type Outbox interface {
	Append(ctx context.Context, events ...Event) error
}

// LogSink writes events to the context logger.
type LogSink struct{}

var _ Sink = LogSink{}

// Publish implements Sink.
func (LogSink) Publish(ctx context.Context, events ...Event) {
	lg := zctx.From(ctx)
	for _, e := range events {
		payload, err := e.MarshalJSON()
		if err != nil {
			lg.Error("Encode event",
				zap.String("type", string(e.Type)),
				zap.String("order_id", e.OrderID),
				zap.Error(err),
			)
			continue
		}
		lg.Info("Event published",
			zap.String("type", string(e.Type)),
			zap.String("order_id", e.OrderID),
			zap.ByteString("payload", payload),
		)
	}
}

// Multi fans events out to several sinks.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, events ...Event) {
	if len(events) == 0 {
		return
	}
	for _, s := range m {
		s.Publish(ctx, events...)
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Sink.
func (r *Recorder) Publish(_ context.Context, events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// Events returns everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the published events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
