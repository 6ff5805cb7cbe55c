// Package events carries order lifecycle events out of the engine. Publishing
// is best effort: a failed sink never fails the order operation that emitted
// the event.
package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/observability"
)

type Publisher interface {
	Publish(ctx context.Context, ev models.OrderEvent) error
}

type Nop struct{}

func (Nop) Publish(context.Context, models.OrderEvent) error { return nil }

type namedSink struct {
	name string
	pub  Publisher
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout struct {
	sinks  []namedSink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger.With("component", "events")}
}

func (f *Fanout) Add(name string, p Publisher) *Fanout {
	if p != nil {
		f.sinks = append(f.sinks, namedSink{name: name, pub: p})
	}
	return f
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Publish(ctx context.Context, ev models.OrderEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.pub.Publish(ctx, ev); err != nil {
			observability.EventsPublishErrors.WithLabelValues(s.name).Inc()
			f.logger.Warn("event publish failed", "sink", s.name, "order_id", ev.OrderID, "status", ev.Status, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
