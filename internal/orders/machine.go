// Package orders owns the order lifecycle.
//
//	PLACED ──assigned──> ASSIGNED ──picked_up──> PICKED_UP ──delivered──> DELIVERED
//	  │                     │  └──────────────delivered──────────────────────┘
//	  └──cancelled──────────┴──cancelled──> CANCELLED
//
// DELIVERED and CANCELLED are terminal. Delivery, and cancellation of an
// ASSIGNED order, hand the rider back to the registry.
package orders

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-dispatch/internal/events"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/observability"
	"github.com/example/rider-dispatch/internal/storage"
)

var ErrIllegalTransition = errors.New("illegal order transition")

type IllegalTransitionError struct {
	OrderID string
	From    models.Status
	Event   models.Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot apply %q in status %s", e.OrderID, e.Event, e.From)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

var transitions = map[models.Status]map[models.Event]models.Status{
	models.StatusPlaced: {
		models.EventAssigned:  models.StatusAssigned,
		models.EventCancelled: models.StatusCancelled,
	},
	models.StatusAssigned: {
		models.EventPickedUp:  models.StatusPickedUp,
		models.EventDelivered: models.StatusDelivered,
		models.EventCancelled: models.StatusCancelled,
	},
	models.StatusPickedUp: {
		models.EventDelivered: models.StatusDelivered,
	},
}

// Next returns the status reached by applying ev in status from.
func Next(from models.Status, ev models.Event) (models.Status, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// releasesRider reports whether moving from -> to frees the order's rider.
func releasesRider(from, to models.Status) bool {
	return to == models.StatusDelivered || (to == models.StatusCancelled && from == models.StatusAssigned)
}

type RiderReleaser interface {
	Release(ctx context.Context, riderID string) error
}

type Machine struct {
	store  storage.OrderStore
	riders RiderReleaser
	pub    events.Publisher
	logger *slog.Logger
	now    func() time.Time
	locks  [64]sync.Mutex
}

func NewMachine(store storage.OrderStore, riders RiderReleaser, pub events.Publisher, logger *slog.Logger) *Machine {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, riders: riders, pub: pub, logger: logger.With("component", "orders"), now: time.Now}
}

func (m *Machine) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.locks[h.Sum32()%uint32(len(m.locks))]
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Order, error) {
	return m.store.Get(ctx, id)
}

// Transition applies an externally triggered event. Assignment is not an
// external event: it only happens through the dispatcher. The event is
// published after the order lock is dropped so a slow sink cannot stall
// other orders sharing the lock stripe.
func (m *Machine) Transition(ctx context.Context, id string, ev models.Event) (*models.Order, error) {
	o, from, err := m.apply(ctx, id, ev)
	if err != nil {
		return nil, err
	}
	m.logger.Info("order transition", "order_id", id, "from", from, "to", o.Status, "rider_id", o.Rider())
	_ = m.pub.Publish(ctx, models.OrderEvent{OrderID: o.ID, RiderID: o.Rider(), Status: o.Status, Event: ev, At: o.UpdatedAt})
	return o, nil
}

// apply persists the transition and frees the rider under the order lock.
func (m *Machine) apply(ctx context.Context, id string, ev models.Event) (*models.Order, models.Status, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	o, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	from := o.Status
	to, ok := Next(from, ev)
	if !ok || ev == models.EventAssigned {
		observability.TransitionsTotal.WithLabelValues(string(ev), "rejected").Inc()
		return nil, from, &IllegalTransitionError{OrderID: id, From: from, Event: ev}
	}

	o.Status = to
	o.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, o); err != nil {
		observability.TransitionsTotal.WithLabelValues(string(ev), "failed").Inc()
		return nil, from, fmt.Errorf("persist %s -> %s: %w", from, to, err)
	}
	observability.TransitionsTotal.WithLabelValues(string(ev), "applied").Inc()

	if releasesRider(from, to) && o.RiderID != nil {
		// the transition is durable; the rider must come back even if the caller went away
		if err := m.riders.Release(context.WithoutCancel(ctx), *o.RiderID); err != nil {
			m.logger.Error("rider release failed", "order_id", id, "rider_id", *o.RiderID, "error", err)
		}
	}
	return o, from, nil
}
