package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/rider-dispatch/internal/eta"
	"github.com/example/rider-dispatch/internal/events"
	"github.com/example/rider-dispatch/internal/geo"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/observability"
	"github.com/example/rider-dispatch/internal/orders"
	"github.com/example/rider-dispatch/internal/registry"
	"github.com/example/rider-dispatch/internal/storage"
)

const defaultTopN = 8

var ErrPersistence = errors.New("order persistence failed")

// PersistenceError reports that an order could not be stored. Any rider
// reserved for it has already been released.
type PersistenceError struct {
	OrderID string
	RiderID string
	Err     error
}

func (e *PersistenceError) Error() string {
	if e.RiderID != "" {
		return fmt.Sprintf("persist order %s (rider %s released): %v", e.OrderID, e.RiderID, e.Err)
	}
	return fmt.Sprintf("persist order %s: %v", e.OrderID, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

type Geo interface {
	Nearest(ctx context.Context, p models.Coord, maxMeters float64, limit int) ([]geo.Candidate, error)
}

type Reserver interface {
	TryReserve(ctx context.Context, riderID string) error
	Release(ctx context.Context, riderID string) error
}

// Service assigns the nearest available rider to orders.
type Service struct {
	Geo               Geo
	Riders            Reserver
	Store             storage.OrderStore
	Events            events.Publisher // optional
	ETA               *eta.Estimator   // optional
	TopN              int
	MaxDistanceMeters float64
	Logger            *slog.Logger
	Now               func() time.Time
	NewID             func() string
}

func (s *Service) topN() int {
	if s.TopN <= 0 {
		return defaultTopN
	}
	return s.TopN
}

func (s *Service) maxDistance() float64 {
	if s.MaxDistanceMeters <= 0 {
		return geo.MaxDistanceMeters
	}
	return s.MaxDistanceMeters
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}

// Assign creates an order from draft, reserving the nearest available rider
// when one exists. Failing to find a rider is not an error: the order is
// stored as PLACED and can be redispatched later.
func (s *Service) Assign(ctx context.Context, draft models.OrderDraft) (*models.Order, error) {
	start := time.Now()
	defer func() { observability.AssignLatency.Observe(time.Since(start).Seconds()) }()

	if err := draft.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	o := &models.Order{
		ID:           s.newID(),
		RequesterID:  draft.RequesterID,
		RestaurantID: draft.RestaurantID,
		Address:      draft.Address,
		Delivery:     draft.Delivery,
		Items:        draft.Items,
		Status:       models.StatusPlaced,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if o.Items == nil {
		o.Items = []models.Item{}
	}

	c, err := s.reserveNearest(ctx, o.Delivery)
	if err != nil {
		return nil, err
	}
	if c != nil {
		s.applyAssignment(ctx, o, c)
	}

	if err := s.Store.Create(ctx, o); err != nil {
		observability.AssignmentsTotal.WithLabelValues("failed").Inc()
		return nil, s.rollback(ctx, o, err)
	}
	s.finish(ctx, o)
	return o, nil
}

// Redispatch retries dispatch for a PLACED order. The order is returned
// unchanged when still no rider can be reserved.
func (s *Service) Redispatch(ctx context.Context, orderID string) (*models.Order, error) {
	o, err := s.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := orders.Next(o.Status, models.EventAssigned); !ok {
		return nil, &orders.IllegalTransitionError{OrderID: orderID, From: o.Status, Event: models.EventAssigned}
	}
	c, err := s.reserveNearest(ctx, o.Delivery)
	if err != nil {
		return nil, err
	}
	if c == nil {
		observability.AssignmentsTotal.WithLabelValues("placed").Inc()
		return o, nil
	}
	s.applyAssignment(ctx, o, c)
	o.UpdatedAt = s.now()
	if err := s.Store.Update(ctx, o); err != nil {
		observability.AssignmentsTotal.WithLabelValues("failed").Inc()
		return nil, s.rollback(ctx, o, err)
	}
	s.finish(ctx, o)
	return o, nil
}

// RedispatchPending walks the oldest PLACED orders and retries each one.
// It returns how many got a rider.
func (s *Service) RedispatchPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.Store.ListByStatus(ctx, models.StatusPlaced, limit)
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return assigned, err
		}
		o, err := s.Redispatch(ctx, p.ID)
		if err != nil {
			// lost to a concurrent cancel or store hiccup; next run picks it up again
			s.logger().Warn("redispatch failed", "order_id", p.ID, "error", err)
			continue
		}
		if o.Status == models.StatusAssigned {
			assigned++
		}
	}
	return assigned, nil
}

// reserveNearest walks candidates nearest-first until a reservation sticks.
// It returns nil when nobody could be reserved and an error only when ctx is done.
func (s *Service) reserveNearest(ctx context.Context, p models.Coord) (*geo.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cands, err := s.Geo.Nearest(ctx, p, s.maxDistance(), s.topN())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger().Warn("geo lookup failed, leaving order unassigned", "error", err)
		return nil, nil
	}
	for i := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.Riders.TryReserve(ctx, cands[i].RiderID)
		switch {
		case err == nil:
			return &cands[i], nil
		case errors.Is(err, registry.ErrAlreadyReserved), errors.Is(err, registry.ErrRiderNotFound):
			observability.ReservationConflicts.Inc()
		default:
			s.logger().Warn("reserve failed", "rider_id", cands[i].RiderID, "error", err)
		}
	}
	return nil, nil
}

func (s *Service) applyAssignment(ctx context.Context, o *models.Order, c *geo.Candidate) {
	id := c.RiderID
	o.RiderID = &id
	o.Status = models.StatusAssigned
	o.RiderDistanceMeters = c.DistanceMeters
	if s.ETA != nil {
		o.RiderETASeconds = s.ETA.Estimate(ctx, c.Loc, o.Delivery)
	} else {
		o.RiderETASeconds = eta.EstimateSeconds(c.Loc, o.Delivery, 0)
	}
}

// rollback undoes the reservation held for o after a failed write.
func (s *Service) rollback(ctx context.Context, o *models.Order, cause error) error {
	perr := &PersistenceError{OrderID: o.ID, Err: cause}
	if o.RiderID == nil {
		return perr
	}
	perr.RiderID = *o.RiderID
	if err := s.Riders.Release(context.WithoutCancel(ctx), *o.RiderID); err != nil {
		s.logger().Error("release after persistence failure", "order_id", o.ID, "rider_id", *o.RiderID, "error", err)
	}
	observability.ReservationRollbacks.Inc()
	o.RiderID = nil
	o.Status = models.StatusPlaced
	return perr
}

func (s *Service) finish(ctx context.Context, o *models.Order) {
	outcome := "placed"
	if o.Status == models.StatusAssigned {
		outcome = "assigned"
	}
	observability.AssignmentsTotal.WithLabelValues(outcome).Inc()
	s.logger().Info("order dispatched", "order_id", o.ID, "status", o.Status, "rider_id", o.Rider(), "distance_m", o.RiderDistanceMeters)
	if s.Events != nil {
		ev := models.OrderEvent{OrderID: o.ID, RiderID: o.Rider(), Status: o.Status, At: o.UpdatedAt}
		if o.Status == models.StatusAssigned {
			ev.Event = models.EventAssigned
		}
		_ = s.Events.Publish(ctx, ev)
	}
}
