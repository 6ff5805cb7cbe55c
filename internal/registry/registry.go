// Package registry owns rider identity, position and availability.
//
// Each rider has its own lock. Availability and geo index membership of a
// rider only change together inside that lock, so a rider is in the index
// exactly when it is available (modulo index write failures, which only ever
// leave an available rider missing from the index). TryReserve is the single
// source of truth for "is this rider taken".
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-dispatch/internal/geo"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/observability"
)

var (
	ErrRiderNotFound   = errors.New("rider not found")
	ErrAlreadyReserved = errors.New("rider already reserved")
	ErrRiderBusy       = errors.New("rider is reserved by an active order")
)

type riderState struct {
	mu      sync.Mutex
	rider   models.Rider
	removed bool
	// unseen riders were held from persisted orders but have not
	// registered since startup, so their position is unknown.
	unseen bool
}

type Registry struct {
	index  geo.Index
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	riders map[string]*riderState
}

func New(index geo.Index, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		index:  index,
		logger: logger.With("component", "registry"),
		now:    time.Now,
		riders: make(map[string]*riderState),
	}
}

func (r *Registry) lookup(id string) (*riderState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.riders[id]
	return s, ok
}

// Register adds a rider as available. Registering a known id only updates
// its name and position; a rider held by Hold stays reserved.
func (r *Registry) Register(ctx context.Context, rider models.Rider) error {
	if rider.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "required"}
	}
	if err := rider.Loc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	s, exists := r.riders[rider.ID]
	if !exists {
		s = &riderState{rider: models.Rider{ID: rider.ID}}
		r.riders[rider.ID] = s
	}
	// take the rider lock before publishing so nobody reserves a half-built rider
	s.mu.Lock()
	r.mu.Unlock()
	defer s.mu.Unlock()

	firstSeen := !exists || s.unseen
	if rider.Name != "" {
		s.rider.Name = rider.Name
	}
	s.rider.Loc = rider.Loc
	s.rider.Updated = r.now()
	s.unseen = false
	if !exists {
		s.rider.Available = true
	}
	if firstSeen && s.rider.Available {
		observability.RidersAvailable.Inc()
	}
	if s.rider.Available {
		r.indexUpsert(ctx, s.rider)
	}
	return nil
}

// Deregister removes an available rider. Reserved riders are referenced by an
// active order and cannot be removed.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.riders[id]
	if !ok {
		return ErrRiderNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rider.Available {
		return ErrRiderBusy
	}
	if !s.unseen {
		r.indexRemove(ctx, id)
		observability.RidersAvailable.Dec()
	}
	s.removed = true
	delete(r.riders, id)
	return nil
}

// Hold marks riders as reserved before they register, for riders that
// persisted active orders still reference after a restart. A held rider
// keeps its reservation through Register and only becomes available on
// Release. Holding an already reserved rider is a no-op.
func (r *Registry) Hold(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		r.mu.Lock()
		s, exists := r.riders[id]
		if !exists {
			r.riders[id] = &riderState{rider: models.Rider{ID: id, Updated: r.now()}, unseen: true}
			r.mu.Unlock()
			continue
		}
		s.mu.Lock()
		r.mu.Unlock()
		if s.rider.Available && !s.unseen {
			s.rider.Available = false
			s.rider.Version++
			observability.RidersAvailable.Dec()
			r.indexRemove(ctx, id)
		} else {
			s.rider.Available = false
		}
		s.mu.Unlock()
	}
}

// UpdatePosition applies a position report. The index only follows the
// rider while it is available.
func (r *Registry) UpdatePosition(ctx context.Context, id string, loc models.Coord) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	s, ok := r.lookup(id)
	if !ok {
		return ErrRiderNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.unseen {
		return ErrRiderNotFound
	}
	s.rider.Loc = loc
	s.rider.Updated = r.now()
	if s.rider.Available {
		r.indexUpsert(ctx, s.rider)
	}
	return nil
}

// TryReserve atomically flips an available rider to reserved and drops it
// from the index. Of any number of concurrent callers exactly one wins.
func (r *Registry) TryReserve(ctx context.Context, id string) error {
	s, ok := r.lookup(id)
	if !ok {
		return ErrRiderNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.unseen {
		return ErrRiderNotFound
	}
	if !s.rider.Available {
		return ErrAlreadyReserved
	}
	s.rider.Available = false
	s.rider.Version++
	observability.RidersAvailable.Dec()
	r.indexRemove(ctx, id)
	return nil
}

// Release makes a rider available again. Releasing an available rider is a no-op.
func (r *Registry) Release(ctx context.Context, id string) error {
	s, ok := r.lookup(id)
	if !ok {
		return ErrRiderNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return ErrRiderNotFound
	}
	if s.rider.Available {
		return nil
	}
	s.rider.Available = true
	s.rider.Version++
	if s.unseen {
		// no position yet; Register puts the rider in the index
		return nil
	}
	observability.RidersAvailable.Inc()
	r.indexUpsert(ctx, s.rider)
	return nil
}

func (r *Registry) Get(id string) (models.Rider, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return models.Rider{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rider, !s.removed && !s.unseen
}

func (r *Registry) AvailableCount() int {
	r.mu.RLock()
	states := make([]*riderState, 0, len(r.riders))
	for _, s := range r.riders {
		states = append(states, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range states {
		s.mu.Lock()
		if s.rider.Available && !s.removed && !s.unseen {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// index writes are best effort: the reservation re-check absorbs staleness.
// Context cancellation is ignored so a caller giving up never leaves the
// index disagreeing with availability.
func (r *Registry) indexUpsert(ctx context.Context, rider models.Rider) {
	if err := r.index.Upsert(context.WithoutCancel(ctx), rider.ID, rider.Loc); err != nil {
		r.logger.Warn("geo index upsert failed", "rider_id", rider.ID, "error", err)
	}
}

func (r *Registry) indexRemove(ctx context.Context, id string) {
	if err := r.index.Remove(context.WithoutCancel(ctx), id); err != nil {
		r.logger.Warn("geo index remove failed", "rider_id", id, "error", err)
	}
}
