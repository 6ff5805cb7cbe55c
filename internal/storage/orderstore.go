package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/rider-dispatch/internal/models"
)

var (
	ErrNotFound        = errors.New("order not found")
	ErrDuplicate       = errors.New("order already exists")
	ErrVersionConflict = errors.New("order was modified concurrently")
)

// OrderStore defines persistence operations for orders.
//
// Update is optimistic: it succeeds only if the stored version equals
// o.Version, and bumps o.Version on success.
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	Update(ctx context.Context, o *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Order, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*models.Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicate
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, o *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != o.Version {
		return ErrVersionConflict
	}
	o.Version++
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

// ListByStatus returns orders oldest first.
func (m *MemoryStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*models.Order, 0)
	for _, o := range m.orders {
		if o.Status == status {
			out = append(out, o.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
