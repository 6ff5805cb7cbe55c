package orders

import (
	"context"
	"fmt"

	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/storage"
)

// ActiveRiders lists the riders that stored ASSIGNED or PICKED_UP orders
// still hold. The registry starts empty, so these must be held before the
// first rider registers.
func ActiveRiders(ctx context.Context, store storage.OrderStore) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, st := range []models.Status{models.StatusAssigned, models.StatusPickedUp} {
		active, err := store.ListByStatus(ctx, st, 0)
		if err != nil {
			return nil, fmt.Errorf("list %s orders: %w", st, err)
		}
		for _, o := range active {
			if o.RiderID == nil || seen[*o.RiderID] {
				continue
			}
			seen[*o.RiderID] = true
			ids = append(ids, *o.RiderID)
		}
	}
	return ids, nil
}
