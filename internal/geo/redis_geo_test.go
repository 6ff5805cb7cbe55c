package geo

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-dispatch/internal/models"
)

// fakeGeoStore emulates GEOADD/ZREM/GEORADIUS in memory, measuring on
// redis' earth radius.
type fakeGeoStore struct {
	members map[string]redis.GeoLocation
	failAdd bool
	queries []*redis.GeoRadiusQuery
}

func newFakeGeoStore() *fakeGeoStore {
	return &fakeGeoStore{members: map[string]redis.GeoLocation{}}
}

func (f *fakeGeoStore) GeoAdd(_ context.Context, _ string, loc *redis.GeoLocation) error {
	if f.failAdd {
		return errors.New("connection refused")
	}
	f.members[loc.Name] = *loc
	return nil
}

func (f *fakeGeoStore) GeoRemove(_ context.Context, _ string, member string) error {
	delete(f.members, member)
	return nil
}

func (f *fakeGeoStore) GeoRadius(_ context.Context, _ string, lon, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error) {
	f.queries = append(f.queries, q)
	var out []redis.GeoLocation
	for _, m := range f.members {
		d := Haversine(lat, lon, m.Latitude, m.Longitude) * redisEarthRadiusMeters / earthRadiusMeters
		if d <= q.Radius {
			m.Dist = d
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dist < out[j].Dist })
	if q.Count > 0 && len(out) > q.Count {
		out = out[:q.Count]
	}
	return out, nil
}

func (f *fakeGeoStore) Count(context.Context, string) (int64, error) {
	return int64(len(f.members)), nil
}

func TestRedisIndex(t *testing.T) {
	ctx := context.Background()
	store := newFakeGeoStore()
	idx := NewRedisIndexWithStore(store, "")

	require.NoError(t, idx.Upsert(ctx, "b", models.Coord{Lat: 0, Lon: 0.01}))
	require.NoError(t, idx.Upsert(ctx, "a", models.Coord{Lat: 0, Lon: -0.01}))
	require.NoError(t, idx.Upsert(ctx, "far", models.Coord{Lat: 0, Lon: 0.2}))
	assert.Equal(t, 3, idx.Len())

	got, err := idx.Nearest(ctx, models.Coord{}, MaxDistanceMeters, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))
	require.Len(t, store.queries, 1)
	assert.Equal(t, "m", store.queries[0].Unit)
	assert.Greater(t, store.queries[0].Radius, MaxDistanceMeters)

	require.NoError(t, idx.Remove(ctx, "a"))
	got, err = idx.Nearest(ctx, models.Coord{}, MaxDistanceMeters, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))
}

func TestRedisIndexUpsertError(t *testing.T) {
	store := newFakeGeoStore()
	store.failAdd = true
	idx := NewRedisIndexWithStore(store, "riders")
	err := idx.Upsert(context.Background(), "a", models.Coord{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "geoadd a")
}

func TestRedisIndexKeepsBoundaryRiders(t *testing.T) {
	ctx := context.Background()
	idx := NewRedisIndexWithStore(newFakeGeoStore(), "")
	origin := models.Coord{}
	// one degree of longitude at the equator is ~111195 m on our sphere
	perDeg := Distance(origin, models.Coord{Lon: 1})
	require.NoError(t, idx.Upsert(ctx, "inside", models.Coord{Lon: 9998 / perDeg}))
	require.NoError(t, idx.Upsert(ctx, "outside", models.Coord{Lon: 10003 / perDeg}))

	got, err := idx.Nearest(ctx, origin, MaxDistanceMeters, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"inside"}, ids(got))
	assert.InDelta(t, 9998, got[0].DistanceMeters, 0.01)
}

func TestRedisIndexTieBreakIsByID(t *testing.T) {
	ctx := context.Background()
	idx := NewRedisIndexWithStore(newFakeGeoStore(), "")
	at := models.Coord{Lat: 0, Lon: 0.01}
	for _, id := range []string{"r5", "r3", "r9", "r1", "r7"} {
		require.NoError(t, idx.Upsert(ctx, id, at))
	}

	got, err := idx.Nearest(ctx, models.Coord{}, MaxDistanceMeters, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r3"}, ids(got))
}
