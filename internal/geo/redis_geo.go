package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-dispatch/internal/models"
)

// GeoStore is the subset of redis commands the index needs.
type GeoStore interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	GeoRemove(ctx context.Context, key, member string) error
	GeoRadius(ctx context.Context, key string, lon, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error)
	Count(ctx context.Context, key string) (int64, error)
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) GeoRemove(ctx context.Context, key, member string) error {
	return r.c.ZRem(ctx, key, member).Err()
}

func (r *redisAdapter) GeoRadius(ctx context.Context, key string, lon, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error) {
	return r.c.GeoRadius(ctx, key, lon, lat, q).Result()
}

func (r *redisAdapter) Count(ctx context.Context, key string) (int64, error) {
	return r.c.ZCard(ctx, key).Result()
}

// RedisIndex implements Index on a redis GEO set so replicas share one view.
type RedisIndex struct {
	store GeoStore
	key   string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return NewRedisIndexWithStore(&redisAdapter{c: client}, key)
}

func NewRedisIndexWithStore(store GeoStore, key string) *RedisIndex {
	if key == "" {
		key = "riders_geo"
	}
	return &RedisIndex{store: store, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, riderID string, loc models.Coord) error {
	if err := r.store.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: riderID}); err != nil {
		return fmt.Errorf("geoadd %s: %w", riderID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, riderID string) error {
	if err := r.store.GeoRemove(ctx, r.key, riderID); err != nil {
		return fmt.Errorf("zrem %s: %w", riderID, err)
	}
	return nil
}

// redis measures GEO distances on a sphere of this radius
const redisEarthRadiusMeters = 6372797.560856

// radiusSlack covers redis' 52-bit geohash rounding of stored positions.
const radiusSlack = 1.0

// Nearest asks redis for everyone inside maxMeters by its own metric, widened
// to our smaller earth radius, then re-measures with Distance so the cutoff
// and the (distance, id) order match every other Index.
func (r *RedisIndex) Nearest(ctx context.Context, p models.Coord, maxMeters float64, limit int) ([]Candidate, error) {
	radius := maxMeters*redisEarthRadiusMeters/earthRadiusMeters + radiusSlack
	q := &redis.GeoRadiusQuery{Radius: radius, Unit: "m", WithCoord: true, Sort: "ASC"}
	res, err := r.store.GeoRadius(ctx, r.key, p.Lon, p.Lat, q)
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		loc := models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		d := Distance(p, loc)
		if d > maxMeters {
			continue
		}
		out = append(out, Candidate{RiderID: g.Name, Loc: loc, DistanceMeters: d})
	}
	return topN(out, limit), nil
}

func (r *RedisIndex) Len() int {
	n, err := r.store.Count(context.Background(), r.key)
	if err != nil {
		return 0
	}
	return int(n)
}
