package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/rider-dispatch/internal/models"
)

// MaxDistanceMeters is the hard proximity cutoff for dispatch.
const MaxDistanceMeters = 10000.0

const earthRadiusMeters = 6371000.0

// Candidate is an available rider returned by a proximity query.
type Candidate struct {
	RiderID        string
	Loc            models.Coord
	DistanceMeters float64
}

// Index holds positions of currently available riders only. It is advisory:
// the registry's reservation is the source of truth for availability.
type Index interface {
	Upsert(ctx context.Context, riderID string, loc models.Coord) error
	Remove(ctx context.Context, riderID string) error
	// Nearest returns up to limit riders within maxMeters of p, nearest first,
	// ties broken by rider id ascending.
	Nearest(ctx context.Context, p models.Coord, maxMeters float64, limit int) ([]Candidate, error)
	Len() int
}

// ScanIndex is the reference implementation: every query is a linear scan,
// O(n) in the number of indexed riders.
type ScanIndex struct {
	mu     sync.RWMutex
	riders map[string]models.Coord
}

func NewScanIndex() *ScanIndex {
	return &ScanIndex{riders: make(map[string]models.Coord)}
}

func (s *ScanIndex) Upsert(_ context.Context, riderID string, loc models.Coord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riders[riderID] = loc
	return nil
}

func (s *ScanIndex) Remove(_ context.Context, riderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.riders, riderID)
	return nil
}

func (s *ScanIndex) Nearest(_ context.Context, p models.Coord, maxMeters float64, limit int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candidate, 0)
	for id, loc := range s.riders {
		d := Haversine(p.Lat, p.Lon, loc.Lat, loc.Lon)
		if d > maxMeters {
			continue
		}
		out = append(out, Candidate{RiderID: id, Loc: loc, DistanceMeters: d})
	}
	return topN(out, limit), nil
}

func (s *ScanIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.riders)
}

// topN sorts by (distance, id) and truncates to limit. limit <= 0 means no limit.
func topN(c []Candidate, limit int) []Candidate {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceMeters != c[j].DistanceMeters {
			return c[i].DistanceMeters < c[j].DistanceMeters
		}
		return c[i].RiderID < c[j].RiderID
	})
	if limit > 0 && len(c) > limit {
		c = c[:limit]
	}
	return c
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
