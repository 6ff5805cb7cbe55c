package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/rider-dispatch/internal/models"
)

// DefaultCellDegrees is roughly 5.5km of latitude per cell.
const DefaultCellDegrees = 0.05

const metersPerDegreeLat = math.Pi * earthRadiusMeters / 180

type cellKey struct {
	row, col int
}

// GridIndex buckets riders into fixed lat/lon cells. Upsert and Remove are
// constant time; Nearest only visits cells that intersect the search radius.
type GridIndex struct {
	size  float64
	ncols int

	mu     sync.RWMutex
	cells  map[cellKey]map[string]models.Coord
	riders map[string]cellKey
}

func NewGridIndex(cellDegrees float64) *GridIndex {
	if cellDegrees <= 0 || cellDegrees > 90 {
		cellDegrees = DefaultCellDegrees
	}
	return &GridIndex{
		size:   cellDegrees,
		ncols:  int(math.Ceil(360/cellDegrees - 1e-6)),
		cells:  make(map[cellKey]map[string]models.Coord),
		riders: make(map[string]cellKey),
	}
}

func (g *GridIndex) row(lat float64) int { return int(math.Floor((lat + 90) / g.size)) }

func (g *GridIndex) col(lon float64) int {
	c := int(math.Floor((lon + 180) / g.size))
	return ((c % g.ncols) + g.ncols) % g.ncols
}

func (g *GridIndex) keyFor(loc models.Coord) cellKey {
	return cellKey{row: g.row(loc.Lat), col: g.col(loc.Lon)}
}

func (g *GridIndex) Upsert(_ context.Context, riderID string, loc models.Coord) error {
	k := g.keyFor(loc)
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.riders[riderID]; ok && old != k {
		g.removeLocked(riderID, old)
	}
	cell := g.cells[k]
	if cell == nil {
		cell = make(map[string]models.Coord)
		g.cells[k] = cell
	}
	cell[riderID] = loc
	g.riders[riderID] = k
	return nil
}

func (g *GridIndex) Remove(_ context.Context, riderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if k, ok := g.riders[riderID]; ok {
		g.removeLocked(riderID, k)
	}
	return nil
}

func (g *GridIndex) removeLocked(riderID string, k cellKey) {
	delete(g.riders, riderID)
	if cell := g.cells[k]; cell != nil {
		delete(cell, riderID)
		if len(cell) == 0 {
			delete(g.cells, k)
		}
	}
}

func (g *GridIndex) Nearest(_ context.Context, p models.Coord, maxMeters float64, limit int) ([]Candidate, error) {
	latDelta := maxMeters / metersPerDegreeLat
	rowMin := g.row(math.Max(p.Lat-latDelta, -90))
	rowMax := g.row(math.Min(p.Lat+latDelta, 90))

	// widest parallel inside the band decides the longitude span
	maxAbsLat := math.Min(math.Max(math.Abs(p.Lat-latDelta), math.Abs(p.Lat+latDelta)), 90)
	cosLat := math.Cos(maxAbsLat * math.Pi / 180)
	allCols := cosLat < 1e-6
	var colMin, span int
	if !allCols {
		lonDelta := 1.01 * latDelta / cosLat
		colMin = int(math.Floor((p.Lon - lonDelta + 180) / g.size))
		colMax := int(math.Floor((p.Lon + lonDelta + 180) / g.size))
		span = colMax - colMin + 1
		if span >= g.ncols {
			allCols = true
		}
	}
	if allCols {
		colMin, span = 0, g.ncols
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0)
	for r := rowMin; r <= rowMax; r++ {
		for i := 0; i < span; i++ {
			c := (((colMin + i) % g.ncols) + g.ncols) % g.ncols
			for id, loc := range g.cells[cellKey{row: r, col: c}] {
				d := Distance(p, loc)
				if d > maxMeters {
					continue
				}
				out = append(out, Candidate{RiderID: id, Loc: loc, DistanceMeters: d})
			}
		}
	}
	return topN(out, limit), nil
}

func (g *GridIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.riders)
}
