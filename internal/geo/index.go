package geo

import (
	"context"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/carpool/internal/models"
)

// Index is an in-memory trip index bucketing every trip point by geohash cell.
type Index struct {
	mu        sync.RWMutex
	precision uint
	step      float64
	entries   map[string]Entry
	cells     map[string]map[string]struct{}
	tripCells map[string][]string
}

// NewIndex sizes geohash cells so that a cell plus its neighbours covers maxRadius.
func NewIndex(maxRadius float64) *Index {
	precision, step := cellFor(maxRadius)
	return &Index{
		precision: precision,
		step:      step,
		entries:   make(map[string]Entry),
		cells:     make(map[string]map[string]struct{}),
		tripCells: make(map[string][]string),
	}
}

// cellFor returns a geohash precision and the densification step used when
// indexing so that no road stretch falls between two cells.
func cellFor(radius float64) (uint, float64) {
	switch {
	case radius <= 600:
		return 6, 300
	case radius <= 4800:
		return 5, 1000
	default:
		return 4, 5000
	}
}

func (g *Index) Upsert(_ context.Context, e Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(e.TripID)

	seen := make(map[string]struct{})
	add := func(c models.Coord) {
		h := geohash.EncodeWithPrecision(c.Lat, c.Lon, g.precision)
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		bucket, ok := g.cells[h]
		if !ok {
			bucket = make(map[string]struct{})
			g.cells[h] = bucket
		}
		bucket[e.TripID] = struct{}{}
		g.tripCells[e.TripID] = append(g.tripCells[e.TripID], h)
	}
	for _, c := range Densify(e.Line(), g.step) {
		add(c)
	}
	for _, wp := range e.WayPoints {
		add(wp.Point.Location)
	}
	g.entries[e.TripID] = e
	return nil
}

func (g *Index) Remove(_ context.Context, tripID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(tripID)
	return nil
}

func (g *Index) removeLocked(tripID string) {
	for _, h := range g.tripCells[tripID] {
		if bucket, ok := g.cells[h]; ok {
			delete(bucket, tripID)
			if len(bucket) == 0 {
				delete(g.cells, h)
			}
		}
	}
	delete(g.tripCells, tripID)
	delete(g.entries, tripID)
}

// GetMatchingTrips returns the trips that can serve q, ordered by trip id.
func (g *Index) GetMatchingTrips(ctx context.Context, q Query) ([]TripCandidates, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples := q.Route
	if len(samples) == 0 {
		samples = []models.Coord{q.From.Location, q.To.Location}
	} else {
		samples = Densify(samples, g.step)
	}

	g.mu.RLock()
	ids := make(map[string]struct{})
	for _, c := range samples {
		h := geohash.EncodeWithPrecision(c.Lat, c.Lon, g.precision)
		for _, cell := range append(geohash.Neighbors(h), h) {
			for id := range g.cells[cell] {
				ids[id] = struct{}{}
			}
		}
	}
	entries := make([]Entry, 0, len(ids))
	for id := range ids {
		entries = append(entries, g.entries[id])
	}
	g.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].TripID < entries[j].TripID })
	out := make([]TripCandidates, 0, len(entries))
	for _, e := range entries {
		if cands := Classify(e, q); len(cands) > 0 {
			out = append(out, TripCandidates{TripID: e.TripID, Candidates: cands})
		}
	}
	return out, nil
}
