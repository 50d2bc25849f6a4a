package routing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

const (
	// maxIntermediateStops bounds the exhaustive ordering search.
	maxIntermediateStops = 8
	// maxBearingDiff rejects passenger segments heading away from the driver's destination.
	maxBearingDiff = 90.0
)

type tabler interface {
	Table(ctx context.Context, points []models.Coord) (Table, error)
}

// planTrip orders the driver and passenger stops with one travel-time table.
// The order starts at the driver's origin, ends at the driver's destination and
// puts every pickup before its dropoff; among those the shortest wins.
func planTrip(ctx context.Context, t tabler, q TripQuery) ([]models.WayPoint, error) {
	if err := checkDirections(q); err != nil {
		return nil, err
	}

	var nodes []models.Point
	nodeOf := func(p models.Point) int {
		for i, n := range nodes {
			if n.SamePlace(p, models.WayPointTolerance) {
				return i
			}
		}
		nodes = append(nodes, p)
		return len(nodes) - 1
	}
	start := nodeOf(q.Driver.From)
	end := nodeOf(q.Driver.To)

	type edge struct{ before, after int }
	var constraints []edge
	for _, p := range q.Passengers {
		a, b := nodeOf(p.From), nodeOf(p.To)
		if a == end || b == start {
			return nil, ErrInfeasible
		}
		if a != start && b != end {
			constraints = append(constraints, edge{a, b})
		}
	}

	var middle []int
	slot := make(map[int]int)
	for i := range nodes {
		if i != start && i != end {
			slot[i] = len(middle)
			middle = append(middle, i)
		}
	}
	if len(middle) > maxIntermediateStops {
		return nil, fmt.Errorf("%d intermediate stops: %w", len(middle), ErrInfeasible)
	}
	preds := make([]uint, len(middle))
	for _, c := range constraints {
		preds[slot[c.after]] |= 1 << slot[c.before]
	}

	coords := make([]models.Coord, len(nodes))
	for i, n := range nodes {
		coords[i] = n.Location
	}
	tbl, err := t.Table(ctx, coords)
	if err != nil {
		return nil, err
	}
	dur := tbl.Durations

	full := uint(1)<<len(middle) - 1
	best := math.Inf(1)
	var bestOrder []int
	order := []int{start}
	var visit func(cur int, mask uint, cost float64)
	visit = func(cur int, mask uint, cost float64) {
		if cost >= best {
			return
		}
		if mask == full {
			if c := cost + dur[cur][end]; c < best {
				best = c
				bestOrder = append(append([]int(nil), order...), end)
			}
			return
		}
		for k, n := range middle {
			bit := uint(1) << k
			if mask&bit != 0 || preds[k]&^mask != 0 || math.IsInf(dur[cur][n], 1) {
				continue
			}
			order = append(order, n)
			visit(n, mask|bit, cost+dur[cur][n])
			order = order[:len(order)-1]
		}
	}
	visit(start, 0, 0)
	if bestOrder == nil {
		return nil, ErrInfeasible
	}

	wps := make([]models.WayPoint, len(bestOrder))
	cumDur, cumDist := 0.0, 0.0
	for i, n := range bestOrder {
		if i > 0 {
			prev := bestOrder[i-1]
			cumDur += dur[prev][n]
			cumDist += legDistance(tbl, coords, prev, n)
		}
		wps[i] = models.WayPoint{Point: nodes[n], Duration: seconds(cumDur), Distance: cumDist}
	}
	base := q.Target
	if q.ArriveBy {
		base = q.Target.Add(-wps[len(wps)-1].Duration)
	}
	for i := range wps {
		wps[i].Eta = base.Add(wps[i].Duration)
	}
	return wps, nil
}

func checkDirections(q TripQuery) error {
	if q.Driver.From.SamePlace(q.Driver.To, models.WayPointTolerance) {
		return fmt.Errorf("driver segment has no length: %w", ErrInfeasible)
	}
	heading := geo.Bearing(q.Driver.From.Location, q.Driver.To.Location)
	for _, p := range q.Passengers {
		if p.From.SamePlace(p.To, models.WayPointTolerance) {
			return fmt.Errorf("passenger segment has no length: %w", ErrInfeasible)
		}
		if geo.BearingDiff(heading, geo.Bearing(p.From.Location, p.To.Location)) > maxBearingDiff {
			return fmt.Errorf("passenger segment runs against the driver: %w", ErrInfeasible)
		}
	}
	return nil
}

func legDistance(tbl Table, coords []models.Coord, a, b int) float64 {
	if len(tbl.Distances) > a && len(tbl.Distances[a]) > b && !math.IsInf(tbl.Distances[a][b], 1) {
		return tbl.Distances[a][b]
	}
	return geo.Distance(coords[a], coords[b])
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
