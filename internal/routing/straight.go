package routing

import (
	"context"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
)

// StraightRouter answers routing queries with great-circle distances at a
// constant speed. It stands in for a routing engine in local runs and tests.
type StraightRouter struct {
	SpeedMps float64
}

func NewStraightRouter(speedMps float64) *StraightRouter {
	return &StraightRouter{SpeedMps: speedMps}
}

// Naive ETA: distance / speed_mps. In prod use a routing engine.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Distance(from, to) / speedMps
}

func (s *StraightRouter) GetRoute(ctx context.Context, points []models.Coord) (Route, error) {
	if err := ctx.Err(); err != nil {
		return Route{}, err
	}
	r := Route{Coordinates: append([]models.Coord(nil), points...)}
	secs := 0.0
	for i := 1; i < len(points); i++ {
		r.Distance += geo.Distance(points[i-1], points[i])
		secs += EstimateSeconds(points[i-1], points[i], s.SpeedMps)
	}
	r.Duration = seconds(secs)
	return r, nil
}

func (s *StraightRouter) Table(ctx context.Context, points []models.Coord) (Table, error) {
	if err := ctx.Err(); err != nil {
		return Table{}, err
	}
	n := len(points)
	t := Table{Durations: make([][]float64, n), Distances: make([][]float64, n)}
	for i := range points {
		t.Durations[i] = make([]float64, n)
		t.Distances[i] = make([]float64, n)
		for j := range points {
			t.Distances[i][j] = geo.Distance(points[i], points[j])
			t.Durations[i][j] = EstimateSeconds(points[i], points[j], s.SpeedMps)
		}
	}
	return t, nil
}

func (s *StraightRouter) GetTrip(ctx context.Context, q TripQuery) ([]models.WayPoint, error) {
	return planTrip(ctx, s, q)
}
