package geo

import (
	"context"
	"errors"
	"math"
	"sync/atomic"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

const metersPerDegree = 111319.49

var ErrSessionClosed = errors.New("geo session closed")

// Location is a coordinate snapped onto a polyline.
type Location struct {
	Point    models.Coord
	Fraction float64 // 0..1 proportion of the polyline length
	Distance float64 // meters between the raw coordinate and Point
}

// Locate snaps c onto line using a local planar projection around c.
func Locate(line []models.Coord, c models.Coord) Location {
	switch len(line) {
	case 0:
		return Location{Point: c, Distance: math.Inf(1)}
	case 1:
		return Location{Point: line[0], Distance: Distance(line[0], c)}
	}
	cum := cumulative(line)
	return locate(line, cum, c)
}

func cumulative(line []models.Coord) []float64 {
	cum := make([]float64, len(line))
	for i := 1; i < len(line); i++ {
		cum[i] = cum[i-1] + Distance(line[i-1], line[i])
	}
	return cum
}

func locate(line []models.Coord, cum []float64, c models.Coord) Location {
	cosLat := math.Cos(c.Lat * math.Pi / 180)
	toXY := func(p models.Coord) (float64, float64) {
		return (p.Lon - c.Lon) * cosLat * metersPerDegree, (p.Lat - c.Lat) * metersPerDegree
	}

	best := Location{Distance: math.Inf(1)}
	bestAlong := 0.0
	for i := 0; i < len(line)-1; i++ {
		ax, ay := toXY(line[i])
		bx, by := toXY(line[i+1])
		vx, vy := bx-ax, by-ay
		denom := vx*vx + vy*vy
		t := 0.0
		if denom > 0 {
			t = -(ax*vx + ay*vy) / denom
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
		}
		px, py := ax+t*vx, ay+t*vy
		d := math.Hypot(px, py)
		if d < best.Distance {
			best.Distance = d
			best.Point = models.Coord{
				Lat: line[i].Lat + t*(line[i+1].Lat-line[i].Lat),
				Lon: line[i].Lon + t*(line[i+1].Lon-line[i].Lon),
			}
			bestAlong = cum[i] + t*(cum[i+1]-cum[i])
		}
	}
	if total := cum[len(cum)-1]; total > 0 {
		best.Fraction = bestAlong / total
	}
	return best
}

// RouteSession answers "where is this coordinate along the planned route"
// queries for one trip. It must be closed when the trip ends.
type RouteSession struct {
	line   []models.Coord
	cum    []float64
	closed atomic.Bool
	owner  *Sessions
}

func (s *RouteSession) LocateOnRoute(ctx context.Context, c models.Coord) (Location, error) {
	if s.closed.Load() {
		return Location{}, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	if len(s.line) < 2 {
		return Locate(s.line, c), nil
	}
	return locate(s.line, s.cum, c), nil
}

// Close releases the session. Closing twice is a no-op.
func (s *RouteSession) Close() error {
	if s.closed.CompareAndSwap(false, true) && s.owner != nil {
		s.owner.open.Add(-1)
		observability.GeoSessionsOpen.Dec()
	}
	return nil
}

// Sessions hands out route sessions and counts the ones still open.
type Sessions struct {
	open atomic.Int64
}

func NewSessions() *Sessions { return &Sessions{} }

func (s *Sessions) Open(line []models.Coord) *RouteSession {
	cp := append([]models.Coord(nil), line...)
	s.open.Add(1)
	observability.GeoSessionsOpen.Inc()
	return &RouteSession{line: cp, cum: cumulative(cp), owner: s}
}

// OpenCount returns the number of sessions not yet closed.
func (s *Sessions) OpenCount() int64 { return s.open.Load() }
