package routing

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/example/carpool/internal/models"
)

var (
	// ErrInfeasible means no stop ordering satisfies the constraints. It is a
	// normal outcome, not a failure.
	ErrInfeasible = errors.New("no feasible trip")
	// ErrUnavailable wraps transport failures talking to the routing engine.
	ErrUnavailable = errors.New("routing engine unavailable")
)

// IsRetryable reports whether the whole operation may be retried as is.
func IsRetryable(err error) bool { return errors.Is(err, ErrUnavailable) }

// Unreachable marks a table cell with no route.
var Unreachable = math.Inf(1)

// Route is a road-network path through a list of points.
type Route struct {
	Coordinates []models.Coord
	Distance    float64 // meters
	Duration    time.Duration
}

// Table holds pairwise travel durations (seconds) and distances (meters).
type Table struct {
	Durations [][]float64
	Distances [][]float64
}

// Segment is a member's pickup to dropoff leg.
type Segment struct {
	From models.Point
	To   models.Point
}

// TripQuery asks for an ordered trip starting and ending at the driver's
// endpoints and serving every passenger segment in order.
type TripQuery struct {
	Target     time.Time
	ArriveBy   bool
	Driver     Segment
	Passengers []Segment
}

// Router is the road-network collaborator.
type Router interface {
	GetRoute(ctx context.Context, points []models.Coord) (Route, error)
	Table(ctx context.Context, points []models.Coord) (Table, error)
	GetTrip(ctx context.Context, q TripQuery) ([]models.WayPoint, error)
}
