package geo

import (
	"math"
	"time"

	"github.com/example/carpool/internal/models"
)

// Entry is what the trip indexes keep per searchable trip.
type Entry struct {
	TripID    string            `json:"trip_id"`
	Departure time.Time         `json:"departure"`
	WayPoints []models.WayPoint `json:"waypoints"`
	Route     []models.Coord    `json:"route,omitempty"`
}

// Line is the polyline candidates are located on; waypoints when no route geometry is known.
func (e Entry) Line() []models.Coord {
	if len(e.Route) > 1 {
		return e.Route
	}
	out := make([]models.Coord, 0, len(e.WayPoints))
	for _, wp := range e.WayPoints {
		out = append(out, wp.Point.Location)
	}
	return out
}

type TimeWindow struct {
	From time.Time
	To   time.Time
}

// Contains is inclusive on both ends; a zero window contains everything.
func (w TimeWindow) Contains(t time.Time) bool {
	if w.From.IsZero() && w.To.IsZero() {
		return true
	}
	return !t.Before(w.From) && !t.After(w.To)
}

// Query searches trips near two endpoints, or near a whole route when Route is set.
type Query struct {
	From   models.Point
	To     models.Point
	Route  []models.Coord
	Window TimeWindow
	Radius float64
}

// TripCandidates are the ways a single trip may serve a query.
type TripCandidates struct {
	TripID     string
	Candidates []models.MatchCandidate
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Bearing is the initial great-circle bearing from a to b in degrees [0, 360).
func Bearing(a, b models.Coord) float64 {
	la1 := a.Lat * math.Pi / 180
	la2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(la2)
	x := math.Cos(la1)*math.Sin(la2) - math.Sin(la1)*math.Cos(la2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// BearingDiff is the absolute angle between two bearings, in [0, 180].
func BearingDiff(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Densify inserts intermediate coordinates so no two consecutive ones are
// further apart than step meters.
func Densify(line []models.Coord, step float64) []models.Coord {
	if len(line) < 2 || step <= 0 {
		return line
	}
	out := []models.Coord{line[0]}
	for i := 1; i < len(line); i++ {
		a, b := line[i-1], line[i]
		n := int(math.Ceil(Distance(a, b) / step))
		for k := 1; k < n; k++ {
			t := float64(k) / float64(n)
			out = append(out, models.Coord{Lat: a.Lat + t*(b.Lat-a.Lat), Lon: a.Lon + t*(b.Lon-a.Lon)})
		}
		out = append(out, b)
	}
	return out
}
