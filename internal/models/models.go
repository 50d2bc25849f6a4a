package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether the coordinate was left unset.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Point is a named or anonymous location a trip can stop at.
type Point struct {
	ID       string `json:"id,omitempty"`
	Label    string `json:"label,omitempty"`
	Location Coord  `json:"location"`
}

// SamePlace reports whether two points designate the same stop: equal ids when
// both carry one, coordinates closer than tolerance meters otherwise.
func (p Point) SamePlace(o Point, tolerance float64) bool {
	if p.ID != "" && o.ID != "" {
		return p.ID == o.ID
	}
	return haversine(p.Location, o.Location) <= tolerance
}

// WayPoint is a scheduled stop. Duration and Distance are cumulative from the
// first waypoint of the trip.
type WayPoint struct {
	Point    Point         `json:"point"`
	Duration time.Duration `json:"duration"`
	Distance float64       `json:"distance"`
	Eta      time.Time     `json:"eta"`
}

type TripState string

const (
	TripNotStarted TripState = "not_started"
	TripStarted    TripState = "started"
	TripFinished   TripState = "finished"
	TripCanceled   TripState = "canceled"
	TripArchived   TripState = "archived"
)

// Terminal reports whether no tracker may exist for a trip in this state.
func (s TripState) Terminal() bool {
	return s == TripFinished || s == TripCanceled || s == TripArchived
}

type GeolocationLevel string

const (
	GeolocationNone   GeolocationLevel = "none"
	GeolocationHidden GeolocationLevel = "hidden"
	GeolocationOnline GeolocationLevel = "online"
)

// Member is a trip participant. Seats is signed: a driver offers -Seats places,
// a passenger takes Seats places.
type Member struct {
	User             string           `json:"user"`
	From             Point            `json:"from"`
	To               Point            `json:"to"`
	Seats            int              `json:"seats"`
	GeolocationLevel GeolocationLevel `json:"geolocation_level,omitempty"`
	Completed        bool             `json:"completed,omitempty"`
	JoinedAt         time.Time        `json:"joined_at"`
}

// Recurrence marks a trip as a template re-created on the enabled weekdays.
type Recurrence struct {
	Days [7]bool `json:"days"` // indexed by time.Weekday
}

type Trip struct {
	ID            string      `json:"id"`
	Owner         string      `json:"owner"`
	Driver        string      `json:"driver,omitempty"`
	Members       []Member    `json:"members"`
	WayPoints     []WayPoint  `json:"waypoints"`
	DepartureTime time.Time   `json:"departure_time"`
	State         TripState   `json:"state"`
	Pings         []Ping      `json:"pings,omitempty"`
	ReturnID      string      `json:"return_id,omitempty"`
	TemplateID    string      `json:"template_id,omitempty"`
	Recurrence    *Recurrence `json:"recurrence,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`

	// Version is bumped by every stored change of the trip.
	Version int64 `json:"version"`
}

// Member returns the membership of user.
func (t *Trip) Member(user string) (Member, bool) {
	for _, m := range t.Members {
		if m.User == user {
			return m, true
		}
	}
	return Member{}, false
}

// CanDrive reports whether the trip has a driver able to carry passengers.
func (t *Trip) CanDrive() bool { return t.Driver != "" }

// AvailableSeats is the number of seats the driver still offers.
func (t *Trip) AvailableSeats() int {
	total := 0
	for _, m := range t.Members {
		total -= m.Seats
	}
	return total
}

// PassengerSeats is the number of seats taken by passengers.
func (t *Trip) PassengerSeats() int {
	total := 0
	for _, m := range t.Members {
		if m.Seats > 0 {
			total += m.Seats
		}
	}
	return total
}

// WayPointIndex returns the index of the first waypoint at p, or -1.
func (t *Trip) WayPointIndex(p Point) int {
	return IndexOfPoint(t.WayPoints, p, 0)
}

// LastEta is the planned arrival at the final waypoint.
func (t *Trip) LastEta() time.Time {
	if len(t.WayPoints) == 0 {
		return t.DepartureTime
	}
	return t.WayPoints[len(t.WayPoints)-1].Eta
}

// TotalDuration is the planned duration from first to last waypoint.
func (t *Trip) TotalDuration() time.Duration {
	if len(t.WayPoints) == 0 {
		return 0
	}
	return t.WayPoints[len(t.WayPoints)-1].Duration
}

// TotalDistance is the planned distance from first to last waypoint, in meters.
func (t *Trip) TotalDistance() float64 {
	if len(t.WayPoints) == 0 {
		return 0
	}
	return t.WayPoints[len(t.WayPoints)-1].Distance
}

// LastPingAt returns the timestamp of the most recent ping, zero if none.
func (t *Trip) LastPingAt() time.Time {
	var last time.Time
	for _, p := range t.Pings {
		if p.At.After(last) {
			last = p.At
		}
	}
	return last
}

// WayPointTolerance is the distance under which two coordinates are the same stop.
const WayPointTolerance = 1.0

// IndexOfPoint returns the index of the first waypoint at or after start located at p.
func IndexOfPoint(wps []WayPoint, p Point, start int) int {
	for i := start; i < len(wps); i++ {
		if wps[i].Point.SamePlace(p, WayPointTolerance) {
			return i
		}
	}
	return -1
}

// Ping is a status report from a trip member. A nil Coordinate is a blind report.
type Ping struct {
	User       string        `json:"user"`
	At         time.Time     `json:"at"`
	Delay      time.Duration `json:"delay"`
	Coordinate *Coord        `json:"coordinate,omitempty"`
}

func haversine(a, b Coord) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
