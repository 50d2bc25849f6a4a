package models

import "time"

type MatchMode string

const (
	ModeExact   MatchMode = "exact"
	ModeDetour  MatchMode = "detour"
	ModePartial MatchMode = "partial"
)

// MatchCandidate is how the geo index thinks a trip could serve a search.
type MatchCandidate struct {
	Mode    MatchMode `json:"mode"`
	Pickup  Point     `json:"pickup"`
	Deposit Point     `json:"deposit"`

	// PickupOffRoute and DepositOffRoute are the distances in meters from
	// Pickup and Deposit to the trip's current route.
	PickupOffRoute  float64 `json:"pickup_off_route,omitempty"`
	DepositOffRoute float64 `json:"deposit_off_route,omitempty"`
}

type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchCompatible MatchKind = "compatible"
)

// Delta is the cost of inserting a requester into a trip.
type Delta struct {
	Duration        time.Duration `json:"duration"`
	Distance        float64       `json:"distance"`
	PickupDistance  float64       `json:"pickup_distance"`
	DepositDistance float64       `json:"deposit_distance"`
}

// Match is either Exact (zero delta, trip waypoints unchanged) or Compatible
// (bounded detour, recomputed waypoints).
type Match struct {
	Kind      MatchKind  `json:"kind"`
	Pickup    Point      `json:"pickup"`
	Deposit   Point      `json:"deposit"`
	Delta     Delta      `json:"delta"`
	WayPoints []WayPoint `json:"waypoints"`
}

type Direction string

const (
	DepartBy Direction = "depart_by"
	ArriveBy Direction = "arrive_by"
)

type SortBy string

const (
	SortByDistance SortBy = "distance"
	SortByTime     SortBy = "time"
)

// Filter describes a trip search. Seats > 0 is a passenger looking for a
// driver, Seats < 0 a driver looking for passengers.
type Filter struct {
	From       Point         `json:"from"`
	To         Point         `json:"to"`
	TargetTime time.Time     `json:"target_time"`
	Direction  Direction     `json:"direction"`
	Seats      int           `json:"seats"`
	MaxDetour  time.Duration `json:"max_detour,omitempty"`
	SortBy     SortBy        `json:"sort_by,omitempty"`
}

// DriverSearch reports whether the requester offers to drive.
func (f Filter) DriverSearch() bool { return f.Seats < 0 }

type Pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type Page[T any] struct {
	Items []T  `json:"items"`
	Total int  `json:"total"`
	Next  *int `json:"next,omitempty"`
}

// TripMatch is one ranked search result.
type TripMatch struct {
	Trip      Trip       `json:"trip"`
	Match     Match      `json:"match"`
	FreeSeats int        `json:"free_seats"`
	ReturnEta *time.Time `json:"return_eta,omitempty"`
}
