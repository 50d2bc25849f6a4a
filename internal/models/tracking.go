package models

import "time"

// TrackingSample is one member position derived from one ping.
type TrackingSample struct {
	At        time.Time     `json:"at"`
	NextIndex int           `json:"next_index"`
	Delay     time.Duration `json:"delay"`
	Snapped   *Coord        `json:"snapped,omitempty"`
	Raw       *Coord        `json:"raw,omitempty"`
	Distance  float64       `json:"distance"`
}

type CarSnapshot struct {
	At        time.Time     `json:"at"`
	NextIndex int           `json:"next_index"`
	Delay     time.Duration `json:"delay"`
	Position  *Coord        `json:"position,omitempty"`
	Moving    bool          `json:"moving"`
	Members   []string      `json:"members"`
}

type MemberSnapshot struct {
	At        time.Time     `json:"at"`
	NextIndex int           `json:"next_index"`
	Delay     time.Duration `json:"delay"`
	Position  *Coord        `json:"position,omitempty"`
}

type TrackingInfo struct {
	TripID  string                    `json:"trip_id"`
	Car     *CarSnapshot              `json:"car,omitempty"`
	Members map[string]MemberSnapshot `json:"members"`
}
