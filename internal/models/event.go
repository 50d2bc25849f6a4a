package models

import "time"

type EventType string

const (
	EventTripStateChanged        EventType = "trip_state_changed"
	EventMemberJoined            EventType = "member_joined"
	EventMemberLeft              EventType = "member_left"
	EventGeolocationLevelChanged EventType = "geolocation_level_changed"
)

// Event is emitted as a side effect of trip operations. Delivery is best effort.
type Event struct {
	Type   EventType        `json:"type"`
	TripID string           `json:"trip_id"`
	User   string           `json:"user,omitempty"`
	From   TripState        `json:"from,omitempty"`
	To     TripState        `json:"to,omitempty"`
	Level  GeolocationLevel `json:"level,omitempty"`
	At     time.Time        `json:"at"`
}

// RiderStats counts archived trips per user.
type RiderStats struct {
	User  string `json:"user"`
	Trips int    `json:"trips"`
}
