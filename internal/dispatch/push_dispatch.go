package dispatch

import (
	"context"

	"github.com/example/carpool/internal/models"
)

// Notifier is the out-of-band push channel, such as the events webhook.
type Notifier interface {
	Publish(ctx context.Context, e models.Event) error
}

// EventMessage is the frame trip subscribers receive for lifecycle events.
type EventMessage struct {
	Event models.Event `json:"event"`
}

// PushDispatcher delivers trip events to live websocket subscribers and falls
// back to Fallback when nobody is watching the trip.
type PushDispatcher struct {
	WS       *WSRegistry
	Fallback Notifier
}

func NewPushDispatcher(ws *WSRegistry, fallback Notifier) *PushDispatcher {
	return &PushDispatcher{WS: ws, Fallback: fallback}
}

func (p *PushDispatcher) Publish(ctx context.Context, e models.Event) error {
	// Try WS first
	if p.WS != nil && p.WS.Broadcast(e.TripID, EventMessage{Event: e}) > 0 {
		return nil
	}
	if p.Fallback == nil {
		return nil
	}
	return p.Fallback.Publish(ctx, e)
}
