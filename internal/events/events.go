// Package events delivers trip events to external consumers.
package events

import (
	"context"
	"errors"

	"github.com/example/carpool/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, e models.Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e models.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, models.Event) error { return nil }

// Recorder keeps published events in memory, for tests and local runs.
type Recorder struct {
	ch chan models.Event
}

func NewRecorder(size int) *Recorder { return &Recorder{ch: make(chan models.Event, size)} }

func (r *Recorder) Publish(_ context.Context, e models.Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

// Drain returns the events recorded so far.
func (r *Recorder) Drain() []models.Event {
	var out []models.Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
