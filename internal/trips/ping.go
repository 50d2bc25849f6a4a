package trips

import (
	"context"
	"errors"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

// Ping records a member status report. Unknown trips fail with
// ErrTripNotFound, trips already over with ErrTripFinished. A driver ping on a
// NotStarted trip starts it. The returned sample is nil when no tracker follows
// the trip yet.
func (s *Service) Ping(ctx context.Context, tripID string, p models.Ping) (*models.TrackingSample, error) {
	t, err := s.Store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, models.ErrTripFinished
	}
	if _, ok := t.Member(p.User); !ok {
		return nil, models.ErrNotMember
	}
	if p.At.IsZero() {
		p.At = s.now()
	}

	if err := s.Store.AppendPing(ctx, t.ID, p); err != nil {
		return nil, err
	}
	if t.State == models.TripNotStarted {
		if p.User != t.Driver {
			observability.PingsTotal.WithLabelValues("early").Inc()
			return nil, nil
		}
		if err := s.start(ctx, &t); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
			return nil, err
		}
	}
	if s.Trackers == nil {
		return nil, nil
	}

	tr, err := s.Trackers.GetOrCreate(ctx, t)
	if err != nil {
		return nil, err
	}
	sample, err := tr.PushSample(ctx, p.User, p)
	if errors.Is(err, models.ErrTripNotFound) {
		// the tracker went away under us; tell a finished trip from a vanished one
		if cur, gerr := s.Store.Get(ctx, t.ID); gerr == nil && cur.State.Terminal() {
			return nil, models.ErrTripFinished
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if s.WS != nil {
		s.WS.Broadcast(t.ID, tr.GetTrackingInfo())
	}
	return &sample, nil
}

// Tracking returns the live snapshot of a trip. NotStarted trips have an
// empty one.
func (s *Service) Tracking(ctx context.Context, tripID string) (models.TrackingInfo, error) {
	t, err := s.Store.Get(ctx, tripID)
	if err != nil {
		return models.TrackingInfo{}, err
	}
	switch {
	case t.State.Terminal():
		return models.TrackingInfo{}, models.ErrTripFinished
	case t.State == models.TripNotStarted || s.Trackers == nil:
		return models.TrackingInfo{TripID: t.ID, Members: map[string]models.MemberSnapshot{}}, nil
	}
	tr, err := s.Trackers.GetOrCreate(ctx, t)
	if err != nil {
		return models.TrackingInfo{}, err
	}
	return tr.GetTrackingInfo(), nil
}

// MemberArrived reports whether user reached their dropoff on a started trip.
func (s *Service) MemberArrived(ctx context.Context, tripID, user string) (bool, error) {
	t, err := s.Store.Get(ctx, tripID)
	if err != nil {
		return false, err
	}
	if _, ok := t.Member(user); !ok {
		return false, models.ErrNotMember
	}
	switch t.State {
	case models.TripFinished, models.TripArchived:
		return true, nil
	case models.TripStarted:
		if s.Trackers == nil {
			return false, nil
		}
		if tr, ok := s.Trackers.Get(t.ID); ok {
			return tr.MemberHasArrived(user), nil
		}
	}
	return false, nil
}
