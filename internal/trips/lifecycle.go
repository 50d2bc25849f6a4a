package trips

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

var transitions = map[models.TripState][]models.TripState{
	models.TripNotStarted: {models.TripStarted, models.TripFinished, models.TripCanceled},
	models.TripStarted:    {models.TripFinished},
	models.TripFinished:   {models.TripArchived},
}

// CanTransition reports whether a trip may move from one state to another.
func CanTransition(from, to models.TripState) bool {
	return slices.Contains(transitions[from], to)
}

// transition moves t to state `to` with a compare-and-set on its stored state,
// then runs the side effects of leaving the old state. On success t.State is updated.
func (s *Service) transition(ctx context.Context, t *models.Trip, to models.TripState) error {
	from := t.State
	if !CanTransition(from, to) {
		if from.Terminal() {
			return models.ErrTripFinished
		}
		return models.ErrInvalidTransition
	}
	now := s.now()
	if err := s.Store.UpdateState(ctx, t.ID, from, to, now); err != nil {
		return err
	}
	t.State, t.UpdatedAt = to, now
	t.Version++
	observability.TripTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.log().Info("trip state changed", "trip_id", t.ID, "from", from, "to", to)

	if from == models.TripNotStarted && s.Index != nil {
		if err := s.Index.Remove(ctx, t.ID); err != nil {
			s.log().Error("unindex trip failed", "trip_id", t.ID, "err", err)
		}
	}
	if to.Terminal() && s.Trackers != nil {
		s.Trackers.Dispose(t.ID)
	}
	if to == models.TripArchived {
		users := make([]string, 0, len(t.Members))
		for _, m := range t.Members {
			users = append(users, m.User)
		}
		if err := s.Store.IncrementStats(ctx, users); err != nil {
			s.log().Error("rider stats update failed", "trip_id", t.ID, "err", err)
		}
	}
	s.emit(ctx, models.Event{Type: models.EventTripStateChanged, TripID: t.ID, From: from, To: to, At: now})
	return nil
}

// Start is a member starting the trip explicitly.
func (s *Service) Start(ctx context.Context, tripID, user string) (models.Trip, error) {
	t, err := s.Store.Get(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if _, ok := t.Member(user); !ok {
		return models.Trip{}, models.ErrNotMember
	}
	if err := s.start(ctx, &t); err != nil {
		return models.Trip{}, err
	}
	return t, nil
}

func (s *Service) start(ctx context.Context, t *models.Trip) error {
	if err := s.transition(ctx, t, models.TripStarted); err != nil {
		return err
	}
	if s.Trackers != nil {
		if _, err := s.Trackers.GetOrCreate(ctx, *t); err != nil {
			s.log().Warn("tracker creation failed", "trip_id", t.ID, "err", err)
		}
	}
	return nil
}

func (s *Service) Finish(ctx context.Context, tripID string) (models.Trip, error) {
	t, err := s.Store.Get(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	err = s.FinishTrip(ctx, &t)
	return t, err
}

func (s *Service) FinishTrip(ctx context.Context, t *models.Trip) error {
	return s.transition(ctx, t, models.TripFinished)
}

func (s *Service) Cancel(ctx context.Context, tripID string) (models.Trip, error) {
	t, err := s.Store.Get(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	err = s.CancelTrip(ctx, &t)
	return t, err
}

func (s *Service) CancelTrip(ctx context.Context, t *models.Trip) error {
	return s.transition(ctx, t, models.TripCanceled)
}

// HandleArrival finishes a trip whose driver reached the destination.
func (s *Service) HandleArrival(tripID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Finish(ctx, tripID)
	if err != nil && !errors.Is(err, models.ErrTripFinished) && !errors.Is(err, models.ErrInvalidTransition) {
		s.log().Error("finish on arrival failed", "trip_id", tripID, "err", err)
	}
}

// ConfirmCompletion records that user is done with a finished trip. The trip
// is archived once every member confirmed.
func (s *Service) ConfirmCompletion(ctx context.Context, tripID, user string) (models.Trip, error) {
	t, err := s.update(ctx, tripID, func(t *models.Trip) error {
		i := slices.IndexFunc(t.Members, func(m models.Member) bool { return m.User == user })
		if i < 0 {
			return models.ErrNotMember
		}
		if t.State != models.TripFinished {
			return models.ErrInvalidTransition
		}
		if t.Members[i].Completed {
			return errUnchanged
		}
		t.Members[i].Completed = true
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}
	for _, m := range t.Members {
		if !m.Completed {
			return t, nil
		}
	}
	err = s.transition(ctx, &t, models.TripArchived)
	return t, err
}
