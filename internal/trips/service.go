// Package trips owns the trip lifecycle: creation, membership, state
// transitions and their side effects.
package trips

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/tracking"
)

// Index is the searchable set of trips the matcher draws candidates from.
type Index interface {
	Upsert(ctx context.Context, e geo.Entry) error
	Remove(ctx context.Context, tripID string) error
}

type Trackers interface {
	GetOrCreate(ctx context.Context, trip models.Trip) (*tracking.Tracker, error)
	Get(tripID string) (*tracking.Tracker, bool)
	Dispose(tripID string) bool
}

// Broadcaster pushes tracking snapshots to live subscribers of a trip.
type Broadcaster interface {
	Broadcast(tripID string, v any) int
}

type Service struct {
	Store    storage.TripStore
	Index    Index
	Router   routing.Router
	Trackers Trackers
	Events   events.Publisher // optional
	WS       Broadcaster      // optional
	Now      func() time.Time
	Logger   *slog.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) Get(ctx context.Context, id string) (models.Trip, error) {
	return s.Store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, q storage.Query) ([]models.Trip, error) {
	return s.Store.List(ctx, q)
}

// Create stores a new NotStarted trip and makes it searchable. Waypoints are
// planned from the members when the trip carries none.
func (s *Service) Create(ctx context.Context, t models.Trip) (models.Trip, error) {
	if err := validateNew(&t); err != nil {
		return models.Trip{}, err
	}
	if len(t.WayPoints) == 0 {
		wps, err := s.plan(ctx, t)
		if err != nil {
			return models.Trip{}, err
		}
		t.WayPoints = wps
	}
	if err := validateOrder(t); err != nil {
		return models.Trip{}, err
	}

	now := s.now()
	t.ID = uuid.NewString()
	t.State = models.TripNotStarted
	t.Pings = nil
	t.CreatedAt, t.UpdatedAt = now, now
	t.Version = 1
	for i := range t.Members {
		if t.Members[i].JoinedAt.IsZero() {
			t.Members[i].JoinedAt = now
		}
		if t.Members[i].GeolocationLevel == "" {
			t.Members[i].GeolocationLevel = models.GeolocationOnline
		}
	}

	if err := s.Store.Create(ctx, t); err != nil {
		return models.Trip{}, err
	}
	s.reindex(ctx, t)
	s.log().Info("trip created", "trip_id", t.ID, "owner", t.Owner, "members", len(t.Members))
	return t, nil
}

func validateNew(t *models.Trip) error {
	if t.Owner == "" {
		return models.Invalid("owner", "is required")
	}
	if t.DepartureTime.IsZero() {
		return models.Invalid("departure_time", "is required")
	}
	if _, ok := t.Member(t.Owner); !ok {
		return models.Invalid("members", "owner must be a member")
	}
	t.Driver = ""
	seen := make(map[string]bool, len(t.Members))
	for _, m := range t.Members {
		if err := validateMember(m); err != nil {
			return err
		}
		if seen[m.User] {
			return models.Invalid("members", "duplicate member "+m.User)
		}
		seen[m.User] = true
		if m.Seats < 0 {
			if t.Driver != "" {
				return models.Invalid("members", "a trip has at most one driver")
			}
			t.Driver = m.User
		}
	}
	if t.Driver != "" && t.PassengerSeats() > -mustMember(t, t.Driver).Seats {
		return models.ErrNoSeats
	}
	return nil
}

func mustMember(t *models.Trip, user string) models.Member {
	m, _ := t.Member(user)
	return m
}

func validateMember(m models.Member) error {
	switch {
	case m.User == "":
		return models.Invalid("user", "is required")
	case m.Seats == 0:
		return models.Invalid("seats", "must not be zero")
	case m.From.Location.IsZero() || m.To.Location.IsZero():
		return models.Invalid("segment", "pickup and dropoff are required")
	case m.From.SamePlace(m.To, models.WayPointTolerance):
		return models.Invalid("segment", "pickup and dropoff must differ")
	}
	return nil
}

// validateOrder checks that every member boards before leaving.
func validateOrder(t models.Trip) error {
	for _, m := range t.Members {
		from := models.IndexOfPoint(t.WayPoints, m.From, 0)
		if from < 0 {
			return models.Invalid("waypoints", "missing pickup of "+m.User)
		}
		if models.IndexOfPoint(t.WayPoints, m.To, from+1) < 0 {
			return models.Invalid("waypoints", "dropoff of "+m.User+" must follow pickup")
		}
	}
	for i := 1; i < len(t.WayPoints); i++ {
		if t.WayPoints[i].Eta.Before(t.WayPoints[i-1].Eta) {
			return models.Invalid("waypoints", "etas must not decrease")
		}
	}
	return nil
}

// plan orders the stops of t around its driver, or around the owner's own
// segment when nobody drives yet.
func (s *Service) plan(ctx context.Context, t models.Trip) ([]models.WayPoint, error) {
	spine := t.Driver
	if spine == "" {
		spine = t.Owner
	}
	lead := mustMember(&t, spine)
	q := routing.TripQuery{Target: t.DepartureTime, Driver: routing.Segment{From: lead.From, To: lead.To}}
	for _, m := range t.Members {
		if m.User != spine {
			q.Passengers = append(q.Passengers, routing.Segment{From: m.From, To: m.To})
		}
	}
	wps, err := s.Router.GetTrip(ctx, q)
	if errors.Is(err, routing.ErrInfeasible) {
		return nil, models.Invalid("members", "no route serves every member")
	}
	if err != nil {
		return nil, fmt.Errorf("plan trip: %w", err)
	}
	return wps, nil
}

// reindex refreshes the search entry of a NotStarted trip. Failures leave the
// trip stored but unsearchable, so they are logged.
func (s *Service) reindex(ctx context.Context, t models.Trip) {
	if s.Index == nil || t.State != models.TripNotStarted {
		return
	}
	e := geo.Entry{TripID: t.ID, Departure: t.DepartureTime, WayPoints: t.WayPoints}
	if len(t.WayPoints) > 1 {
		coords := make([]models.Coord, len(t.WayPoints))
		for i, wp := range t.WayPoints {
			coords[i] = wp.Point.Location
		}
		if r, err := s.Router.GetRoute(ctx, coords); err == nil {
			e.Route = r.Coordinates
		} else {
			s.log().Warn("trip geometry unavailable", "trip_id", t.ID, "err", err)
		}
	}
	if err := s.Index.Upsert(ctx, e); err != nil {
		s.log().Error("index trip failed", "trip_id", t.ID, "err", err)
	}
}

func (s *Service) emit(ctx context.Context, e models.Event) {
	if s.Events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	if err := s.Events.Publish(ctx, e); err != nil {
		s.log().Warn("publish event failed", "trip_id", e.TripID, "type", e.Type, "err", err)
	}
}

// Join adds a member to a NotStarted trip. A Compatible match brings the
// recomputed waypoints; otherwise the current ones must already serve the member.
func (s *Service) Join(ctx context.Context, tripID string, m models.Member, match *models.Match) (models.Trip, error) {
	if err := validateMember(m); err != nil {
		return models.Trip{}, err
	}
	if m.GeolocationLevel == "" {
		m.GeolocationLevel = models.GeolocationOnline
	}
	t, err := s.update(ctx, tripID, func(t *models.Trip) error {
		if err := joinable(*t); err != nil {
			return err
		}
		if _, ok := t.Member(m.User); ok {
			return models.Invalid("user", "already a member")
		}
		switch {
		case m.Seats > 0 && (!t.CanDrive() || t.AvailableSeats() < m.Seats):
			return models.ErrNoSeats
		case m.Seats < 0 && (t.CanDrive() || t.PassengerSeats() > -m.Seats):
			return models.ErrNoSeats
		case m.Seats < 0:
			t.Driver = m.User
		}

		now := s.now()
		joined := m
		joined.JoinedAt = now
		t.Members = append(t.Members, joined)
		// waypoints missing a member, as from a match computed before a
		// concurrent join, are replanned
		if match != nil && match.Kind == models.MatchCompatible && len(match.WayPoints) > 0 {
			t.WayPoints = match.WayPoints
		}
		if validateOrder(*t) != nil {
			wps, err := s.plan(ctx, *t)
			if err != nil {
				return err
			}
			t.WayPoints = wps
		}
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}
	s.reindex(ctx, t)
	s.emit(ctx, models.Event{Type: models.EventMemberJoined, TripID: t.ID, User: m.User})
	return t, nil
}

func joinable(t models.Trip) error {
	switch {
	case t.State.Terminal():
		return models.ErrTripFinished
	case t.State != models.TripNotStarted:
		return models.ErrInvalidTransition
	}
	return nil
}

// Leave removes user from a NotStarted trip. A trip left without its driver
// or without members is canceled.
func (s *Service) Leave(ctx context.Context, tripID, user string) (models.Trip, error) {
	var wasDriver bool
	t, err := s.update(ctx, tripID, func(t *models.Trip) error {
		if err := joinable(*t); err != nil {
			return err
		}
		i := slices.IndexFunc(t.Members, func(m models.Member) bool { return m.User == user })
		if i < 0 {
			return models.ErrNotMember
		}
		t.Members = slices.Delete(t.Members, i, i+1)
		wasDriver = t.Driver == user
		if wasDriver {
			t.Driver = ""
		}
		if t.Owner == user && len(t.Members) > 0 {
			t.Owner = t.Members[0].User
			if t.Driver != "" {
				t.Owner = t.Driver
			}
		}
		if !wasDriver && len(t.Members) > 0 {
			if wps, err := s.plan(ctx, *t); err == nil {
				t.WayPoints = wps
			} else {
				s.log().Warn("replan after leave failed", "trip_id", t.ID, "err", err)
			}
		}
		t.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}
	s.emit(ctx, models.Event{Type: models.EventMemberLeft, TripID: t.ID, User: user})

	if wasDriver || len(t.Members) == 0 {
		err := s.transition(ctx, &t, models.TripCanceled)
		return t, err
	}
	s.reindex(ctx, t)
	return t, nil
}

// SetGeolocationLevel changes how user shares their position with the trip.
func (s *Service) SetGeolocationLevel(ctx context.Context, tripID, user string, level models.GeolocationLevel) (models.Trip, error) {
	switch level {
	case models.GeolocationNone, models.GeolocationHidden, models.GeolocationOnline:
	default:
		return models.Trip{}, models.Invalid("level", "unknown geolocation level")
	}
	changed := false
	t, err := s.update(ctx, tripID, func(t *models.Trip) error {
		i := slices.IndexFunc(t.Members, func(m models.Member) bool { return m.User == user })
		if i < 0 {
			return models.ErrNotMember
		}
		if t.Members[i].GeolocationLevel == level {
			return errUnchanged
		}
		t.Members[i].GeolocationLevel = level
		t.UpdatedAt = s.now()
		changed = true
		return nil
	})
	if err != nil || !changed {
		return t, err
	}
	s.emit(ctx, models.Event{Type: models.EventGeolocationLevelChanged, TripID: t.ID, User: user, Level: level})
	return t, nil
}

// maxUpdateAttempts bounds how often a read-modify-write is replayed after
// losing the version compare-and-set to a concurrent writer.
const maxUpdateAttempts = 5

// errUnchanged lets an update function report there is nothing to store.
var errUnchanged = errors.New("trip unchanged")

// update reads trip tripID, applies change and stores the result if nobody
// else wrote the trip in between. A lost race replays change on a fresh read.
func (s *Service) update(ctx context.Context, tripID string, change func(t *models.Trip) error) (models.Trip, error) {
	for attempt := 1; ; attempt++ {
		t, err := s.Store.Get(ctx, tripID)
		if err != nil {
			return models.Trip{}, err
		}
		err = change(&t)
		if errors.Is(err, errUnchanged) {
			return t, nil
		}
		if err != nil {
			return models.Trip{}, err
		}
		err = s.Store.Update(ctx, t)
		if err == nil {
			t.Version++
			return t, nil
		}
		if !errors.Is(err, models.ErrConflict) || attempt == maxUpdateAttempts {
			return models.Trip{}, err
		}
		s.log().Debug("trip changed concurrently, retrying", "trip_id", tripID, "attempt", attempt)
	}
}
