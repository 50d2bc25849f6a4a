package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/routing"
)

const (
	DefaultNearRadius = 500.0
	historySize       = 3
	// stillTolerance is the jitter under which two fixes count as the same place.
	stillTolerance = 1.0
)

// unsetFraction marks a fraction cache slot not computed yet.
var unsetFraction = math.Float64bits(-1)

// Session snaps coordinates onto the planned route of one trip.
type Session interface {
	LocateOnRoute(ctx context.Context, c models.Coord) (geo.Location, error)
	Close() error
}

// Tabler estimates travel times between points.
type Tabler interface {
	Table(ctx context.Context, points []models.Coord) (routing.Table, error)
}

type Options struct {
	NearRadius float64
	Now        func() time.Time
	// OnArrived is called once, outside any tracker lock, when the driver
	// reaches the final waypoint.
	OnArrived func(tripID string)
	Logger    *slog.Logger
}

// Tracker follows the members of one started trip along its planned waypoints.
// The trip's member list is frozen when the tracker is created.
type Tracker struct {
	trip    models.Trip
	session Session
	router  Tabler
	opts    Options

	members   map[string]*memberState
	fractions []atomic.Uint64

	version  atomic.Uint64
	snap     atomic.Pointer[snapshot]
	arrived  atomic.Bool
	disposed atomic.Bool
	lastSeen atomic.Int64
}

type memberState struct {
	mu      sync.Mutex
	member  models.Member
	board   int
	drop    int
	history [historySize]models.TrackingSample
	count   int
}

func (m *memberState) latest() (models.TrackingSample, bool) {
	if m.count == 0 {
		return models.TrackingSample{}, false
	}
	return m.history[(m.count-1)%historySize], true
}

// samples returns the buffered samples, oldest first.
func (m *memberState) samples() []models.TrackingSample {
	n := min(m.count, historySize)
	out := make([]models.TrackingSample, 0, n)
	for i := m.count - n; i < m.count; i++ {
		out = append(out, m.history[i%historySize])
	}
	return out
}

func (m *memberState) push(s models.TrackingSample) {
	m.history[m.count%historySize] = s
	m.count++
}

type snapshot struct {
	version uint64
	info    models.TrackingInfo
	car     *models.TrackingSample
}

func New(trip models.Trip, session Session, router Tabler, opts Options) (*Tracker, error) {
	if len(trip.WayPoints) == 0 {
		return nil, models.Invalid("waypoints", "trip has no waypoints")
	}
	if opts.NearRadius <= 0 {
		opts.NearRadius = DefaultNearRadius
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Tracker{
		trip:      trip,
		session:   session,
		router:    router,
		opts:      opts,
		members:   make(map[string]*memberState, len(trip.Members)),
		fractions: make([]atomic.Uint64, len(trip.WayPoints)),
	}
	for i := range t.fractions {
		t.fractions[i].Store(unsetFraction)
	}
	t.fractions[0].Store(math.Float64bits(0))

	for _, m := range trip.Members {
		board := max(models.IndexOfPoint(trip.WayPoints, m.From, 0), 0)
		drop := models.IndexOfPoint(trip.WayPoints, m.To, board+1)
		if drop < 0 {
			drop = len(trip.WayPoints) - 1
		}
		t.members[m.User] = &memberState{member: m, board: board, drop: drop}
	}
	t.touch()
	return t, nil
}

func (t *Tracker) TripID() string { return t.trip.ID }

// LastActivity is the time of creation or of the latest accepted ping.
func (t *Tracker) LastActivity() time.Time { return time.Unix(0, t.lastSeen.Load()) }

func (t *Tracker) Arrived() bool { return t.arrived.Load() }

func (t *Tracker) touch() { t.lastSeen.Store(t.opts.Now().UnixNano()) }

// PushSample records one ping of user and returns the derived sample.
func (t *Tracker) PushSample(ctx context.Context, user string, ping models.Ping) (models.TrackingSample, error) {
	if t.disposed.Load() {
		return models.TrackingSample{}, models.ErrTripNotFound
	}
	ms, ok := t.members[user]
	if !ok {
		return models.TrackingSample{}, models.ErrNotMember
	}
	t.touch()

	ms.mu.Lock()
	s, fire, err := t.push(ctx, ms, ping)
	ms.mu.Unlock()
	if err != nil {
		return models.TrackingSample{}, err
	}
	t.version.Add(1)

	if fire {
		observability.ArrivalsTotal.Inc()
		t.opts.Logger.Info("trip arrived", "trip_id", t.trip.ID, "user_id", user)
		if t.opts.OnArrived != nil {
			t.opts.OnArrived(t.trip.ID)
		}
	}
	return s, nil
}

func (t *Tracker) push(ctx context.Context, ms *memberState, ping models.Ping) (models.TrackingSample, bool, error) {
	prev, hasPrev := ms.latest()
	next := ms.board
	if hasPrev {
		next = prev.NextIndex
	}

	if ping.Coordinate == nil {
		s := models.TrackingSample{At: ping.At, NextIndex: next, Delay: prev.Delay, Distance: math.Inf(1)}
		ms.push(s)
		observability.PingsTotal.WithLabelValues("blind").Inc()
		return s, false, nil
	}

	raw := *ping.Coordinate
	loc, err := t.session.LocateOnRoute(ctx, raw)
	if errors.Is(err, geo.ErrSessionClosed) {
		return models.TrackingSample{}, false, models.ErrTripNotFound
	}
	if err != nil {
		return models.TrackingSample{}, false, fmt.Errorf("locate on route: %w", err)
	}

	last := len(t.trip.WayPoints) - 1
	fire := false
	snapped := loc.Point
	dist := geo.Distance(raw, t.trip.WayPoints[next].Point.Location)

	switch {
	case dist <= t.opts.NearRadius:
		snapped = raw
		if next == last && ms.member.User == t.trip.Driver {
			fire = t.arrived.CompareAndSwap(false, true)
		}
	case hasPrev && prev.NextIndex == next && prev.Distance <= t.opts.NearRadius:
		next = min(next+1, last)
	default:
		frac, err := t.fraction(ctx, next)
		if err != nil {
			return models.TrackingSample{}, false, err
		}
		if loc.Fraction > frac {
			if next, err = t.skipTo(ctx, next+1, loc.Fraction); err != nil {
				return models.TrackingSample{}, false, err
			}
		}
	}

	target := t.trip.WayPoints[next]
	s := models.TrackingSample{
		At:        ping.At,
		NextIndex: next,
		Delay:     prev.Delay,
		Snapped:   &snapped,
		Raw:       &raw,
		Distance:  geo.Distance(raw, target.Point.Location),
	}
	if delay, ok := t.delay(ctx, snapped, target, ping.Delay); ok {
		s.Delay = delay
	}
	ms.push(s)
	observability.PingsTotal.WithLabelValues("located").Inc()
	return s, fire, nil
}

// delay is how late the member will reach target compared to the plan.
func (t *Tracker) delay(ctx context.Context, from models.Coord, target models.WayPoint, propagation time.Duration) (time.Duration, bool) {
	tbl, err := t.router.Table(ctx, []models.Coord{from, target.Point.Location})
	if err != nil {
		t.opts.Logger.Warn("travel time estimate failed", "trip_id", t.trip.ID, "err", err)
		return 0, false
	}
	if len(tbl.Durations) < 1 || len(tbl.Durations[0]) < 2 || math.IsInf(tbl.Durations[0][1], 1) {
		return 0, false
	}
	travel := time.Duration(tbl.Durations[0][1] * float64(time.Second))
	return t.opts.Now().Add(travel).Sub(target.Eta) + propagation, true
}

// fraction returns where waypoint i lies along the route, computing it once.
// Concurrent writers store the same value, so the first write wins.
func (t *Tracker) fraction(ctx context.Context, i int) (float64, error) {
	if bits := t.fractions[i].Load(); bits != unsetFraction {
		return math.Float64frombits(bits), nil
	}
	loc, err := t.session.LocateOnRoute(ctx, t.trip.WayPoints[i].Point.Location)
	if errors.Is(err, geo.ErrSessionClosed) {
		return 0, models.ErrTripNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("locate waypoint %d: %w", i, err)
	}
	t.fractions[i].CompareAndSwap(unsetFraction, math.Float64bits(loc.Fraction))
	return math.Float64frombits(t.fractions[i].Load()), nil
}

// skipTo returns the first waypoint from start on that is not behind frac.
// Backtracking on the road can look like a skipped waypoint here.
func (t *Tracker) skipTo(ctx context.Context, start int, frac float64) (int, error) {
	last := len(t.trip.WayPoints) - 1
	for i := start; i < last; i++ {
		f, err := t.fraction(ctx, i)
		if err != nil {
			return 0, err
		}
		if f >= frac {
			return i, nil
		}
	}
	return last, nil
}

// GetTrackingInfo returns the current snapshot. The result is shared between
// callers until the next sample and must not be modified.
func (t *Tracker) GetTrackingInfo() models.TrackingInfo {
	return t.snapshot().info
}

func (t *Tracker) snapshot() *snapshot {
	v := t.version.Load()
	if s := t.snap.Load(); s != nil && s.version == v {
		return s
	}
	s := t.compute(v)
	t.snap.Store(s)
	return s
}

func (t *Tracker) compute(v uint64) *snapshot {
	users := make([]string, 0, len(t.members))
	for u := range t.members {
		users = append(users, u)
	}
	sort.Strings(users)

	out := &snapshot{version: v, info: models.TrackingInfo{TripID: t.trip.ID, Members: map[string]models.MemberSnapshot{}}}
	var occupants []string
	var carHistory []models.TrackingSample
	for _, u := range users {
		ms := t.members[u]
		ms.mu.Lock()
		latest, ok := ms.latest()
		history := ms.samples()
		ms.mu.Unlock()
		if !ok {
			continue
		}

		if u == t.trip.Driver || latest.NextIndex != ms.board {
			occupants = append(occupants, u)
			if out.car == nil || latest.At.After(out.car.At) {
				l := latest
				out.car = &l
				carHistory = history
			}
			continue
		}
		out.info.Members[u] = models.MemberSnapshot{At: latest.At, NextIndex: latest.NextIndex, Delay: latest.Delay, Position: latest.Snapped}
	}

	if out.car != nil {
		out.info.Car = &models.CarSnapshot{
			At:        out.car.At,
			NextIndex: out.car.NextIndex,
			Delay:     out.car.Delay,
			Position:  out.car.Snapped,
			Moving:    moving(carHistory),
			Members:   occupants,
		}
	}
	return out
}

func moving(history []models.TrackingSample) bool {
	if len(history) < 2 {
		return true
	}
	latest := history[len(history)-1]
	if latest.Raw == nil {
		return true
	}
	for _, s := range history[:len(history)-1] {
		if s.Raw == nil || geo.Distance(*s.Raw, *latest.Raw) > stillTolerance {
			return true
		}
	}
	return false
}

// MemberHasArrived reports whether user reached their dropoff, either by their
// own pings or because the car got there.
func (t *Tracker) MemberHasArrived(user string) bool {
	ms, ok := t.members[user]
	if !ok {
		return false
	}
	ms.mu.Lock()
	latest, ok := ms.latest()
	ms.mu.Unlock()
	if ok && latest.NextIndex == ms.drop && latest.Distance <= t.opts.NearRadius {
		return true
	}

	car := t.snapshot().car
	if car == nil {
		return false
	}
	return car.NextIndex > ms.drop || (car.NextIndex == ms.drop && car.Distance <= t.opts.NearRadius)
}

// Dispose releases the route session. Later pings fail with ErrTripNotFound.
func (t *Tracker) Dispose() error {
	if !t.disposed.CompareAndSwap(false, true) {
		return nil
	}
	return t.session.Close()
}
