package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/routing"
)

const (
	minDetourBound     = 15 * time.Minute
	detourShare        = 0.25
	maxPickupShare     = 0.5
	maxDepositDistance = 2000.0
	searchWindow       = 3 * time.Hour
)

// GeoIndex finds trips near a pair of endpoints or along a route.
type GeoIndex interface {
	GetMatchingTrips(ctx context.Context, q geo.Query) ([]geo.TripCandidates, error)
}

type TripReader interface {
	Get(ctx context.Context, id string) (models.Trip, error)
}

// StopResolver turns a named stop id into a located point.
type StopResolver interface {
	ResolveStop(ctx context.Context, id string) (models.Point, error)
}

// Service is stateless; concurrent Match calls never interact.
type Service struct {
	Geo    GeoIndex
	Router routing.Router
	Trips  TripReader
	Stops  StopResolver // optional
	Radius float64
	TopN   int
	Fanout int
	Logger *slog.Logger
}

// Match returns the trips able to carry the search, best first. It is read-only
// and may be retried wholesale when it fails with a retryable error.
func (s *Service) Match(ctx context.Context, f models.Filter, page models.Pagination) (models.Page[models.TripMatch], error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	f, err := s.resolve(ctx, f)
	if err != nil {
		return models.Page[models.TripMatch]{}, err
	}

	direct, err := s.Router.GetRoute(ctx, []models.Coord{f.From.Location, f.To.Location})
	if errors.Is(err, routing.ErrInfeasible) {
		return models.Page[models.TripMatch]{Items: []models.TripMatch{}}, nil
	}
	if err != nil {
		return models.Page[models.TripMatch]{}, fmt.Errorf("route search: %w", err)
	}

	window := geo.TimeWindow{From: f.TargetTime.Add(-searchWindow), To: f.TargetTime.Add(searchWindow)}
	near, err := s.Geo.GetMatchingTrips(ctx, geo.Query{From: f.From, To: f.To, Window: window, Radius: s.radius()})
	if err != nil {
		return models.Page[models.TripMatch]{}, fmt.Errorf("endpoint candidates: %w", err)
	}
	along, err := s.Geo.GetMatchingTrips(ctx, geo.Query{Route: direct.Coordinates, Window: window, Radius: s.radius()})
	if err != nil {
		return models.Page[models.TripMatch]{}, fmt.Errorf("route candidates: %w", err)
	}
	ids, candidates := union(near, along)

	results := make([]*ranked, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout())
	for i, id := range ids {
		g.Go(func() error {
			r, err := s.evaluate(gctx, f, id, candidates[id])
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.Page[models.TripMatch]{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Page[models.TripMatch]{}, err
	}

	accepted := make([]ranked, 0, len(results))
	for _, r := range results {
		if r != nil {
			accepted = append(accepted, *r)
		}
	}
	slices.SortStableFunc(accepted, Comparator(f.SortBy))

	out := s.paginate(accepted, page)
	for i := range out.Items {
		s.attachReturn(ctx, f, &out.Items[i])
		observability.MatchesTotal.WithLabelValues(string(out.Items[i].Match.Kind)).Inc()
	}
	return out, nil
}

func (s *Service) resolve(ctx context.Context, f models.Filter) (models.Filter, error) {
	if f.Seats == 0 {
		return f, models.Invalid("seats", "must not be zero")
	}
	if f.TargetTime.IsZero() {
		return f, models.Invalid("target_time", "is required")
	}
	if f.From.ID != "" && f.From.ID == f.To.ID {
		return f, models.Invalid("to", "must differ from from")
	}
	switch f.Direction {
	case "":
		f.Direction = models.DepartBy
	case models.DepartBy, models.ArriveBy:
	default:
		return f, models.Invalid("direction", "unknown value")
	}
	switch f.SortBy {
	case "":
		f.SortBy = models.SortByDistance
	case models.SortByDistance, models.SortByTime:
	default:
		return f, models.Invalid("sort_by", "unknown value")
	}

	var err error
	if f.From, err = s.point(ctx, "from", f.From); err != nil {
		return f, err
	}
	if f.To, err = s.point(ctx, "to", f.To); err != nil {
		return f, err
	}
	if f.From.SamePlace(f.To, models.WayPointTolerance) {
		return f, models.Invalid("to", "must differ from from")
	}
	return f, nil
}

func (s *Service) point(ctx context.Context, field string, p models.Point) (models.Point, error) {
	if !p.Location.IsZero() {
		return p, nil
	}
	if p.ID == "" || s.Stops == nil {
		return p, models.Invalid(field, "location is required")
	}
	resolved, err := s.Stops.ResolveStop(ctx, p.ID)
	if errors.Is(err, models.ErrStopNotFound) {
		return p, models.Invalid(field, "unknown stop "+p.ID)
	}
	return resolved, err
}

// union merges both candidate lists by trip id, keeping first-seen order.
func union(lists ...[]geo.TripCandidates) ([]string, map[string][]models.MatchCandidate) {
	var ids []string
	byTrip := make(map[string][]models.MatchCandidate)
	for _, list := range lists {
		for _, tc := range list {
			if _, ok := byTrip[tc.TripID]; !ok {
				ids = append(ids, tc.TripID)
			}
			byTrip[tc.TripID] = append(byTrip[tc.TripID], tc.Candidates...)
		}
	}
	return ids, byTrip
}

// seatsCompatible pairs passengers with driving trips and drivers with
// passenger-only trips that fit in the offered car.
func seatsCompatible(t models.Trip, seats int) bool {
	if seats > 0 {
		return t.CanDrive() && t.AvailableSeats() >= seats
	}
	return !t.CanDrive() && t.PassengerSeats() <= -seats
}

func (s *Service) evaluate(ctx context.Context, f models.Filter, tripID string, cands []models.MatchCandidate) (*ranked, error) {
	trip, err := s.Trips.Get(ctx, tripID)
	if errors.Is(err, models.ErrTripNotFound) {
		observability.CandidatesDropped.WithLabelValues("gone").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trip %s: %w", tripID, err)
	}
	if trip.State != models.TripNotStarted || !seatsCompatible(trip, f.Seats) {
		observability.CandidatesDropped.WithLabelValues("seats").Inc()
		return nil, nil
	}

	for _, c := range cands {
		if c.Mode == models.ModeExact {
			return s.exact(f, trip, c), nil
		}
	}
	for _, mode := range []models.MatchMode{models.ModeDetour, models.ModePartial} {
		for _, c := range cands {
			if c.Mode != mode {
				continue
			}
			r, err := s.compatible(ctx, f, trip, c)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}
		}
	}
	observability.CandidatesDropped.WithLabelValues("detour").Inc()
	return nil, nil
}

func (s *Service) exact(f models.Filter, trip models.Trip, c models.MatchCandidate) *ranked {
	m := models.Match{Kind: models.MatchExact, Pickup: c.Pickup, Deposit: c.Deposit, WayPoints: trip.WayPoints}
	return s.rank(f, trip, m)
}

func (s *Service) compatible(ctx context.Context, f models.Filter, trip models.Trip, c models.MatchCandidate) (*ranked, error) {
	q, ok := tripQuery(f, trip, c)
	if !ok {
		return nil, nil
	}
	wps, err := s.Router.GetTrip(ctx, q)
	if errors.Is(err, routing.ErrInfeasible) {
		s.log().Debug("candidate infeasible", "trip_id", trip.ID, "mode", c.Mode, "err", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recompute trip %s: %w", trip.ID, err)
	}

	pi := models.IndexOfPoint(wps, c.Pickup, 0)
	di := models.IndexOfPoint(wps, c.Deposit, pi+1)
	if pi < 0 || di < 0 {
		return nil, nil
	}
	last := wps[len(wps)-1]
	delta := models.Delta{
		Duration:        last.Duration - trip.TotalDuration(),
		Distance:        last.Distance - trip.TotalDistance(),
		PickupDistance:  c.PickupOffRoute + geo.Distance(f.From.Location, c.Pickup.Location),
		DepositDistance: c.DepositOffRoute + geo.Distance(f.To.Location, c.Deposit.Location),
	}
	if delta.Duration > detourBound(f, trip) {
		return nil, nil
	}
	if delta.PickupDistance > maxPickupShare*(wps[di].Distance-wps[pi].Distance) {
		return nil, nil
	}
	if delta.DepositDistance > maxDepositDistance {
		return nil, nil
	}
	m := models.Match{Kind: models.MatchCompatible, Pickup: wps[pi].Point, Deposit: wps[di].Point, Delta: delta, WayPoints: wps}
	return s.rank(f, trip, m), nil
}

// detourBound is max(15 min, 25% of the trip), tightened by the caller's own bound.
func detourBound(f models.Filter, trip models.Trip) time.Duration {
	bound := time.Duration(detourShare * float64(trip.TotalDuration()))
	if bound < minDetourBound {
		bound = minDetourBound
	}
	if f.MaxDetour > 0 && f.MaxDetour < bound {
		bound = f.MaxDetour
	}
	return bound
}

// tripQuery inserts the requester into the driver segment for a driver search
// and into the passenger segments otherwise.
func tripQuery(f models.Filter, trip models.Trip, c models.MatchCandidate) (routing.TripQuery, bool) {
	q := routing.TripQuery{Target: trip.DepartureTime}
	requester := routing.Segment{From: c.Pickup, To: c.Deposit}
	if f.DriverSearch() {
		q.Driver = requester
		for _, m := range trip.Members {
			q.Passengers = append(q.Passengers, routing.Segment{From: m.From, To: m.To})
		}
		return q, true
	}
	driver, ok := trip.Member(trip.Driver)
	if !ok {
		return q, false
	}
	q.Driver = routing.Segment{From: driver.From, To: driver.To}
	for _, m := range trip.Members {
		if m.User != trip.Driver {
			q.Passengers = append(q.Passengers, routing.Segment{From: m.From, To: m.To})
		}
	}
	q.Passengers = append(q.Passengers, requester)
	return q, true
}

func (s *Service) rank(f models.Filter, trip models.Trip, m models.Match) *ranked {
	free := trip.AvailableSeats() - f.Seats
	if f.DriverSearch() {
		free = -f.Seats - trip.PassengerSeats()
	}
	r := &ranked{
		TripMatch:       models.TripMatch{Trip: trip, Match: m, FreeSeats: free},
		pickupDistance:  geo.Distance(f.From.Location, m.Pickup.Location),
		depositDistance: geo.Distance(f.To.Location, m.Deposit.Location),
	}
	ref := m.Pickup
	if f.Direction == models.ArriveBy {
		ref = m.Deposit
	}
	if i := models.IndexOfPoint(m.WayPoints, ref, 0); i >= 0 {
		r.timeDelta = m.WayPoints[i].Eta.Sub(f.TargetTime).Abs()
	}
	return r
}

func (s *Service) paginate(all []ranked, page models.Pagination) models.Page[models.TripMatch] {
	limit := page.Limit
	if limit <= 0 {
		limit = s.TopN
	}
	if limit <= 0 {
		limit = 10
	}
	offset := max(page.Offset, 0)
	out := models.Page[models.TripMatch]{Items: []models.TripMatch{}, Total: len(all)}
	for i := offset; i < len(all) && i < offset+limit; i++ {
		out.Items = append(out.Items, all[i].TripMatch)
	}
	if next := offset + limit; next < len(all) {
		out.Next = &next
	}
	return out
}

// attachReturn reports when the linked return trip passes by the deposit point.
func (s *Service) attachReturn(ctx context.Context, f models.Filter, tm *models.TripMatch) {
	if tm.Trip.ReturnID == "" {
		return
	}
	ret, err := s.Trips.Get(ctx, tm.Trip.ReturnID)
	if err != nil {
		if !errors.Is(err, models.ErrTripNotFound) {
			s.log().Warn("return trip lookup failed", "trip_id", tm.Trip.ID, "return_id", tm.Trip.ReturnID, "err", err)
		}
		return
	}
	if !seatsCompatible(ret, f.Seats) {
		return
	}
	if i := ret.WayPointIndex(tm.Match.Deposit); i >= 0 {
		eta := ret.WayPoints[i].Eta
		tm.ReturnEta = &eta
	}
}

func (s *Service) radius() float64 {
	if s.Radius > 0 {
		return s.Radius
	}
	return 1500
}

func (s *Service) fanout() int {
	if s.Fanout > 0 {
		return s.Fanout
	}
	return 8
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
