package matcher

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/routing"
)

var (
	departure = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	pX        = models.Point{ID: "X", Location: models.Coord{Lat: 45.00, Lon: 5.00}}
	pY        = models.Point{ID: "Y", Location: models.Coord{Lat: 45.00, Lon: 5.10}}
	pZ        = models.Point{ID: "Z", Location: models.Coord{Lat: 45.00, Lon: 5.20}}
	pW        = models.Point{Location: models.Coord{Lat: 45.01, Lon: 5.10}}
)

type fakeTrips map[string]models.Trip

func (f fakeTrips) Get(_ context.Context, id string) (models.Trip, error) {
	t, ok := f[id]
	if !ok {
		return models.Trip{}, models.ErrTripNotFound
	}
	return t, nil
}

type countingRouter struct {
	routing.Router
	calls atomic.Int32
	err   error
}

func (c *countingRouter) GetRoute(ctx context.Context, pts []models.Coord) (routing.Route, error) {
	c.calls.Add(1)
	if c.err != nil {
		return routing.Route{}, c.err
	}
	return c.Router.GetRoute(ctx, pts)
}

func (c *countingRouter) GetTrip(ctx context.Context, q routing.TripQuery) ([]models.WayPoint, error) {
	c.calls.Add(1)
	return c.Router.GetTrip(ctx, q)
}

// fixture builds a driving trip X->Z carrying one passenger Y->Z.
func fixture(t *testing.T) (*Service, *countingRouter) {
	t.Helper()
	return fixtureWithRadius(t, 1500)
}

func fixtureWithRadius(t *testing.T, radius float64) (*Service, *countingRouter) {
	t.Helper()
	ctx := context.Background()
	router := &countingRouter{Router: routing.NewStraightRouter(13)}
	wps, err := router.Router.GetTrip(ctx, routing.TripQuery{
		Target:     departure,
		Driver:     routing.Segment{From: pX, To: pZ},
		Passengers: []routing.Segment{{From: pY, To: pZ}},
	})
	require.NoError(t, err)
	require.Len(t, wps, 3)

	trip := models.Trip{
		ID:     "t1",
		Owner:  "driver",
		Driver: "driver",
		Members: []models.Member{
			{User: "driver", From: pX, To: pZ, Seats: -3},
			{User: "rider", From: pY, To: pZ, Seats: 1},
		},
		WayPoints:     wps,
		DepartureTime: departure,
		State:         models.TripNotStarted,
	}
	idx := geo.NewIndex(radius)
	require.NoError(t, idx.Upsert(ctx, geo.Entry{TripID: trip.ID, Departure: departure, WayPoints: wps}))

	return &Service{
		Geo:    idx,
		Router: router,
		Trips:  fakeTrips{trip.ID: trip},
		Radius: radius,
		TopN:   10,
		Fanout: 4,
	}, router
}

func TestMatchExact(t *testing.T) {
	s, _ := fixture(t)
	page, err := s.Match(context.Background(), models.Filter{
		From: pY, To: pZ, TargetTime: departure.Add(10 * time.Minute), Seats: 1,
	}, models.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	m := page.Items[0]
	assert.Equal(t, models.MatchExact, m.Match.Kind)
	assert.Equal(t, models.Delta{}, m.Match.Delta)
	assert.Equal(t, s.Trips.(fakeTrips)["t1"].WayPoints, m.Match.WayPoints)
	assert.Equal(t, 1, m.FreeSeats)
	assert.Nil(t, page.Next)
}

func TestMatchCompatibleWithinDetourBound(t *testing.T) {
	s, _ := fixture(t)
	page, err := s.Match(context.Background(), models.Filter{
		From: pW, To: pZ, TargetTime: departure.Add(10 * time.Minute), Seats: 1,
	}, models.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	m := page.Items[0].Match
	assert.Equal(t, models.MatchCompatible, m.Kind)
	assert.True(t, m.Pickup.SamePlace(pW, models.WayPointTolerance), "pickup snapped near W")
	assert.LessOrEqual(t, m.Delta.Duration, 15*time.Minute)
	assert.Greater(t, m.Delta.Duration, time.Duration(0))
	for i := 1; i < len(m.WayPoints); i++ {
		assert.False(t, m.WayPoints[i].Eta.Before(m.WayPoints[i-1].Eta))
	}
}

func TestMatchRespectsCallerDetourBound(t *testing.T) {
	s, _ := fixture(t)
	page, err := s.Match(context.Background(), models.Filter{
		From: pW, To: pZ, TargetTime: departure, Seats: 1, MaxDetour: time.Second,
	}, models.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	// the detour through W is too long; the trip still serves W from Y
	m := page.Items[0].Match
	assert.Equal(t, models.MatchCompatible, m.Kind)
	assert.LessOrEqual(t, m.Delta.Duration, time.Second)
	assert.True(t, m.Pickup.SamePlace(pY, models.WayPointTolerance))
	assert.InDelta(t, 1112, m.Delta.PickupDistance, 10)
}

func TestMatchRejectsLongWalkToPickup(t *testing.T) {
	s, _ := fixture(t)
	// 1.4 km off the road for a 1.6 km ride
	page, err := s.Match(context.Background(), models.Filter{
		From:       models.Point{Location: models.Coord{Lat: 45.0126, Lon: 5.19}},
		To:         pZ,
		TargetTime: departure,
		Seats:      1,
	}, models.Pagination{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestMatchDepositDistanceBound(t *testing.T) {
	s, _ := fixtureWithRadius(t, 3000)
	ctx := context.Background()

	page, err := s.Match(ctx, models.Filter{
		From:       pY,
		To:         models.Point{Location: models.Coord{Lat: 45.0225, Lon: 5.20}},
		TargetTime: departure,
		Seats:      1,
	}, models.Pagination{})
	require.NoError(t, err)
	assert.Empty(t, page.Items, "2.5 km from the closest stop")

	to := models.Point{Location: models.Coord{Lat: 45.0135, Lon: 5.20}}
	page, err = s.Match(ctx, models.Filter{From: pY, To: to, TargetTime: departure, Seats: 1}, models.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	m := page.Items[0].Match
	assert.Equal(t, models.MatchCompatible, m.Kind)
	assert.Zero(t, m.Delta.PickupDistance)
	assert.InDelta(t, 1500, m.Delta.DepositDistance, 20)
}

func TestMatchPartialAlongRequestedRoute(t *testing.T) {
	s, _ := fixture(t)
	// starts 3.9 km before X and ends 1.2 km past Z, too far for a detour
	page, err := s.Match(context.Background(), models.Filter{
		From:       models.Point{Location: models.Coord{Lat: 45.0, Lon: 4.95}},
		To:         models.Point{Location: models.Coord{Lat: 45.0, Lon: 5.215}},
		TargetTime: departure,
		Seats:      1,
	}, models.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	m := page.Items[0].Match
	assert.Equal(t, models.MatchCompatible, m.Kind)
	assert.True(t, m.Pickup.SamePlace(pX, models.WayPointTolerance))
	assert.True(t, m.Deposit.SamePlace(pZ, models.WayPointTolerance))
	assert.InDelta(t, 3931, m.Delta.PickupDistance, 20)
	assert.InDelta(t, 1179, m.Delta.DepositDistance, 20)
	assert.InDelta(t, 0, m.Delta.Duration.Seconds(), 1)
}

func TestMatchSeatRoles(t *testing.T) {
	s, _ := fixture(t)
	ctx := context.Background()

	page, err := s.Match(ctx, models.Filter{From: pY, To: pZ, TargetTime: departure, Seats: 3}, models.Pagination{})
	require.NoError(t, err)
	assert.Empty(t, page.Items, "not enough seats left")

	page, err = s.Match(ctx, models.Filter{From: pY, To: pZ, TargetTime: departure, Seats: -4}, models.Pagination{})
	require.NoError(t, err)
	assert.Empty(t, page.Items, "trip already has a driver")
}

func TestMatchOutsideWindow(t *testing.T) {
	s, _ := fixture(t)
	page, err := s.Match(context.Background(), models.Filter{
		From: pY, To: pZ, TargetTime: departure.Add(5 * time.Hour), Seats: 1,
	}, models.Pagination{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestMatchValidationMakesNoRemoteCalls(t *testing.T) {
	s, router := fixture(t)
	ctx := context.Background()

	_, err := s.Match(ctx, models.Filter{From: pY, To: pY, TargetTime: departure, Seats: 1}, models.Pagination{})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = s.Match(ctx, models.Filter{From: pY, To: pZ, TargetTime: departure}, models.Pagination{})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = s.Match(ctx, models.Filter{From: models.Point{ID: "nowhere"}, To: pZ, TargetTime: departure, Seats: 1}, models.Pagination{})
	assert.ErrorIs(t, err, models.ErrValidation)

	assert.Zero(t, router.calls.Load())
}

func TestMatchPropagatesRetryableErrors(t *testing.T) {
	s, router := fixture(t)
	router.err = fmt.Errorf("dial: %w", routing.ErrUnavailable)

	_, err := s.Match(context.Background(), models.Filter{From: pY, To: pZ, TargetTime: departure, Seats: 1}, models.Pagination{})
	require.Error(t, err)
	assert.True(t, routing.IsRetryable(err))
}

func TestMatchCanceledContext(t *testing.T) {
	s, _ := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Match(ctx, models.Filter{From: pY, To: pZ, TargetTime: departure, Seats: 1}, models.Pagination{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMatchReturnTripEta(t *testing.T) {
	s, _ := fixture(t)
	trips := s.Trips.(fakeTrips)
	out := trips["t1"]
	out.ReturnID = "back"
	trips["t1"] = out

	back := departure.Add(9 * time.Hour)
	trips["back"] = models.Trip{
		ID:      "back",
		Driver:  "driver",
		Members: []models.Member{{User: "driver", From: pZ, To: pX, Seats: -3}},
		WayPoints: []models.WayPoint{
			{Point: pZ, Eta: back},
			{Point: pX, Eta: back.Add(30 * time.Minute)},
		},
		State: models.TripNotStarted,
	}

	page, err := s.Match(context.Background(), models.Filter{From: pY, To: pZ, TargetTime: departure, Seats: 1}, models.Pagination{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.NotNil(t, page.Items[0].ReturnEta)
	assert.Equal(t, back, *page.Items[0].ReturnEta)
}

func sample(id string, pickup, deposit float64, delta time.Duration) ranked {
	return ranked{
		TripMatch:       models.TripMatch{Trip: models.Trip{ID: id}},
		pickupDistance:  pickup,
		depositDistance: deposit,
		timeDelta:       delta,
	}
}

func TestComparatorsAntisymmetricAndStable(t *testing.T) {
	items := []ranked{
		sample("a", 100, 200, 10*time.Minute),
		sample("b", 200, 100, 10*time.Minute),
		sample("c", 50, 50, 3*time.Hour),
		sample("d", 100, 300, 10*time.Minute),
		sample("e", 0, 0, 90*time.Minute),
		sample("f", 300, 0, 2*time.Hour+time.Second),
	}
	for _, sortBy := range []models.SortBy{models.SortByDistance, models.SortByTime} {
		less := Comparator(sortBy)
		for _, a := range items {
			for _, b := range items {
				assert.Equal(t, less(a, b), -less(b, a), "%s: %s vs %s", sortBy, a.Trip.ID, b.Trip.ID)
			}
		}

		want := slices.Clone(items)
		slices.SortStableFunc(want, less)
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 10; i++ {
			got := slices.Clone(items)
			rng.Shuffle(len(got), func(i, j int) { got[i], got[j] = got[j], got[i] })
			slices.SortStableFunc(got, less)
			assert.Equal(t, want, got)
		}
	}
}

func TestTimeComparatorBuckets(t *testing.T) {
	less := Comparator(models.SortByTime)
	near := sample("near", 5000, 5000, 30*time.Minute)
	far := sample("far", 0, 0, 2*time.Hour+time.Minute)
	assert.Negative(t, less(near, far), "bucket wins over distance")

	samePickup := sample("x", 100, 900, time.Hour)
	other := sample("y", 100, 400, time.Hour)
	assert.Positive(t, less(samePickup, other), "deposit distance decides when pickup ties")

	byDist := Comparator(models.SortByDistance)
	assert.Positive(t, byDist(near, far))
}

func TestPaginate(t *testing.T) {
	s := &Service{TopN: 2}
	all := []ranked{sample("a", 0, 0, 0), sample("b", 0, 0, 0), sample("c", 0, 0, 0)}

	p := s.paginate(all, models.Pagination{})
	assert.Len(t, p.Items, 2)
	require.NotNil(t, p.Next)
	assert.Equal(t, 2, *p.Next)
	assert.Equal(t, 3, p.Total)

	p = s.paginate(all, models.Pagination{Offset: *p.Next})
	assert.Len(t, p.Items, 1)
	assert.Nil(t, p.Next)

	p = s.paginate(all, models.Pagination{Offset: 10})
	assert.Empty(t, p.Items)
}
