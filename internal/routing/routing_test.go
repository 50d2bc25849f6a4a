package routing

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/models"
)

func pt(id string, lon float64) models.Point {
	return models.Point{ID: id, Location: models.Coord{Lat: 45, Lon: lon}}
}

var target = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestGetTripOrdersPickupsBeforeDropoffs(t *testing.T) {
	r := NewStraightRouter(10)
	wps, err := r.GetTrip(context.Background(), TripQuery{
		Target: target,
		Driver: Segment{From: pt("A", 5.0), To: pt("E", 5.4)},
		Passengers: []Segment{
			{From: pt("C", 5.2), To: pt("D", 5.3)},
			{From: pt("B", 5.1), To: pt("D", 5.3)},
		},
	})
	require.NoError(t, err)

	ids := make([]string, len(wps))
	for i, wp := range wps {
		ids[i] = wp.Point.ID
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, ids)
	assert.Equal(t, target, wps[0].Eta)
	for i := 1; i < len(wps); i++ {
		assert.False(t, wps[i].Eta.Before(wps[i-1].Eta), "eta must not decrease at %d", i)
		assert.GreaterOrEqual(t, wps[i].Distance, wps[i-1].Distance)
	}
}

func TestGetTripArriveBy(t *testing.T) {
	r := NewStraightRouter(10)
	wps, err := r.GetTrip(context.Background(), TripQuery{
		Target:   target,
		ArriveBy: true,
		Driver:   Segment{From: pt("A", 5.0), To: pt("B", 5.1)},
	})
	require.NoError(t, err)
	require.Len(t, wps, 2)
	assert.Equal(t, target, wps[1].Eta)
	assert.True(t, wps[0].Eta.Before(target))
}

func TestGetTripInfeasible(t *testing.T) {
	r := NewStraightRouter(10)
	ctx := context.Background()

	_, err := r.GetTrip(ctx, TripQuery{
		Target:     target,
		Driver:     Segment{From: pt("A", 5.0), To: pt("E", 5.4)},
		Passengers: []Segment{{From: pt("D", 5.3), To: pt("B", 5.1)}},
	})
	assert.ErrorIs(t, err, ErrInfeasible, "opposite direction")

	_, err = r.GetTrip(ctx, TripQuery{
		Target:     target,
		Driver:     Segment{From: pt("A", 5.0), To: pt("E", 5.4)},
		Passengers: []Segment{{From: pt("E", 5.4), To: pt("F", 5.5)}},
	})
	assert.ErrorIs(t, err, ErrInfeasible, "pickup at driver destination")
	assert.False(t, IsRetryable(err))
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	pts := []models.Coord{{Lat: 1, Lon: 2}, {Lat: 3, Lon: 4}}
	c.Set(pts, Route{Distance: 10})
	v, ok := c.Get(pts)
	require.True(t, ok)
	assert.Equal(t, 10.0, v.Distance)
	time.Sleep(5 * time.Millisecond)
	_, ok = c.Get(pts)
	assert.False(t, ok)
}

func TestOSRMRouteAndTable(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case strings.HasPrefix(r.URL.Path, "/route/v1/driving/5.000000,45.000000;5.100000,45.000000"):
			_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":8000,"duration":600,"geometry":{"coordinates":[[5.0,45.0],[5.05,45.001],[5.1,45.0]]}}]}`))
		case strings.HasPrefix(r.URL.Path, "/table/v1/driving/"):
			_, _ = w.Write([]byte(`{"code":"Ok","durations":[[0,600],[null,0]],"distances":[[0,8000],[null,0]]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"NoRoute"}`))
		}
	}))
	defer srv.Close()

	o := NewOSRMClient(srv.URL + "/")
	o.Cache = NewCache(time.Minute)
	ctx := context.Background()
	pts := []models.Coord{{Lat: 45, Lon: 5.0}, {Lat: 45, Lon: 5.1}}

	r, err := o.GetRoute(ctx, pts)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, r.Duration)
	require.Len(t, r.Coordinates, 3)
	assert.Equal(t, models.Coord{Lat: 45.001, Lon: 5.05}, r.Coordinates[1])

	_, err = o.GetRoute(ctx, pts)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second lookup served from cache")

	tbl, err := o.Table(ctx, pts)
	require.NoError(t, err)
	assert.Equal(t, 600.0, tbl.Durations[0][1])
	assert.True(t, math.IsInf(tbl.Durations[1][0], 1))

	_, err = o.GetRoute(ctx, []models.Coord{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestOSRMUnavailableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).Table(context.Background(), []models.Coord{{}, {Lat: 1}})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.False(t, errors.Is(err, ErrInfeasible))
}
