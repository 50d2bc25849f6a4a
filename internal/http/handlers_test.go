package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/tracking"
	"github.com/example/carpool/internal/trips"
)

var (
	departure = time.Now().UTC().Add(time.Hour).Truncate(time.Minute)
	pX        = models.Point{ID: "X", Location: models.Coord{Lat: 45, Lon: 5.00}}
	pY        = models.Point{ID: "Y", Location: models.Coord{Lat: 45, Lon: 5.05}}
	pZ        = models.Point{ID: "Z", Location: models.Coord{Lat: 45, Lon: 5.10}}
)

type fixture struct {
	srv   *httptest.Server
	api   *Server
	store *storage.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newLoggedFixture(t, nil)
}

func newLoggedFixture(t *testing.T, logger *slog.Logger) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	index := geo.NewIndex(1500)
	router := routing.NewStraightRouter(10)
	sessions := geo.NewSessions()
	ws := dispatch.NewWSRegistry(nil)

	svc := &trips.Service{Store: store, Index: index, Router: router, WS: ws}
	registry := tracking.NewRegistry(tracking.RegistryConfig{
		Open: func(_ context.Context, trip models.Trip) (tracking.Session, error) {
			coords := make([]models.Coord, len(trip.WayPoints))
			for i, wp := range trip.WayPoints {
				coords[i] = wp.Point.Location
			}
			return sessions.Open(coords), nil
		},
		Router:  router,
		Options: tracking.Options{OnArrived: svc.HandleArrival},
	})
	svc.Trackers = registry
	t.Cleanup(registry.Close)

	api := NewServer(Deps{
		Matcher: &matcher.Service{Geo: index, Router: router, Trips: store, Stops: store},
		Trips:   svc,
		Stops:   store,
		Router:  router,
		WS:      ws,
		Logger:  logger,
	})
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, api: api, store: store}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&rd).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) createTrip(t *testing.T) models.Trip {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/trips", "driver", models.Trip{
		DepartureTime: departure,
		Members:       []models.Member{{User: "driver", From: pX, To: pZ, Seats: -3}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return readJSON[models.Trip](t, resp)
}

func TestTripCRUD(t *testing.T) {
	f := newFixture(t)
	trip := f.createTrip(t)
	assert.Equal(t, "driver", trip.Owner)
	assert.Equal(t, models.TripNotStarted, trip.State)
	assert.NotEmpty(t, trip.WayPoints)

	resp := f.do(t, http.MethodGet, "/api/v1/trips/"+trip.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, trip.ID, readJSON[models.Trip](t, resp).ID)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = f.do(t, http.MethodGet, "/api/v1/trips?state=not_started&limit=5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := readJSON[struct{ Trips []models.Trip }](t, resp)
	assert.Len(t, list.Trips, 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/trips/nope", "", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/trips?limit=-1", "", nil).StatusCode)
}

func TestSearchFindsExactMatch(t *testing.T) {
	f := newFixture(t)
	trip := f.createTrip(t)

	resp := f.do(t, http.MethodPost, "/api/v1/search", "", searchRequest{
		Filter: models.Filter{From: pX, To: pZ, TargetTime: departure.Add(5 * time.Minute), Seats: 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := readJSON[models.Page[models.TripMatch]](t, resp)
	require.Len(t, page.Items, 1)
	assert.Equal(t, trip.ID, page.Items[0].Trip.ID)
	assert.Equal(t, models.MatchExact, page.Items[0].Match.Kind)
	assert.Equal(t, 2, page.Items[0].FreeSeats)

	resp = f.do(t, http.MethodPost, "/api/v1/search", "", searchRequest{
		Filter: models.Filter{From: pY, To: pY, TargetTime: departure, Seats: 1},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJoinLeaveAndCancel(t *testing.T) {
	f := newFixture(t)
	trip := f.createTrip(t)
	path := "/api/v1/trips/" + trip.ID

	resp := f.do(t, http.MethodPost, path+"/join", "rider", joinRequest{Member: models.Member{From: pY, To: pZ, Seats: 1}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	joined := readJSON[models.Trip](t, resp)
	assert.Len(t, joined.Members, 2)

	resp = f.do(t, http.MethodPost, path+"/join", "crowd", joinRequest{Member: models.Member{From: pY, To: pZ, Seats: 5}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path+"/leave", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path+"/leave", "rider", nil).StatusCode)

	resp = f.do(t, http.MethodPost, path+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.TripCanceled, readJSON[models.Trip](t, resp).State)

	resp = f.do(t, http.MethodPost, path+"/pings", "driver", models.Ping{})
	assert.Equal(t, http.StatusGone, resp.StatusCode, "finished trips are not conflated with unknown ones")
	resp = f.do(t, http.MethodPost, "/api/v1/trips/nope/pings", "driver", models.Ping{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPingStreamsTrackingOverWebsocket(t *testing.T) {
	f := newFixture(t)
	trip := f.createTrip(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/trips/" + trip.ID
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return f.api.WS.Subscribers(trip.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	at := pX.Location
	resp := f.do(t, http.MethodPost, "/api/v1/trips/"+trip.ID+"/pings", "driver", models.Ping{Coordinate: &at})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sample := readJSON[models.TrackingSample](t, resp)
	assert.Equal(t, 0, sample.NextIndex)

	var info models.TrackingInfo
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&info))
	assert.Equal(t, trip.ID, info.TripID)
	require.NotNil(t, info.Car)
	assert.Contains(t, info.Car.Members, "driver")

	resp = f.do(t, http.MethodGet, "/api/v1/trips/"+trip.ID+"/tracking", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/trips/"+trip.ID, "", nil)
	assert.Equal(t, models.TripStarted, readJSON[models.Trip](t, resp).State, "a driver ping starts the trip")

	resp = f.do(t, http.MethodGet, "/api/v1/trips/"+trip.ID+"/members/stranger/arrived", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStopsAndStats(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPut, "/api/v1/stops/station", "", models.Point{Label: "Station", Location: models.Coord{Lat: 45.2, Lon: 5.7}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/stops/station", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Station", readJSON[models.Point](t, resp).Label)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/stops/none", "", nil).StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/users/rider/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, readJSON[models.RiderStats](t, resp).Trips)
}

func TestSegmentsEndpoint(t *testing.T) {
	f := newFixture(t)
	a, b := f.createTrip(t), f.createTrip(t)

	resp := f.do(t, http.MethodPost, "/api/v1/segments", "", map[string]any{"trip_ids": []string{a.ID, b.ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := readJSON[struct {
		Segments []struct{ Trips []string }
	}](t, resp)
	require.Len(t, out.Segments, 1, "both trips share the same road")
	assert.ElementsMatch(t, []string{a.ID, b.ID}, out.Segments[0].Trips)
}

type queue struct {
	trips []string
	err   error
}

func (q *queue) PublishPing(_ context.Context, tripID string, p models.Ping) error {
	if q.err != nil {
		return q.err
	}
	q.trips = append(q.trips, tripID+"/"+p.User)
	return nil
}

func TestEnqueuePing(t *testing.T) {
	f := newFixture(t)
	trip := f.createTrip(t)
	path := "/api/v1/trips/" + trip.ID + "/pings/async"

	resp := f.do(t, http.MethodPost, path, "driver", models.Ping{})
	require.Less(t, resp.StatusCode, 300, "processed inline without a queue")
	resp = f.do(t, http.MethodGet, "/api/v1/trips/"+trip.ID, "", nil)
	assert.Equal(t, models.TripStarted, readJSON[models.Trip](t, resp).State)

	q := &queue{}
	f.api.Pings = q
	resp = f.do(t, http.MethodPost, path, "rider", models.Ping{})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{trip.ID + "/rider"}, q.trips)

	q.err = fmt.Errorf("broker down")
	resp = f.do(t, http.MethodPost, path, "rider", models.Ping{})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, "", models.Ping{}).StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.Invalid("seats", "must not be zero"):           http.StatusBadRequest,
		models.ErrTripNotFound:                                 http.StatusNotFound,
		models.ErrTripFinished:                                 http.StatusGone,
		models.ErrNotMember:                                    http.StatusForbidden,
		models.ErrNoSeats:                                      http.StatusConflict,
		models.ErrConflict:                                    http.StatusConflict,
		fmt.Errorf("route search: %w", routing.ErrUnavailable): http.StatusServiceUnavailable,
		fmt.Errorf("boom"):                                     http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/ready", "", nil).StatusCode)

	f.api.Ready = func(context.Context) error { return fmt.Errorf("redis down") }
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/ready", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", nil).StatusCode)
}
