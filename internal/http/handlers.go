package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/segments"
	"github.com/example/carpool/internal/storage"
)

// UserHeader carries the authenticated user id set by the gateway in front of
// the API.
const UserHeader = "X-User-ID"

type Matcher interface {
	Match(ctx context.Context, f models.Filter, page models.Pagination) (models.Page[models.TripMatch], error)
}

// Trips is the trip lifecycle surface exposed over HTTP.
type Trips interface {
	Get(ctx context.Context, id string) (models.Trip, error)
	List(ctx context.Context, q storage.Query) ([]models.Trip, error)
	Create(ctx context.Context, t models.Trip) (models.Trip, error)
	Join(ctx context.Context, tripID string, m models.Member, match *models.Match) (models.Trip, error)
	Leave(ctx context.Context, tripID, user string) (models.Trip, error)
	Start(ctx context.Context, tripID, user string) (models.Trip, error)
	Cancel(ctx context.Context, tripID string) (models.Trip, error)
	Ping(ctx context.Context, tripID string, p models.Ping) (*models.TrackingSample, error)
	Tracking(ctx context.Context, tripID string) (models.TrackingInfo, error)
	MemberArrived(ctx context.Context, tripID, user string) (bool, error)
	SetGeolocationLevel(ctx context.Context, tripID, user string, level models.GeolocationLevel) (models.Trip, error)
	ConfirmCompletion(ctx context.Context, tripID, user string) (models.Trip, error)
}

type Stops interface {
	PutStop(ctx context.Context, p models.Point) error
	ResolveStop(ctx context.Context, id string) (models.Point, error)
	Stats(ctx context.Context, user string) (models.RiderStats, error)
}

// PingQueue hands pings to the asynchronous ingestion pipeline.
type PingQueue interface {
	PublishPing(ctx context.Context, tripID string, p models.Ping) error
}

// Deps are the collaborators the API serves. Pings, Ready are optional.
type Deps struct {
	Matcher Matcher
	Trips   Trips
	Stops   Stops
	Router  segments.RouteGetter
	WS      *dispatch.WSRegistry
	Pings   PingQueue
	Ready   func(ctx context.Context) error
	Logger  *slog.Logger
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.WS == nil {
		d.WS = dispatch.NewWSRegistry(logger)
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/segments", s.handleSegments).Methods(http.MethodPost)

	api.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips", s.handleListTrips).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/join", s.handleJoin).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/leave", s.handleLeave).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/pings", s.handlePing).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/pings/async", s.handleEnqueuePing).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/tracking", s.handleTracking).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/members/{user}/arrived", s.handleArrived).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/members/{user}/geolocation", s.handleGeolocation).Methods(http.MethodPut)
	api.HandleFunc("/trips/{id}/members/{user}/confirm", s.handleConfirm).Methods(http.MethodPost)

	api.HandleFunc("/stops/{id}", s.handlePutStop).Methods(http.MethodPut)
	api.HandleFunc("/stops/{id}", s.handleGetStop).Methods(http.MethodGet)
	api.HandleFunc("/users/{user}/stats", s.handleStats).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/trips/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type searchRequest struct {
	Filter     models.Filter     `json:"filter"`
	Pagination models.Pagination `json:"pagination"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}
	page, err := s.Matcher.Match(r.Context(), req.Filter, req.Pagination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripIDs []string `json:"trip_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.TripIDs) == 0 {
		s.writeError(w, r, models.Invalid("trip_ids", "at least one trip is required"))
		return
	}
	trips := make([]models.Trip, 0, len(req.TripIDs))
	for _, id := range req.TripIDs {
		t, err := s.Trips.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		trips = append(trips, t)
	}
	segs, err := segments.ForTrips(r.Context(), s.Router, trips)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segments": segs})
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var t models.Trip
	if !decode(w, r, &t) {
		return
	}
	if user := r.Header.Get(UserHeader); user != "" {
		t.Owner = user
	}
	created, err := s.Trips.Create(r.Context(), t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trips, err := s.Trips.List(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if trips == nil {
		trips = []models.Trip{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trips": trips})
}

func listQuery(r *http.Request) (storage.Query, error) {
	v := r.URL.Query()
	q := storage.Query{TemplateID: v.Get("template_id"), Recurring: v.Get("recurring") == "true"}
	for _, st := range v["state"] {
		q.States = append(q.States, models.TripState(st))
	}
	for key, dst := range map[string]*time.Time{"from": &q.DepartureFrom, "to": &q.DepartureTo} {
		if raw := v.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return q, models.Invalid(key, "must be an RFC 3339 timestamp")
			}
			*dst = t
		}
	}
	for key, dst := range map[string]*int{"offset": &q.Offset, "limit": &q.Limit} {
		if raw := v.Get(key); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return q, models.Invalid(key, "must be a non-negative integer")
			}
			*dst = n
		}
	}
	return q, nil
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Trips.Get(r.Context(), mux.Vars(r)["id"])
	s.respondTrip(w, r, t, err)
}

type joinRequest struct {
	Member models.Member `json:"member"`
	Match  *models.Match `json:"match,omitempty"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	if user := r.Header.Get(UserHeader); user != "" {
		req.Member.User = user
	}
	t, err := s.Trips.Join(r.Context(), mux.Vars(r)["id"], req.Member, req.Match)
	s.respondTrip(w, r, t, err)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	t, err := s.Trips.Leave(r.Context(), mux.Vars(r)["id"], user)
	s.respondTrip(w, r, t, err)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	user, ok := s.user(w, r)
	if !ok {
		return
	}
	t, err := s.Trips.Start(r.Context(), mux.Vars(r)["id"], user)
	s.respondTrip(w, r, t, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.Trips.Cancel(r.Context(), mux.Vars(r)["id"])
	s.respondTrip(w, r, t, err)
}

func (s *Server) decodePing(w http.ResponseWriter, r *http.Request) (models.Ping, bool) {
	var p models.Ping
	if !decode(w, r, &p) {
		return p, false
	}
	if user := r.Header.Get(UserHeader); user != "" {
		p.User = user
	}
	if p.User == "" {
		s.writeError(w, r, models.Invalid("user", "is required"))
		return p, false
	}
	return p, true
}

// handleEnqueuePing queues the ping on Kafka; the consumer feeds it back
// through handlePing. Without a queue the ping is processed inline.
func (s *Server) handleEnqueuePing(w http.ResponseWriter, r *http.Request) {
	if s.Pings == nil {
		s.handlePing(w, r)
		return
	}
	p, ok := s.decodePing(w, r)
	if !ok {
		return
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	if err := s.Pings.PublishPing(r.Context(), mux.Vars(r)["id"], p); err != nil {
		s.log(r).Error("queue ping failed", "err", err)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ping queue unavailable"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodePing(w, r)
	if !ok {
		return
	}
	sample, err := s.Trips.Ping(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sample == nil {
		// recorded, not tracked yet
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	info, err := s.Trips.Tracking(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	arrived, err := s.Trips.MemberArrived(r.Context(), vars["id"], vars["user"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"arrived": arrived})
}

func (s *Server) handleGeolocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level models.GeolocationLevel `json:"level"`
	}
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	t, err := s.Trips.SetGeolocationLevel(r.Context(), vars["id"], vars["user"], req.Level)
	s.respondTrip(w, r, t, err)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := s.Trips.ConfirmCompletion(r.Context(), vars["id"], vars["user"])
	s.respondTrip(w, r, t, err)
}

func (s *Server) handlePutStop(w http.ResponseWriter, r *http.Request) {
	var p models.Point
	if !decode(w, r, &p) {
		return
	}
	p.ID = mux.Vars(r)["id"]
	if p.Location.IsZero() {
		s.writeError(w, r, models.Invalid("location", "is required"))
		return
	}
	if err := s.Stops.PutStop(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetStop(w http.ResponseWriter, r *http.Request) {
	p, err := s.Stops.ResolveStop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Stops.Stats(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS streams tracking snapshots of one trip until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Trips.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "trip_id", id, "err", err)
		return
	}
	unsubscribe := s.WS.Add(id, conn)
	go func() {
		defer func() {
			unsubscribe()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		s.writeError(w, r, models.Invalid("user", UserHeader+" header is required"))
		return "", false
	}
	return user, true
}

func (s *Server) respondTrip(w http.ResponseWriter, r *http.Request, t models.Trip, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// StatusFor maps a service error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTripNotFound), errors.Is(err, models.ErrStopNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, models.ErrTripFinished):
		return http.StatusGone
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNoSeats),
		errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case routing.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log(r).Error("request failed", "route", routeTemplate(r), "err", err)
		msg = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
