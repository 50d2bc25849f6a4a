package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/observability"
)

type ctxKey struct{}

// requestScope travels in the request context once the request is tagged.
type requestScope struct {
	logger *slog.Logger
}

// quietRoutes are polled by health checks and scrapers; their access lines go to debug.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/ready":   true,
	"/metrics": true,
}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.tagRequest)
	s.mux.Use(s.recoverPanics)
	s.mux.Use(s.accessLog)
}

// tagRequest assigns the request id and a logger carrying the request,
// trip and user ids to every request.
func (s *Server) tagRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newID()
		}
		w.Header().Set("X-Request-ID", id)
		scope := &requestScope{logger: s.logger.With(requestAttrs(r, id)...)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, scope)))
	})
}

// requestAttrs lists the ids a log line about r should carry.
func requestAttrs(r *http.Request, id string) []any {
	attrs := []any{"request_id", id}
	if trip := mux.Vars(r)["id"]; trip != "" {
		attrs = append(attrs, "trip_id", trip)
	}
	if user := r.Header.Get(UserHeader); user != "" {
		attrs = append(attrs, "user_id", user)
	}
	return attrs
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log(r).Error("panic recovered", "panic", rec, "route", routeTemplate(r))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog records one metric sample and one log line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		code := strconv.Itoa(rec.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelWarn
		case quietRoutes[route]:
			level = slog.LevelDebug
		}
		s.log(r).Log(r.Context(), level, "http_request",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"bytes", rec.written,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", clientIP(r),
		)
	})
}

// log returns the request-scoped logger, or the server logger outside a request.
func (s *Server) log(r *http.Request) *slog.Logger {
	if scope, ok := r.Context().Value(ctxKey{}).(*requestScope); ok {
		return scope.logger
	}
	return s.logger
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// routeTemplate keeps metric labels bounded: /trips/{id} rather than every id.
func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// clientIP prefers the first hop recorded by the gateway.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
