package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "matches_total", Help: "Total number of trip matches returned"},
		[]string{"kind"},
	)
	MatchLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "carpool", Name: "match_latency_seconds", Help: "Match latency seconds"})
	CandidatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "match_candidates_dropped_total", Help: "Candidates rejected during matching"},
		[]string{"reason"},
	)

	PingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "pings_total", Help: "Member pings processed by live trackers"},
		[]string{"kind"},
	)
	ArrivalsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "carpool", Name: "arrivals_total", Help: "Destination arrivals detected"})
	TrackersActive  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "trackers_active", Help: "Number of live trip trackers"})
	GeoSessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "geo_sessions_open", Help: "Number of open route sessions"})

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "trip_transitions_total", Help: "Trip state transitions"},
		[]string{"from", "to"},
	)
	SchedulerPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "carpool", Name: "scheduler_pass_seconds", Help: "Scheduler pass duration", Buckets: prometheus.DefBuckets},
		[]string{"pass"},
	)
	SchedulerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "scheduler_failures_total", Help: "Per-trip failures during scheduler passes"},
		[]string{"pass"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
