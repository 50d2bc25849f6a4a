package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ping messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	pingsRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pings_relayed_total",
		Help: "Total pings accepted by the trip API",
	})
	pingsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_pings_dropped_total",
		Help: "Pings dropped without retry",
	}, []string{"reason"})
	relayErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_relay_errors_total",
		Help: "Pings lost after exhausting retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, pingsRelayed, pingsDropped, relayErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	relay := newAPIRelay(cfg.APIBaseURL)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.PingTopic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.PingTopic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		// reset backoff on success
		backoff = time.Second
		msgsConsumed.Inc()

		msg, err := ingest.Decode(m)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "err", err)
			continue
		}
		handle(ctx, logger, relay, msg, cfg.Attempts, cfg.RetryDelay)
	}
}

func handle(ctx context.Context, logger *slog.Logger, relay Relay, msg ingest.PingMessage, attempts int, delay time.Duration) {
	err := relayWithRetry(ctx, relay, msg, attempts, delay)
	switch {
	case err == nil:
		pingsRelayed.Inc()
	case errors.Is(err, models.ErrTripFinished):
		// late pings after arrival are expected
		pingsDropped.WithLabelValues("finished").Inc()
	case errors.Is(err, models.ErrTripNotFound):
		pingsDropped.WithLabelValues("unknown_trip").Inc()
		logger.Warn("ping for unknown trip", "trip_id", msg.TripID, "user_id", msg.User)
	case errors.Is(err, errRejected):
		pingsDropped.WithLabelValues("rejected").Inc()
		logger.Warn("ping rejected", "trip_id", msg.TripID, "user_id", msg.User, "err", err)
	default:
		relayErrors.Inc()
		logger.Error("ping relay failed", "trip_id", msg.TripID, "user_id", msg.User, "err", err)
	}
}

// Relay delivers one ping to the trip service.
type Relay interface {
	Send(ctx context.Context, tripID string, p models.Ping) error
}

// errRejected marks a ping the API refused for good.
var errRejected = errors.New("ping rejected")

type apiRelay struct {
	base   string
	client *http.Client
}

func newAPIRelay(base string) *apiRelay {
	return &apiRelay{base: strings.TrimRight(base, "/"), client: &http.Client{Timeout: 3 * time.Second}}
}

func (a *apiRelay) Send(ctx context.Context, tripID string, p models.Ping) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", errRejected, err)
	}
	endpoint := a.base + "/api/v1/trips/" + url.PathEscape(tripID) + "/pings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrTripNotFound
	case resp.StatusCode == http.StatusGone:
		return models.ErrTripFinished
	case resp.StatusCode >= 500:
		return fmt.Errorf("trip api status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	default:
		return fmt.Errorf("%w: status %d: %s", errRejected, resp.StatusCode, bytes.TrimSpace(body))
	}
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrTripNotFound) || errors.Is(err, models.ErrTripFinished) || errors.Is(err, errRejected)
}

// relayWithRetry sends msg, retrying transient failures with exponential backoff.
func relayWithRetry(ctx context.Context, r Relay, msg ingest.PingMessage, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = r.Send(ctx, msg.TripID, msg.Ping)
		if err == nil || permanent(err) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
