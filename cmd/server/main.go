package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/dispatch"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/geo"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/ingest"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/matcher"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/routing"
	"github.com/example/carpool/internal/scheduler"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/tracking"
	"github.com/example/carpool/internal/trips"
)

type tripIndex interface {
	matcher.GeoIndex
	trips.Index
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	var router routing.Router
	if cfg.OSRMURL != "" {
		o := routing.NewOSRMClient(cfg.OSRMURL)
		o.Cache = routing.NewCache(cfg.RouteCacheTTL)
		router = o
		logger.Info("routing via osrm", "url", cfg.OSRMURL)
	} else {
		router = routing.NewStraightRouter(cfg.DefaultSpeedMps)
		logger.Info("routing via straight-line estimates", "speed_mps", cfg.DefaultSpeedMps)
	}

	var index tripIndex
	if cfg.RedisAddr != "" {
		ri := geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer ri.Close()
		checks = append(checks, ri.Ping)
		index = ri
	} else {
		index = geo.NewIndex(cfg.SearchRadiusM)
	}

	var store storage.TripStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ps.DB()); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		checks = append(checks, ps.Ping)
		store = ps
	} else {
		logger.Warn("PG_DSN not set, trips are kept in memory")
		store = storage.NewMemoryStore()
	}

	ws := dispatch.NewWSRegistry(logging.ForComponent(logger, "ws"))

	// lifecycle events reach trip watchers over websocket, the webhook only
	// when nobody is watching
	var fallback dispatch.Notifier
	if cfg.EventsWebhookURL != "" {
		fallback = events.NewWebhookPublisher(cfg.EventsWebhookURL, cfg.EventsWebhookKey)
	}
	pubs := events.Multi{dispatch.NewPushDispatcher(ws, fallback)}
	var pings httpapi.PingQueue
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		pubs = append(pubs, kp)

		pp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPingTopic)
		defer pp.Close()
		pings = pp
		logger.Info("async ping ingest enabled", "topic", cfg.KafkaPingTopic)
	}
	var publisher events.Publisher = pubs
	svc := &trips.Service{
		Store:  store,
		Index:  index,
		Router: router,
		Events: publisher,
		WS:     ws,
		Logger: logging.ForComponent(logger, "trips"),
	}

	sessions := geo.NewSessions()
	registry := tracking.NewRegistry(tracking.RegistryConfig{
		Open:   openSession(router, sessions, logger),
		Router: router,
		Options: tracking.Options{
			NearRadius: cfg.TrackerNearRadiusM,
			OnArrived:  svc.HandleArrival,
			Logger:     logging.ForComponent(logger, "tracking"),
		},
		IdleExpiry: cfg.TrackerIdleExpiry,
	})
	defer registry.Close()
	svc.Trackers = registry

	m := &matcher.Service{
		Geo:    index,
		Router: router,
		Trips:  store,
		Stops:  store,
		Radius: cfg.SearchRadiusM,
		TopN:   cfg.MatcherTopN,
		Fanout: cfg.MatcherFanout,
		Logger: logging.ForComponent(logger, "matcher"),
	}

	api := httpapi.NewServer(httpapi.Deps{
		Matcher: m,
		Trips:   svc,
		Stops:   store,
		Router:  router,
		WS:      ws,
		Pings:   pings,
		Ready:   readiness(checks),
		Logger:  logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	schedLog := logging.ForComponent(logger, "scheduler")
	runner := &scheduler.Runner{
		Logger: schedLog,
		Jobs: []scheduler.Job{
			{
				Name:     "trip-status",
				Interval: cfg.SchedulerInterval,
				Run: (&scheduler.StatusUpdater{
					Trips:       svc,
					FinishDelay: cfg.SchedulerFinishDelay,
					Timeout:     cfg.SchedulerTimeout,
					Parallelism: cfg.SchedulerParallelism,
					Logger:      schedLog,
				}).Run,
			},
			{
				Name:       "recurring-trips",
				Interval:   24 * time.Hour,
				RunAtStart: true,
				Run:        (&scheduler.RecurrenceMaterializer{Trips: svc, Logger: schedLog}).Run,
			},
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("carpool listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		registry.Run(gctx, time.Minute)
		return nil
	})
	err := g.Wait()
	logger.Info("shutdown complete", "trackers_left", registry.Len(), "sessions_open", sessions.OpenCount())
	return err
}

// openSession snaps pings onto the road geometry of the planned waypoints,
// or onto the straight waypoint line when no geometry is available.
func openSession(router routing.Router, sessions *geo.Sessions, logger *slog.Logger) tracking.OpenFunc {
	return func(ctx context.Context, trip models.Trip) (tracking.Session, error) {
		coords := make([]models.Coord, len(trip.WayPoints))
		for i, wp := range trip.WayPoints {
			coords[i] = wp.Point.Location
		}
		line := coords
		if len(coords) > 1 {
			r, err := router.GetRoute(ctx, coords)
			switch {
			case err == nil && len(r.Coordinates) > 1:
				line = r.Coordinates
			case err != nil:
				logger.Warn("tracker geometry unavailable, using waypoint line", "trip_id", trip.ID, "err", err)
			}
		}
		return sessions.Open(line), nil
	}
}

func readiness(checks []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var errs []error
		for _, c := range checks {
			errs = append(errs, c(ctx))
		}
		return errors.Join(errs...)
	}
}
