package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

const (
	DefaultFinishDelay = 5 * time.Minute
	DefaultTimeout     = 60 * time.Minute
	DefaultParallelism = 8
)

// Lifecycle is the part of the trip service the status passes drive.
type Lifecycle interface {
	List(ctx context.Context, q storage.Query) ([]models.Trip, error)
	CancelTrip(ctx context.Context, t *models.Trip) error
	FinishTrip(ctx context.Context, t *models.Trip) error
}

// StatusUpdater cancels trips that never gathered a crew and finishes trips
// whose live tracking never observed an arrival.
type StatusUpdater struct {
	Trips       Lifecycle
	FinishDelay time.Duration
	Timeout     time.Duration
	Parallelism int
	Logger      *slog.Logger
}

// Report counts what one run did.
type Report struct {
	Canceled int
	Finished int
	Failed   int
}

func (u *StatusUpdater) log() *slog.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return slog.Default()
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Run is the Job entry point.
func (u *StatusUpdater) Run(ctx context.Context, now time.Time) error {
	rep, err := u.RunOnce(ctx, now)
	if err != nil {
		return err
	}
	if rep.Canceled+rep.Finished+rep.Failed > 0 {
		u.log().Info("trip statuses updated", "canceled", rep.Canceled, "finished", rep.Finished, "failed", rep.Failed)
	}
	return nil
}

// RunOnce executes the cancel pass then the finish pass. Only listing errors
// are returned; per-trip failures are logged and counted.
func (u *StatusUpdater) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	c, f, err := u.cancelPass(ctx, now)
	rep.Canceled, rep.Failed = c, f
	if err != nil {
		return rep, err
	}
	c, f, err = u.finishPass(ctx, now)
	rep.Finished, rep.Failed = c, rep.Failed+f
	return rep, err
}

// ShouldCancel reports whether a NotStarted trip is past its window without a
// crew: a single member or nobody to drive.
func ShouldCancel(t models.Trip, now time.Time) bool {
	if t.State != models.TripNotStarted {
		return false
	}
	if len(t.Members) > 1 && t.CanDrive() {
		return false
	}
	return t.LastEta().Before(now)
}

// ShouldFinish reports whether a trip is over although no arrival was seen.
func ShouldFinish(t models.Trip, now time.Time, finishDelay, timeout time.Duration) bool {
	switch t.State {
	case models.TripNotStarted:
		return len(t.Members) > 1 && t.CanDrive() && now.Sub(t.LastEta()) > finishDelay
	case models.TripStarted:
		if now.Sub(t.LastEta()) <= timeout {
			return false
		}
		last := t.LastPingAt()
		return last.IsZero() || now.Sub(last) > timeout
	}
	return false
}

func (u *StatusUpdater) cancelPass(ctx context.Context, now time.Time) (int, int, error) {
	start := time.Now()
	defer func() { observability.SchedulerPassDuration.WithLabelValues("cancel").Observe(time.Since(start).Seconds()) }()

	trips, err := u.Trips.List(ctx, storage.Query{States: []models.TripState{models.TripNotStarted}, DepartureTo: now})
	if err != nil {
		return 0, 0, fmt.Errorf("list trips to cancel: %w", err)
	}
	return u.apply(ctx, "cancel", trips, func(t models.Trip) bool { return ShouldCancel(t, now) }, u.Trips.CancelTrip)
}

func (u *StatusUpdater) finishPass(ctx context.Context, now time.Time) (int, int, error) {
	start := time.Now()
	defer func() { observability.SchedulerPassDuration.WithLabelValues("finish").Observe(time.Since(start).Seconds()) }()

	trips, err := u.Trips.List(ctx, storage.Query{
		States:      []models.TripState{models.TripNotStarted, models.TripStarted},
		DepartureTo: now,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("list trips to finish: %w", err)
	}
	delay, timeout := orDefault(u.FinishDelay, DefaultFinishDelay), orDefault(u.Timeout, DefaultTimeout)
	return u.apply(ctx, "finish", trips, func(t models.Trip) bool { return ShouldFinish(t, now, delay, timeout) }, u.Trips.FinishTrip)
}

// apply runs fn on every selected trip in parallel. A failing trip never
// aborts the others.
func (u *StatusUpdater) apply(ctx context.Context, pass string, trips []models.Trip, selected func(models.Trip) bool, fn func(context.Context, *models.Trip) error) (int, int, error) {
	limit := u.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	var g errgroup.Group
	g.SetLimit(limit)

	var done, failed atomic.Int64
	for _, t := range trips {
		if !selected(t) {
			continue
		}
		g.Go(func() error {
			err := fn(ctx, &t)
			switch {
			case err == nil:
				done.Add(1)
			case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrTripFinished):
				// moved on concurrently
				u.log().Debug("trip already transitioned", "pass", pass, "trip_id", t.ID)
			default:
				failed.Add(1)
				observability.SchedulerFailures.WithLabelValues(pass).Inc()
				u.log().Error("trip status update failed", "pass", pass, "trip_id", t.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(done.Load()), int(failed.Load()), nil
}
