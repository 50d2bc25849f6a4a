// Package scheduler runs the periodic trip maintenance passes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a periodic task. Run receives the tick time.
type Job struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context, now time.Time) error
}

// Runner drives a set of jobs, each on its own ticker. A job never overlaps
// with itself: a tick that fires while a pass is running is skipped.
type Runner struct {
	Jobs   []Job
	Now    func() time.Time
	Logger *slog.Logger
	// Grace bounds how long an in-flight pass may keep running after shutdown.
	Grace time.Duration
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run blocks until ctx is done and every in-flight pass has returned.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range r.Jobs {
		if j.Interval <= 0 || j.Run == nil {
			r.log().Warn("scheduler job ignored", "job", j.Name, "interval", j.Interval)
			continue
		}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			r.loop(ctx, j)
		}(j)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	if j.RunAtStart {
		r.pass(ctx, j)
	}
	for {
		select {
		case <-ticker.C:
			r.pass(ctx, j)
		case <-ctx.Done():
			r.log().Info("scheduler job stopped", "job", j.Name)
			return
		}
	}
}

// pass runs one iteration of j. Shutdown does not cancel it; only the grace
// period does.
func (r *Runner) pass(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	grace := r.Grace
	if grace <= 0 {
		grace = j.Interval
	}
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		t := time.AfterFunc(grace, cancel)
		context.AfterFunc(pctx, func() { t.Stop() })
	})
	defer stop()

	start := time.Now()
	if err := j.Run(pctx, r.now()); err != nil {
		r.log().Error("scheduler pass failed", "job", j.Name, "err", err)
		return
	}
	r.log().Debug("scheduler pass done", "job", j.Name, "took", time.Since(start))
}
