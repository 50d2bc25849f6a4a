package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
)

const (
	shardCount        = 32
	DefaultIdleExpiry = 30 * time.Minute
)

// OpenFunc opens the route session a new tracker snaps pings onto.
type OpenFunc func(ctx context.Context, trip models.Trip) (Session, error)

type RegistryConfig struct {
	Open       OpenFunc
	Router     Tabler
	Options    Options
	IdleExpiry time.Duration
}

// Registry maps trip ids to live trackers. Trips are spread over shards so
// that pings for different trips rarely contend on the same lock.
type Registry struct {
	cfg    RegistryConfig
	shards [shardCount]shard
}

type shard struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	// retired holds disposed trips so a ping racing the disposal cannot
	// bring their tracker back.
	retired map[string]time.Time
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = DefaultIdleExpiry
	}
	if cfg.Options.Now == nil {
		cfg.Options.Now = time.Now
	}
	if cfg.Options.Logger == nil {
		cfg.Options.Logger = slog.Default()
	}
	r := &Registry{cfg: cfg}
	for i := range r.shards {
		r.shards[i].trackers = make(map[string]*Tracker)
		r.shards[i].retired = make(map[string]time.Time)
	}
	return r
}

func (r *Registry) shardFor(tripID string) *shard {
	return &r.shards[xxhash.Sum64String(tripID)%shardCount]
}

// GetOrCreate returns the tracker of trip, creating it on first use. Terminal
// and disposed trips never get one.
func (r *Registry) GetOrCreate(ctx context.Context, trip models.Trip) (*Tracker, error) {
	if trip.State.Terminal() {
		return nil, models.ErrTripFinished
	}
	s := r.shardFor(trip.ID)
	s.mu.Lock()
	t, ok := s.trackers[trip.ID]
	_, retired := s.retired[trip.ID]
	s.mu.Unlock()
	switch {
	case retired:
		return nil, models.ErrTripFinished
	case ok:
		return t, nil
	}

	session, err := r.cfg.Open(ctx, trip)
	if err != nil {
		return nil, err
	}
	t, err = New(trip, session, r.cfg.Router, r.cfg.Options)
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	s.mu.Lock()
	if _, retired := s.retired[trip.ID]; retired {
		s.mu.Unlock()
		_ = t.Dispose()
		return nil, models.ErrTripFinished
	}
	if existing, ok := s.trackers[trip.ID]; ok {
		s.mu.Unlock()
		_ = t.Dispose()
		return existing, nil
	}
	s.trackers[trip.ID] = t
	s.mu.Unlock()

	observability.TrackersActive.Inc()
	r.cfg.Options.Logger.Debug("tracker created", "trip_id", trip.ID)
	return t, nil
}

func (r *Registry) Get(tripID string) (*Tracker, bool) {
	s := r.shardFor(tripID)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[tripID]
	return t, ok
}

// Dispose removes and releases the tracker of a trip that reached a terminal
// state; the trip gets no new tracker afterwards. It reports whether one existed.
func (r *Registry) Dispose(tripID string) bool {
	s := r.shardFor(tripID)
	s.mu.Lock()
	t, ok := s.trackers[tripID]
	delete(s.trackers, tripID)
	s.retired[tripID] = r.cfg.Options.Now()
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.release(t)
	return true
}

func (r *Registry) release(t *Tracker) {
	observability.TrackersActive.Dec()
	if err := t.Dispose(); err != nil {
		r.cfg.Options.Logger.Warn("tracker dispose failed", "trip_id", t.TripID(), "err", err)
	}
}

// Sweep disposes trackers idle for longer than the expiry and returns their
// trip ids. Retired trips are forgotten after the same delay.
func (r *Registry) Sweep(now time.Time) []string {
	var expired []string
	for i := range r.shards {
		s := &r.shards[i]
		var idle []*Tracker
		s.mu.Lock()
		for id, t := range s.trackers {
			if now.Sub(t.LastActivity()) > r.cfg.IdleExpiry {
				idle = append(idle, t)
				delete(s.trackers, id)
			}
		}
		for id, at := range s.retired {
			if now.Sub(at) > r.cfg.IdleExpiry {
				delete(s.retired, id)
			}
		}
		s.mu.Unlock()
		for _, t := range idle {
			r.release(t)
			expired = append(expired, t.TripID())
		}
	}
	if len(expired) > 0 {
		r.cfg.Options.Logger.Info("idle trackers expired", "count", len(expired))
	}
	return expired
}

// Run sweeps on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.cfg.Options.Now())
		}
	}
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.trackers)
		s.mu.Unlock()
	}
	return n
}

// Close disposes every tracker.
func (r *Registry) Close() {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		all := s.trackers
		s.trackers = make(map[string]*Tracker)
		s.mu.Unlock()
		for _, t := range all {
			r.release(t)
		}
	}
}
