package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// Query filters trip listings. Zero fields match everything.
type Query struct {
	States        []models.TripState
	DepartureFrom time.Time
	DepartureTo   time.Time
	TemplateID    string
	Recurring     bool
	Offset        int
	Limit         int
}

// TripStore defines persistence operations for trips.
type TripStore interface {
	Create(ctx context.Context, t models.Trip) error
	Get(ctx context.Context, id string) (models.Trip, error)
	// Update replaces the mutable fields of t if the stored state still equals
	// t.State (ErrInvalidTransition) and the stored version still equals
	// t.Version (ErrConflict). The stored version is then t.Version+1.
	Update(ctx context.Context, t models.Trip) error
	// UpdateState moves a trip from one state to another atomically and bumps its version.
	UpdateState(ctx context.Context, id string, from, to models.TripState, at time.Time) error
	List(ctx context.Context, q Query) ([]models.Trip, error)
	AppendPing(ctx context.Context, id string, p models.Ping) error
	IncrementStats(ctx context.Context, users []string) error
	Stats(ctx context.Context, user string) (models.RiderStats, error)
	PutStop(ctx context.Context, p models.Point) error
	ResolveStop(ctx context.Context, id string) (models.Point, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]models.Trip
	stats map[string]int
	stops map[string]models.Point
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips: make(map[string]models.Trip),
		stats: make(map[string]int),
		stops: make(map[string]models.Point),
	}
}

func clone(t models.Trip) models.Trip {
	t.Members = slices.Clone(t.Members)
	t.WayPoints = slices.Clone(t.WayPoints)
	t.Pings = slices.Clone(t.Pings)
	if t.Recurrence != nil {
		r := *t.Recurrence
		t.Recurrence = &r
	}
	return t
}

func (m *MemoryStore) Create(_ context.Context, t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return models.Invalid("id", "trip already exists")
	}
	m.trips[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, models.ErrTripNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) Update(_ context.Context, t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return models.ErrTripNotFound
	}
	if cur.State != t.State {
		return models.ErrInvalidTransition
	}
	if cur.Version != t.Version {
		return models.ErrConflict
	}
	t.Version++
	t.Pings = cur.Pings
	t.CreatedAt = cur.CreatedAt
	m.trips[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) UpdateState(_ context.Context, id string, from, to models.TripState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.ErrTripNotFound
	}
	if t.State != from {
		return models.ErrInvalidTransition
	}
	t.State = to
	t.UpdatedAt = at
	t.Version++
	m.trips[id] = t
	return nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]models.Trip, error) {
	m.mu.RLock()
	var out []models.Trip
	for _, t := range m.trips {
		if matches(t, q) {
			out = append(out, clone(t))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DepartureTime.Equal(out[j].DepartureTime) {
			return out[i].DepartureTime.Before(out[j].DepartureTime)
		}
		return out[i].ID < out[j].ID
	})
	if q.Offset > 0 {
		out = out[min(q.Offset, len(out)):]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(t models.Trip, q Query) bool {
	if len(q.States) > 0 && !slices.Contains(q.States, t.State) {
		return false
	}
	if !q.DepartureFrom.IsZero() && t.DepartureTime.Before(q.DepartureFrom) {
		return false
	}
	if !q.DepartureTo.IsZero() && t.DepartureTime.After(q.DepartureTo) {
		return false
	}
	if q.TemplateID != "" && t.TemplateID != q.TemplateID {
		return false
	}
	if q.Recurring && t.Recurrence == nil {
		return false
	}
	return true
}

func (m *MemoryStore) AppendPing(_ context.Context, id string, p models.Ping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.ErrTripNotFound
	}
	t.Pings = append(slices.Clone(t.Pings), p)
	m.trips[id] = t
	return nil
}

func (m *MemoryStore) IncrementStats(_ context.Context, users []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		m.stats[u]++
	}
	return nil
}

func (m *MemoryStore) Stats(_ context.Context, user string) (models.RiderStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.RiderStats{User: user, Trips: m.stats[user]}, nil
}

func (m *MemoryStore) PutStop(_ context.Context, p models.Point) error {
	if p.ID == "" {
		return models.Invalid("id", "stop id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops[p.ID] = p
	return nil
}

func (m *MemoryStore) ResolveStop(_ context.Context, id string) (models.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.stops[id]
	if !ok {
		return models.Point{}, models.ErrStopNotFound
	}
	return p, nil
}
