package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// Creator lists and creates trips.
type Creator interface {
	List(ctx context.Context, q storage.Query) ([]models.Trip, error)
	Create(ctx context.Context, t models.Trip) (models.Trip, error)
}

// RecurrenceMaterializer creates tomorrow's instance of every recurring trip
// template. Running it twice on the same day creates nothing new.
type RecurrenceMaterializer struct {
	Trips  Creator
	Logger *slog.Logger
}

func (m *RecurrenceMaterializer) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *RecurrenceMaterializer) Run(ctx context.Context, now time.Time) error {
	_, err := m.RunOnce(ctx, now)
	return err
}

// RunOnce returns the trips it created.
func (m *RecurrenceMaterializer) RunOnce(ctx context.Context, now time.Time) ([]models.Trip, error) {
	start := time.Now()
	defer func() { observability.SchedulerPassDuration.WithLabelValues("recurrence").Observe(time.Since(start).Seconds()) }()

	templates, err := m.Trips.List(ctx, storage.Query{Recurring: true})
	if err != nil {
		return nil, fmt.Errorf("list recurring trips: %w", err)
	}
	var created []models.Trip
	for _, tpl := range templates {
		departure, ok := NextOccurrence(tpl, now)
		if !ok {
			continue
		}
		existing, err := m.Trips.List(ctx, storage.Query{TemplateID: tpl.ID, DepartureFrom: departure, DepartureTo: departure, Limit: 1})
		if err != nil {
			m.log().Error("list recurring instances failed", "trip_id", tpl.ID, "err", err)
			continue
		}
		if len(existing) > 0 {
			continue
		}
		t, err := m.Trips.Create(ctx, Instance(tpl, departure))
		if err != nil {
			observability.SchedulerFailures.WithLabelValues("recurrence").Inc()
			m.log().Error("materialize recurring trip failed", "trip_id", tpl.ID, "departure", departure, "err", err)
			continue
		}
		m.log().Info("recurring trip materialized", "trip_id", t.ID, "template_id", tpl.ID, "departure", departure)
		created = append(created, t)
	}
	return created, nil
}

// NextOccurrence is the template's departure moved to the day after now, if
// that weekday is enabled.
func NextOccurrence(tpl models.Trip, now time.Time) (time.Time, bool) {
	if tpl.Recurrence == nil {
		return time.Time{}, false
	}
	loc := tpl.DepartureTime.Location()
	day := now.In(loc).AddDate(0, 0, 1)
	if !tpl.Recurrence.Days[day.Weekday()] {
		return time.Time{}, false
	}
	d := tpl.DepartureTime
	departure := time.Date(day.Year(), day.Month(), day.Day(), d.Hour(), d.Minute(), d.Second(), 0, loc)
	return departure, departure.After(tpl.DepartureTime)
}

// Instance copies a template to a new departure, shifting every ETA.
func Instance(tpl models.Trip, departure time.Time) models.Trip {
	shift := departure.Sub(tpl.DepartureTime)
	t := models.Trip{
		Owner:         tpl.Owner,
		DepartureTime: departure,
		TemplateID:    tpl.ID,
		Members:       make([]models.Member, len(tpl.Members)),
		WayPoints:     make([]models.WayPoint, len(tpl.WayPoints)),
	}
	for i, mb := range tpl.Members {
		mb.Completed = false
		mb.JoinedAt = time.Time{}
		t.Members[i] = mb
	}
	for i, wp := range tpl.WayPoints {
		wp.Eta = wp.Eta.Add(shift)
		t.WayPoints[i] = wp
	}
	return t
}
