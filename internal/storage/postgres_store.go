package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripColumns = `id, owner_id, driver_id, state, departure_time, return_id, template_id, recurrence, members, waypoints, pings, created_at, updated_at, version`

type encodedTrip struct {
	recurrence any // nil stores NULL
	members    []byte
	waypoints  []byte
}

func encode(t models.Trip) (encodedTrip, error) {
	var e encodedTrip
	var err error
	if t.Recurrence != nil {
		b, err := json.Marshal(t.Recurrence)
		if err != nil {
			return e, fmt.Errorf("encode recurrence: %w", err)
		}
		e.recurrence = b
	}
	members := t.Members
	if members == nil {
		members = []models.Member{}
	}
	if e.members, err = json.Marshal(members); err != nil {
		return e, fmt.Errorf("encode members: %w", err)
	}
	wps := t.WayPoints
	if wps == nil {
		wps = []models.WayPoint{}
	}
	if e.waypoints, err = json.Marshal(wps); err != nil {
		return e, fmt.Errorf("encode waypoints: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) Create(ctx context.Context, t models.Trip) error {
	e, err := encode(t)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'[]',$11,$12,$13)`,
		t.ID, t.Owner, t.Driver, t.State, t.DepartureTime, t.ReturnID, t.TemplateID, e.recurrence, e.members, e.waypoints, t.CreatedAt, t.UpdatedAt, t.Version)
	if err != nil {
		return fmt.Errorf("insert trip %s: %w", t.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(s scanner) (models.Trip, error) {
	var t models.Trip
	var recurrence, members, waypoints, pings []byte
	if err := s.Scan(&t.ID, &t.Owner, &t.Driver, &t.State, &t.DepartureTime, &t.ReturnID, &t.TemplateID,
		&recurrence, &members, &waypoints, &pings, &t.CreatedAt, &t.UpdatedAt, &t.Version); err != nil {
		return t, err
	}
	if len(recurrence) > 0 && string(recurrence) != "null" {
		t.Recurrence = &models.Recurrence{}
		if err := json.Unmarshal(recurrence, t.Recurrence); err != nil {
			return t, fmt.Errorf("decode recurrence: %w", err)
		}
	}
	if err := json.Unmarshal(members, &t.Members); err != nil {
		return t, fmt.Errorf("decode members: %w", err)
	}
	if err := json.Unmarshal(waypoints, &t.WayPoints); err != nil {
		return t, fmt.Errorf("decode waypoints: %w", err)
	}
	if err := json.Unmarshal(pings, &t.Pings); err != nil {
		return t, fmt.Errorf("decode pings: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, models.ErrTripNotFound
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("get trip %s: %w", id, err)
	}
	return t, nil
}

func (p *PostgresStore) Update(ctx context.Context, t models.Trip) error {
	e, err := encode(t)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET owner_id=$2, driver_id=$3, departure_time=$4, return_id=$5, template_id=$6, recurrence=$7, members=$8, waypoints=$9, updated_at=$10, version=version+1 WHERE id=$1 AND state=$11 AND version=$12`,
		t.ID, t.Owner, t.Driver, t.DepartureTime, t.ReturnID, t.TemplateID, e.recurrence, e.members, e.waypoints, t.UpdatedAt, t.State, t.Version)
	if err != nil {
		return fmt.Errorf("update trip %s: %w", t.ID, err)
	}
	return p.checkAffected(ctx, res, t.ID, func(state models.TripState) error {
		if state != t.State {
			return models.ErrInvalidTransition
		}
		return models.ErrConflict
	})
}

func (p *PostgresStore) UpdateState(ctx context.Context, id string, from, to models.TripState, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET state=$3, updated_at=$4, version=version+1 WHERE id=$1 AND state=$2`, id, from, to, at)
	if err != nil {
		return fmt.Errorf("update state of trip %s: %w", id, err)
	}
	return p.checkAffected(ctx, res, id, func(models.TripState) error { return models.ErrInvalidTransition })
}

// checkAffected tells a missing trip apart from a lost compare-and-set; lost
// picks the error from the state the trip is in now.
func (p *PostgresStore) checkAffected(ctx context.Context, res sql.Result, id string, lost func(models.TripState) error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var state models.TripState
	err = p.db.QueryRowContext(ctx, `SELECT state FROM trips WHERE id=$1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrTripNotFound
	}
	if err != nil {
		return fmt.Errorf("check trip %s: %w", id, err)
	}
	return lost(state)
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]models.Trip, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, s := range q.States {
			states[i] = string(s)
		}
		where = append(where, "state = ANY("+arg(pq.Array(states))+")")
	}
	if !q.DepartureFrom.IsZero() {
		where = append(where, "departure_time >= "+arg(q.DepartureFrom))
	}
	if !q.DepartureTo.IsZero() {
		where = append(where, "departure_time <= "+arg(q.DepartureTo))
	}
	if q.TemplateID != "" {
		where = append(where, "template_id = "+arg(q.TemplateID))
	}
	if q.Recurring {
		where = append(where, "recurrence IS NOT NULL")
	}

	stmt := `SELECT ` + tripColumns + ` FROM trips`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY departure_time, id`
	if q.Limit > 0 {
		stmt += ` LIMIT ` + arg(q.Limit)
	}
	if q.Offset > 0 {
		stmt += ` OFFSET ` + arg(q.Offset)
	}

	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendPing(ctx context.Context, id string, ping models.Ping) error {
	b, err := json.Marshal([]models.Ping{ping})
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET pings = pings || $2::jsonb WHERE id=$1`, id, b)
	if err != nil {
		return fmt.Errorf("append ping to trip %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrTripNotFound
	}
	return nil
}

func (p *PostgresStore) IncrementStats(ctx context.Context, users []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rider_stats(user_id, trips) VALUES($1, 1) ON CONFLICT (user_id) DO UPDATE SET trips = rider_stats.trips + 1`, u); err != nil {
			return fmt.Errorf("increment stats of %s: %w", u, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Stats(ctx context.Context, user string) (models.RiderStats, error) {
	s := models.RiderStats{User: user}
	err := p.db.QueryRowContext(ctx, `SELECT trips FROM rider_stats WHERE user_id=$1`, user).Scan(&s.Trips)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("stats of %s: %w", user, err)
	}
	return s, nil
}

func (p *PostgresStore) PutStop(ctx context.Context, s models.Point) error {
	if s.ID == "" {
		return models.Invalid("id", "stop id is required")
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO stops(id, label, lat, lon) VALUES($1,$2,$3,$4) ON CONFLICT (id) DO UPDATE SET label=EXCLUDED.label, lat=EXCLUDED.lat, lon=EXCLUDED.lon`,
		s.ID, s.Label, s.Location.Lat, s.Location.Lon)
	if err != nil {
		return fmt.Errorf("put stop %s: %w", s.ID, err)
	}
	return nil
}

func (p *PostgresStore) ResolveStop(ctx context.Context, id string) (models.Point, error) {
	s := models.Point{ID: id}
	err := p.db.QueryRowContext(ctx, `SELECT label, lat, lon FROM stops WHERE id=$1`, id).Scan(&s.Label, &s.Location.Lat, &s.Location.Lon)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Point{}, models.ErrStopNotFound
	}
	if err != nil {
		return models.Point{}, fmt.Errorf("resolve stop %s: %w", id, err)
	}
	return s, nil
}
