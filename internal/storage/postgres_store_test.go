package storage

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/models"
)

func setupMockDB(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

var (
	created   = time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	departure = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
)

var tripCols = []string{"id", "owner_id", "driver_id", "state", "departure_time", "return_id", "template_id", "recurrence", "members", "waypoints", "pings", "created_at", "updated_at", "version"}

func tripRow(id string) []driver.Value {
	return []driver.Value{
		id, "alice", "alice", "not_started", departure, "", "", nil,
		[]byte(`[{"user":"alice","from":{"id":"A","location":{"lat":45,"lon":5}},"to":{"id":"B","location":{"lat":45,"lon":5.1}},"seats":-3,"joined_at":"2024-05-01T07:00:00Z"}]`),
		[]byte(`[{"point":{"id":"A","location":{"lat":45,"lon":5}},"duration":0,"distance":0,"eta":"2024-05-01T08:00:00Z"}]`),
		[]byte(`[]`),
		created, created, int64(4),
	}
}

func TestCreateTrip(t *testing.T) {
	store, mock := setupMockDB(t)
	trip := models.Trip{ID: "t1", Owner: "alice", State: models.TripNotStarted, DepartureTime: departure, CreatedAt: created, UpdatedAt: created, Version: 1}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trips")).
		WithArgs("t1", "alice", "", models.TripNotStarted, departure, "", "", nil, []byte("[]"), []byte("[]"), created, created, int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Create(context.Background(), trip))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTrip(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, owner_id")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(tripCols).AddRow(tripRow("t1")...))

	trip, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripNotStarted, trip.State)
	require.Len(t, trip.Members, 1)
	assert.Equal(t, -3, trip.Members[0].Seats)
	require.Len(t, trip.WayPoints, 1)
	assert.Equal(t, departure, trip.WayPoints[0].Eta)
	assert.Nil(t, trip.Recurrence)
	assert.Equal(t, int64(4), trip.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTripNotFound(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, owner_id")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(tripCols))

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrTripNotFound)
}

func TestUpdateStateCompareAndSet(t *testing.T) {
	store, mock := setupMockDB(t)
	ctx := context.Background()
	at := departure.Add(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET state=")).
		WithArgs("t1", models.TripNotStarted, models.TripCanceled, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateState(ctx, "t1", models.TripNotStarted, models.TripCanceled, at))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET state=")).
		WithArgs("t1", models.TripNotStarted, models.TripCanceled, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM trips")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("canceled"))
	assert.ErrorIs(t, store.UpdateState(ctx, "t1", models.TripNotStarted, models.TripCanceled, at), models.ErrInvalidTransition)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET state=")).
		WithArgs("gone", models.TripNotStarted, models.TripCanceled, at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM trips")).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))
	assert.ErrorIs(t, store.UpdateState(ctx, "gone", models.TripNotStarted, models.TripCanceled, at), models.ErrTripNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTripComparesVersion(t *testing.T) {
	store, mock := setupMockDB(t)
	ctx := context.Background()
	trip := models.Trip{ID: "t1", Owner: "alice", Driver: "alice", State: models.TripNotStarted, DepartureTime: departure, UpdatedAt: created, Version: 3}
	update := regexp.QuoteMeta("UPDATE trips SET owner_id=") + ".*" + regexp.QuoteMeta("version=version+1 WHERE id=$1 AND state=$11 AND version=$12")
	args := []driver.Value{"t1", "alice", "alice", departure, "", "", nil, []byte("[]"), []byte("[]"), created, models.TripNotStarted, int64(3)}

	mock.ExpectExec(update).WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Update(ctx, trip))

	mock.ExpectExec(update).WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM trips")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("not_started"))
	assert.ErrorIs(t, store.Update(ctx, trip), models.ErrConflict, "same state, newer version")

	mock.ExpectExec(update).WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM trips")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("started"))
	assert.ErrorIs(t, store.Update(ctx, trip), models.ErrInvalidTransition)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTrips(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, owner_id")+".*state = ANY\\(\\$1\\) AND departure_time <= \\$2 ORDER BY departure_time, id LIMIT \\$3").
		WithArgs(sqlmock.AnyArg(), departure, 50).
		WillReturnRows(sqlmock.NewRows(tripCols).AddRow(tripRow("t1")...).AddRow(tripRow("t2")...))

	trips, err := store.List(context.Background(), Query{States: []models.TripState{models.TripNotStarted}, DepartureTo: departure, Limit: 50})
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Equal(t, "t2", trips[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendPingUnknownTrip(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trips SET pings")).
		WithArgs("nope", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.AppendPing(context.Background(), "nope", models.Ping{User: "alice", At: departure})
	assert.ErrorIs(t, err, models.ErrTripNotFound)
}

func TestIncrementStats(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rider_stats")).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rider_stats")).WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.IncrementStats(context.Background(), []string{"alice", "bob"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveStop(t *testing.T) {
	store, mock := setupMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT label, lat, lon FROM stops")).
		WithArgs("gare").
		WillReturnRows(sqlmock.NewRows([]string{"label", "lat", "lon"}).AddRow("Gare", 45.19, 5.71))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT label, lat, lon FROM stops")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"label", "lat", "lon"}))

	p, err := store.ResolveStop(context.Background(), "gare")
	require.NoError(t, err)
	assert.Equal(t, models.Point{ID: "gare", Label: "Gare", Location: models.Coord{Lat: 45.19, Lon: 5.71}}, p)

	_, err = store.ResolveStop(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrStopNotFound)
}
