package repository

import (
	"circlesync/pkg/models"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rideRowColumns = []string{"id", "event_id", "driver_id", "origin_text", "origin_lat", "origin_lng", "total_seats", "remaining_seats", "created_at", "updated_at"}

const lockRideQuery = `SELECT (.+) FROM rides WHERE id = \$1 FOR UPDATE`

func newMockRepo(t *testing.T) (RideRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRideRepository(db), mock
}

func rideRow(remaining int, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(rideRowColumns).
		AddRow("ride-1", "event-1", "driver-1", "Main St", nil, nil, 4, remaining, now, now)
}

func TestRideRepository_GetRide(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM rides WHERE id = \$1`).
		WithArgs("ride-1").
		WillReturnRows(sqlmock.NewRows(rideRowColumns).
			AddRow("ride-1", "event-1", "driver-1", "Main St", 52.1, 4.3, 4, 3, now, now))

	ride, err := repo.GetRide(ctx, "ride-1")
	require.NoError(t, err)
	assert.Equal(t, 3, ride.RemainingSeats)
	require.NotNil(t, ride.OriginLat)
	assert.Equal(t, 52.1, *ride.OriginLat)

	mock.ExpectQuery(`SELECT (.+) FROM rides WHERE id = \$1`).
		WithArgs("ride-2").
		WillReturnRows(sqlmock.NewRows(rideRowColumns))

	_, err = repo.GetRide(ctx, "ride-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_CreateRide(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO rides`).
		WithArgs(sqlmock.AnyArg(), "event-1", "driver-1", "Main St", sqlmock.AnyArg(), sqlmock.AnyArg(), 4, 4).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	ride, err := repo.CreateRide(ctx, models.Ride{EventID: "event-1", DriverID: "driver-1", OriginText: "Main St", TotalSeats: 4})
	require.NoError(t, err)
	assert.NotEmpty(t, ride.ID)
	assert.Equal(t, 4, ride.RemainingSeats)
	assert.Equal(t, now, ride.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_CreateRideRejectsSeatsBeforeInsert(t *testing.T) {
	repo, mock := newMockRepo(t)

	for _, seats := range []int{0, 9} {
		_, err := repo.CreateRide(context.Background(), models.Ride{EventID: "e", DriverID: "d", OriginText: "x", TotalSeats: seats})
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.NoError(t, mock.ExpectationsWereMet(), "no statement may reach the database")
}

func TestRideRepository_WithRideJoinCommits(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(lockRideQuery).WithArgs("ride-1").WillReturnRows(rideRow(2, now))
	mock.ExpectQuery(`INSERT INTO ride_passengers`).
		WithArgs("ride-1", "p1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"joined_at"}).AddRow(now))
	mock.ExpectQuery(`UPDATE rides\s+SET remaining_seats = remaining_seats - 1`).
		WithArgs("ride-1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining_seats", "updated_at"}).AddRow(1, now))
	mock.ExpectCommit()

	var updated models.Ride
	err := repo.WithRide(ctx, "ride-1", func(tx RideTx) error {
		assert.Equal(t, 2, tx.Ride().RemainingSeats)
		p, err := tx.InsertPassenger(ctx, "p1", nil)
		if err != nil {
			return err
		}
		assert.Equal(t, now, p.JoinedAt)
		updated, err = tx.DecrementSeats(ctx)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RemainingSeats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_WithRideFullRollsBack(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(lockRideQuery).WithArgs("ride-1").WillReturnRows(rideRow(0, now))
	mock.ExpectQuery(`UPDATE rides\s+SET remaining_seats = remaining_seats - 1`).
		WithArgs("ride-1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining_seats", "updated_at"}))
	mock.ExpectRollback()

	err := repo.WithRide(ctx, "ride-1", func(tx RideTx) error {
		_, err := tx.DecrementSeats(ctx)
		return err
	})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_WithRideNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockRideQuery).WithArgs("nope").WillReturnRows(sqlmock.NewRows(rideRowColumns))
	mock.ExpectRollback()

	called := false
	err := repo.WithRide(context.Background(), "nope", func(tx RideTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_DuplicatePassenger(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(lockRideQuery).WithArgs("ride-1").WillReturnRows(rideRow(2, now))
	mock.ExpectQuery(`INSERT INTO ride_passengers (.+) ON CONFLICT`).
		WithArgs("ride-1", "p1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"joined_at"}))
	mock.ExpectRollback()

	err := repo.WithRide(ctx, "ride-1", func(tx RideTx) error {
		_, err := tx.InsertPassenger(ctx, "p1", nil)
		return err
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_LeaveCommits(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(lockRideQuery).WithArgs("ride-1").WillReturnRows(rideRow(1, now))
	mock.ExpectExec(`DELETE FROM ride_passengers WHERE ride_id = \$1 AND passenger_id = \$2`).
		WithArgs("ride-1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE rides\s+SET remaining_seats = remaining_seats \+ 1`).
		WithArgs("ride-1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining_seats", "updated_at"}).AddRow(2, now))
	mock.ExpectCommit()

	err := repo.WithRide(ctx, "ride-1", func(tx RideTx) error {
		if err := tx.DeletePassenger(ctx, "p1"); err != nil {
			return err
		}
		ride, err := tx.IncrementSeats(ctx)
		assert.Equal(t, 2, ride.RemainingSeats)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_LeaveNotMember(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(lockRideQuery).WithArgs("ride-1").WillReturnRows(rideRow(1, time.Now()))
	mock.ExpectExec(`DELETE FROM ride_passengers`).
		WithArgs("ride-1", "p9").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.WithRide(ctx, "ride-1", func(tx RideTx) error {
		return tx.DeletePassenger(ctx, "p9")
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_IncrementPastTotal(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(lockRideQuery).WithArgs("ride-1").WillReturnRows(rideRow(4, time.Now()))
	mock.ExpectQuery(`UPDATE rides\s+SET remaining_seats = remaining_seats \+ 1`).
		WithArgs("ride-1").
		WillReturnRows(sqlmock.NewRows([]string{"remaining_seats", "updated_at"}))
	mock.ExpectRollback()

	err := repo.WithRide(ctx, "ride-1", func(tx RideTx) error {
		_, err := tx.IncrementSeats(ctx)
		return err
	})
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_CommitConstraintViolation(t *testing.T) {
	repo, mock := newMockRepo(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(lockRideQuery).WithArgs("ride-1").WillReturnRows(rideRow(2, time.Now()))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "23514", Message: "seat accounting mismatch"})

	err := repo.WithRide(ctx, "ride-1", func(tx RideTx) error { return nil })
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_ListPassengers(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT ride_id, passenger_id, pickup_location, joined_at\s+FROM ride_passengers\s+WHERE ride_id = \$1`).
		WithArgs("ride-1").
		WillReturnRows(sqlmock.NewRows([]string{"ride_id", "passenger_id", "pickup_location", "joined_at"}).
			AddRow("ride-1", "p1", "Corner shop", now).
			AddRow("ride-1", "p2", nil, now))

	list, err := repo.ListPassengers(context.Background(), "ride-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.NotNil(t, list[0].PickupLocation)
	assert.Equal(t, "Corner shop", *list[0].PickupLocation)
	assert.Nil(t, list[1].PickupLocation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRideRepository_ListRidesQueryError(t *testing.T) {
	repo, mock := newMockRepo(t)
	dbErr := errors.New("connection reset")

	mock.ExpectQuery(`FROM rides\s+WHERE event_id = \$1`).WithArgs("event-1").WillReturnError(dbErr)

	_, err := repo.ListRides(context.Background(), "event-1")
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
