package repository

import (
	"circlesync/pkg/models"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// RideRepository is the ride ledger. Seat counts and memberships are only
// written through WithRide.
type RideRepository interface {
	GetRide(ctx context.Context, rideID string) (models.Ride, error)
	CreateRide(ctx context.Context, ride models.Ride) (models.Ride, error)
	ListRides(ctx context.Context, eventID string) ([]models.Ride, error)
	ListPassengers(ctx context.Context, rideID string) ([]models.RidePassenger, error)
	PassengerRides(ctx context.Context, passengerID string) ([]models.RidePassenger, error)

	// WithRide runs fn as one atomic unit, serialized against every other
	// WithRide on the same ride. Changes made through tx are committed only
	// when fn returns nil.
	WithRide(ctx context.Context, rideID string, fn func(tx RideTx) error) error
}

// RideTx is the ride as seen inside WithRide.
type RideTx interface {
	// Ride returns the locked ride, including changes made so far.
	Ride() models.Ride
	HasPassenger(ctx context.Context, passengerID string) (bool, error)
	InsertPassenger(ctx context.Context, passengerID string, pickupLocation *string) (models.RidePassenger, error)
	DeletePassenger(ctx context.Context, passengerID string) error
	DecrementSeats(ctx context.Context) (models.Ride, error)
	IncrementSeats(ctx context.Context) (models.Ride, error)
}

// ValidateNewRide checks a ride before it is inserted.
func ValidateNewRide(ride models.Ride) error {
	if strings.TrimSpace(ride.EventID) == "" {
		return fmt.Errorf("%w: event is required", ErrValidation)
	}
	if strings.TrimSpace(ride.DriverID) == "" {
		return fmt.Errorf("%w: driver is required", ErrValidation)
	}
	if strings.TrimSpace(ride.OriginText) == "" {
		return fmt.Errorf("%w: pickup location is required", ErrValidation)
	}
	if ride.TotalSeats < models.MinRideSeats || ride.TotalSeats > models.MaxRideSeats {
		return fmt.Errorf("%w: total seats must be between %d and %d", ErrValidation, models.MinRideSeats, models.MaxRideSeats)
	}
	return nil
}

const rideColumns = `id, event_id, driver_id, origin_text, origin_lat, origin_lng, total_seats, remaining_seats, created_at, updated_at`

const (
	pqCheckViolation  = "23514"
	pqUniqueViolation = "23505"
)

type rideRepository struct {
	db *sql.DB
}

func NewRideRepository(db *sql.DB) RideRepository {
	return &rideRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRide(row rowScanner) (models.Ride, error) {
	var r models.Ride
	var lat, lng sql.NullFloat64
	err := row.Scan(&r.ID, &r.EventID, &r.DriverID, &r.OriginText, &lat, &lng,
		&r.TotalSeats, &r.RemainingSeats, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if lat.Valid {
		v := lat.Float64
		r.OriginLat = &v
	}
	if lng.Valid {
		v := lng.Float64
		r.OriginLng = &v
	}
	return r, nil
}

func scanPassenger(row rowScanner) (models.RidePassenger, error) {
	var p models.RidePassenger
	var pickup sql.NullString
	if err := row.Scan(&p.RideID, &p.PassengerID, &pickup, &p.JoinedAt); err != nil {
		return p, err
	}
	if pickup.Valid {
		s := pickup.String
		p.PickupLocation = &s
	}
	return p, nil
}

func (r *rideRepository) GetRide(ctx context.Context, rideID string) (models.Ride, error) {
	ride, err := scanRide(r.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE id = $1`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return ride, ErrNotFound
	}
	if err != nil {
		return ride, fmt.Errorf("get ride: %w", err)
	}
	return ride, nil
}

func (r *rideRepository) CreateRide(ctx context.Context, ride models.Ride) (models.Ride, error) {
	if err := ValidateNewRide(ride); err != nil {
		return ride, err
	}
	if ride.ID == "" {
		ride.ID = uuid.NewString()
	}
	ride.RemainingSeats = ride.TotalSeats

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO rides (id, event_id, driver_id, origin_text, origin_lat, origin_lng, total_seats, remaining_seats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, ride.ID, ride.EventID, ride.DriverID, ride.OriginText, ride.OriginLat, ride.OriginLng,
		ride.TotalSeats, ride.RemainingSeats).Scan(&ride.CreatedAt, &ride.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pqCheckViolation:
				return ride, fmt.Errorf("%w: %s", ErrValidation, pqErr.Constraint)
			case pqUniqueViolation:
				return ride, ErrConflict
			}
		}
		return ride, fmt.Errorf("create ride: %w", err)
	}
	return ride, nil
}

func (r *rideRepository) ListRides(ctx context.Context, eventID string) ([]models.Ride, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+rideColumns+`
		FROM rides
		WHERE event_id = $1
		ORDER BY created_at ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	defer rows.Close()

	rides := []models.Ride{}
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		rides = append(rides, ride)
	}
	return rides, rows.Err()
}

func (r *rideRepository) ListPassengers(ctx context.Context, rideID string) ([]models.RidePassenger, error) {
	return r.queryPassengers(ctx, `
		SELECT ride_id, passenger_id, pickup_location, joined_at
		FROM ride_passengers
		WHERE ride_id = $1
		ORDER BY joined_at ASC
	`, rideID)
}

func (r *rideRepository) PassengerRides(ctx context.Context, passengerID string) ([]models.RidePassenger, error) {
	return r.queryPassengers(ctx, `
		SELECT ride_id, passenger_id, pickup_location, joined_at
		FROM ride_passengers
		WHERE passenger_id = $1
		ORDER BY joined_at DESC
	`, passengerID)
}

func (r *rideRepository) queryPassengers(ctx context.Context, query string, arg string) ([]models.RidePassenger, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list passengers: %w", err)
	}
	defer rows.Close()

	list := []models.RidePassenger{}
	for rows.Next() {
		p, err := scanPassenger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan passenger: %w", err)
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *rideRepository) WithRide(ctx context.Context, rideID string, fn func(tx RideTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Row lock held until commit; concurrent joins/leaves on this ride queue here.
	ride, err := scanRide(tx.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock ride: %w", err)
	}

	if err := fn(&pgRideTx{tx: tx, ride: ride}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqCheckViolation {
			return fmt.Errorf("%w: %s", ErrInvariantViolation, pqErr.Message)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgRideTx struct {
	tx   *sql.Tx
	ride models.Ride
}

func (t *pgRideTx) Ride() models.Ride {
	return t.ride
}

func (t *pgRideTx) HasPassenger(ctx context.Context, passengerID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ride_passengers WHERE ride_id = $1 AND passenger_id = $2)
	`, t.ride.ID, passengerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check passenger: %w", err)
	}
	return exists, nil
}

func (t *pgRideTx) InsertPassenger(ctx context.Context, passengerID string, pickupLocation *string) (models.RidePassenger, error) {
	p := models.RidePassenger{RideID: t.ride.ID, PassengerID: passengerID, PickupLocation: pickupLocation}

	// DO NOTHING keeps the transaction usable after a duplicate.
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO ride_passengers (ride_id, passenger_id, pickup_location)
		VALUES ($1, $2, $3)
		ON CONFLICT (ride_id, passenger_id) DO NOTHING
		RETURNING joined_at
	`, t.ride.ID, passengerID, pickupLocation).Scan(&p.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrConflict
	}
	if err != nil {
		return p, fmt.Errorf("insert passenger: %w", err)
	}
	return p, nil
}

func (t *pgRideTx) DeletePassenger(ctx context.Context, passengerID string) error {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM ride_passengers WHERE ride_id = $1 AND passenger_id = $2
	`, t.ride.ID, passengerID)
	if err != nil {
		return fmt.Errorf("delete passenger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete passenger: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgRideTx) DecrementSeats(ctx context.Context) (models.Ride, error) {
	err := t.tx.QueryRowContext(ctx, `
		UPDATE rides
		SET remaining_seats = remaining_seats - 1, updated_at = NOW()
		WHERE id = $1 AND remaining_seats > 0
		RETURNING remaining_seats, updated_at
	`, t.ride.ID).Scan(&t.ride.RemainingSeats, &t.ride.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t.ride, ErrCapacityExceeded
	}
	if err != nil {
		return t.ride, seatUpdateError("decrement seats", err)
	}
	return t.ride, nil
}

func (t *pgRideTx) IncrementSeats(ctx context.Context) (models.Ride, error) {
	err := t.tx.QueryRowContext(ctx, `
		UPDATE rides
		SET remaining_seats = remaining_seats + 1, updated_at = NOW()
		WHERE id = $1 AND remaining_seats < total_seats
		RETURNING remaining_seats, updated_at
	`, t.ride.ID).Scan(&t.ride.RemainingSeats, &t.ride.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t.ride, fmt.Errorf("%w: ride %s already has all %d seats free", ErrInvariantViolation, t.ride.ID, t.ride.TotalSeats)
	}
	if err != nil {
		return t.ride, seatUpdateError("increment seats", err)
	}
	return t.ride, nil
}

func seatUpdateError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqCheckViolation {
		return fmt.Errorf("%w: %s", ErrInvariantViolation, pqErr.Constraint)
	}
	return fmt.Errorf("%s: %w", op, err)
}
