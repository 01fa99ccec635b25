package repository

import (
	"circlesync/pkg/models"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRideRepository implements RideRepository in memory.
// WithRide holds a per-ride mutex; committed changes are published under
// the store lock, so readers see either all of a transaction or none of it.
type MemoryRideRepository struct {
	mu         sync.RWMutex
	rides      map[string]models.Ride
	passengers map[string]map[string]models.RidePassenger

	locks sync.Map // ride id -> *sync.Mutex, only for stored rides
	now   func() time.Time
}

func NewMemoryRideRepository() *MemoryRideRepository {
	return &MemoryRideRepository{
		rides:      make(map[string]models.Ride),
		passengers: make(map[string]map[string]models.RidePassenger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// rideLock returns the mutex of a stored ride, keyed by the ride's own id.
func (s *MemoryRideRepository) rideLock(rideID string) (*sync.Mutex, bool) {
	s.mu.RLock()
	ride, ok := s.rides[rideID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	l, _ := s.locks.LoadOrStore(ride.ID, &sync.Mutex{})
	return l.(*sync.Mutex), true
}

func (s *MemoryRideRepository) GetRide(ctx context.Context, rideID string) (models.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ride, ok := s.rides[rideID]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return ride, nil
}

func (s *MemoryRideRepository) CreateRide(ctx context.Context, ride models.Ride) (models.Ride, error) {
	if err := ValidateNewRide(ride); err != nil {
		return ride, err
	}
	if ride.ID == "" {
		ride.ID = uuid.NewString()
	}
	// Callers may pass strings backed by reused request buffers.
	ride.ID = strings.Clone(ride.ID)
	ride.EventID = strings.Clone(ride.EventID)
	ride.DriverID = strings.Clone(ride.DriverID)
	ride.OriginText = strings.Clone(ride.OriginText)
	ride.RemainingSeats = ride.TotalSeats
	ride.CreatedAt = s.now()
	ride.UpdatedAt = ride.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rides[ride.ID]; exists {
		return ride, ErrConflict
	}
	s.rides[ride.ID] = ride
	s.passengers[ride.ID] = make(map[string]models.RidePassenger)
	return ride, nil
}

func (s *MemoryRideRepository) ListRides(ctx context.Context, eventID string) ([]models.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rides := []models.Ride{}
	for _, r := range s.rides {
		if r.EventID == eventID {
			rides = append(rides, r)
		}
	}
	sort.Slice(rides, func(i, j int) bool {
		if rides[i].CreatedAt.Equal(rides[j].CreatedAt) {
			return rides[i].ID < rides[j].ID
		}
		return rides[i].CreatedAt.Before(rides[j].CreatedAt)
	})
	return rides, nil
}

func (s *MemoryRideRepository) ListPassengers(ctx context.Context, rideID string) ([]models.RidePassenger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := []models.RidePassenger{}
	for _, p := range s.passengers[rideID] {
		list = append(list, p)
	}
	sortPassengers(list, true)
	return list, nil
}

func (s *MemoryRideRepository) PassengerRides(ctx context.Context, passengerID string) ([]models.RidePassenger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := []models.RidePassenger{}
	for _, members := range s.passengers {
		if p, ok := members[passengerID]; ok {
			list = append(list, p)
		}
	}
	sortPassengers(list, false)
	return list, nil
}

func sortPassengers(list []models.RidePassenger, asc bool) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !asc {
			a, b = b, a
		}
		if a.JoinedAt.Equal(b.JoinedAt) {
			return a.RideID+a.PassengerID < b.RideID+b.PassengerID
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
}

func (s *MemoryRideRepository) WithRide(ctx context.Context, rideID string, fn func(tx RideTx) error) error {
	lock, ok := s.rideLock(rideID)
	if !ok {
		return ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	ride := s.rides[rideID]
	members := make(map[string]models.RidePassenger, len(s.passengers[rideID]))
	for id, p := range s.passengers[rideID] {
		members[id] = p
	}
	s.mu.RUnlock()

	tx := &memRideTx{ride: ride, passengers: members, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	if err := checkSeatAccounting(tx.ride, len(tx.passengers)); err != nil {
		return err
	}

	s.mu.Lock()
	s.rides[ride.ID] = tx.ride
	s.passengers[ride.ID] = tx.passengers
	s.mu.Unlock()
	return nil
}

// checkSeatAccounting mirrors the commit-time constraint of the SQL schema.
func checkSeatAccounting(ride models.Ride, passengers int) error {
	if ride.RemainingSeats < 0 || ride.RemainingSeats > ride.TotalSeats {
		return fmt.Errorf("%w: ride %s has %d of %d seats remaining", ErrInvariantViolation, ride.ID, ride.RemainingSeats, ride.TotalSeats)
	}
	if passengers != ride.TakenSeats() {
		return fmt.Errorf("%w: ride %s has %d passengers for %d taken seats", ErrInvariantViolation, ride.ID, passengers, ride.TakenSeats())
	}
	return nil
}

type memRideTx struct {
	ride       models.Ride
	passengers map[string]models.RidePassenger
	now        func() time.Time
}

func (t *memRideTx) Ride() models.Ride {
	return t.ride
}

func (t *memRideTx) HasPassenger(ctx context.Context, passengerID string) (bool, error) {
	_, ok := t.passengers[passengerID]
	return ok, nil
}

func (t *memRideTx) InsertPassenger(ctx context.Context, passengerID string, pickupLocation *string) (models.RidePassenger, error) {
	if _, ok := t.passengers[passengerID]; ok {
		return models.RidePassenger{}, ErrConflict
	}
	p := models.RidePassenger{
		RideID:      t.ride.ID,
		PassengerID: strings.Clone(passengerID),
		JoinedAt:    t.now(),
	}
	if pickupLocation != nil {
		pickup := strings.Clone(*pickupLocation)
		p.PickupLocation = &pickup
	}
	t.passengers[p.PassengerID] = p
	return p, nil
}

func (t *memRideTx) DeletePassenger(ctx context.Context, passengerID string) error {
	if _, ok := t.passengers[passengerID]; !ok {
		return ErrNotFound
	}
	delete(t.passengers, passengerID)
	return nil
}

func (t *memRideTx) DecrementSeats(ctx context.Context) (models.Ride, error) {
	if t.ride.RemainingSeats <= 0 {
		return t.ride, ErrCapacityExceeded
	}
	t.ride.RemainingSeats--
	t.ride.UpdatedAt = t.now()
	return t.ride, nil
}

func (t *memRideTx) IncrementSeats(ctx context.Context) (models.Ride, error) {
	if t.ride.RemainingSeats >= t.ride.TotalSeats {
		return t.ride, fmt.Errorf("%w: ride %s already has all %d seats free", ErrInvariantViolation, t.ride.ID, t.ride.TotalSeats)
	}
	t.ride.RemainingSeats++
	t.ride.UpdatedAt = t.now()
	return t.ride, nil
}
