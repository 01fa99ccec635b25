package services

import (
	"circlesync/pkg/cache"
	"circlesync/pkg/models"
	"circlesync/pkg/repository"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"
)

const serviceName = "rides"

// Actions published on the ride change feed.
const (
	EventRideCreated = "ride.created"
	EventRideJoined  = "ride.joined"
	EventRideLeft    = "ride.left"
)

type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration)
	Del(ctx context.Context, keys ...string)
}

type EventPublisher interface {
	Broadcast(channel string, action, service, userID string, data interface{}) error
}

// RideService is the seat allocation service. JoinRide and LeaveRide are the
// only paths that change seat counts or memberships.
type RideService interface {
	CreateRide(ctx context.Context, eventID, driverID string, req models.RideCreateRequest) (models.Ride, error)
	GetRide(ctx context.Context, rideID string) (models.Ride, error)
	ListRides(ctx context.Context, eventID string) ([]models.Ride, error)
	ListPassengers(ctx context.Context, rideID string) ([]models.RidePassenger, error)
	MyRides(ctx context.Context, passengerID string) ([]models.RidePassenger, error)
	JoinRide(ctx context.Context, rideID, passengerID string, pickupLocation *string) (models.JoinResult, error)
	LeaveRide(ctx context.Context, rideID, passengerID string) (models.Ride, error)
}

type RideServiceConfig struct {
	CacheTTL      time.Duration
	EventsChannel string
}

type rideService struct {
	repo   repository.RideRepository
	cache  Cache
	events EventPublisher
	cfg    RideServiceConfig
	log    *logrus.Entry
}

// NewRideService wires the service. cache and events may be nil.
func NewRideService(repo repository.RideRepository, c Cache, events EventPublisher, cfg RideServiceConfig, log *logrus.Entry) RideService {
	if c == nil {
		c = nopCache{}
	}
	if events == nil {
		events = nopPublisher{}
	}
	if cfg.EventsChannel == "" {
		cfg.EventsChannel = serviceName
	}
	return &rideService{repo: repo, cache: c, events: events, cfg: cfg, log: log}
}

func (s *rideService) CreateRide(ctx context.Context, eventID, driverID string, req models.RideCreateRequest) (models.Ride, error) {
	ride, err := s.repo.CreateRide(ctx, models.Ride{
		EventID:    strings.TrimSpace(eventID),
		DriverID:   driverID,
		OriginText: strings.TrimSpace(req.OriginText),
		OriginLat:  req.OriginLat,
		OriginLng:  req.OriginLng,
		TotalSeats: req.TotalSeats,
	})
	if err != nil {
		if errors.Is(err, repository.ErrValidation) {
			return models.Ride{}, &RideError{Kind: repository.ErrValidation, Reason: validationReason(err)}
		}
		s.log.WithError(err).WithField("event_id", eventID).Error("create ride failed")
		return models.Ride{}, fmt.Errorf("create ride: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"ride_id":  ride.ID,
		"event_id": ride.EventID,
		"seats":    ride.TotalSeats,
	}).Info("ride offered")

	s.afterMutation(ctx, EventRideCreated, ride, "")
	return ride, nil
}

func (s *rideService) GetRide(ctx context.Context, rideID string) (models.Ride, error) {
	ride, err := s.repo.GetRide(ctx, rideID)
	if errors.Is(err, repository.ErrNotFound) {
		return ride, ErrRideNotFound
	}
	return ride, err
}

func (s *rideService) ListRides(ctx context.Context, eventID string) ([]models.Ride, error) {
	key := cache.RideListKey(eventID)
	var cached []models.Ride
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	rides, err := s.repo.ListRides(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, rides, s.cfg.CacheTTL)
	return rides, nil
}

func (s *rideService) ListPassengers(ctx context.Context, rideID string) ([]models.RidePassenger, error) {
	key := cache.RidePassengersKey(rideID)
	var cached []models.RidePassenger
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	if _, err := s.GetRide(ctx, rideID); err != nil {
		return nil, err
	}
	list, err := s.repo.ListPassengers(ctx, rideID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, list, s.cfg.CacheTTL)
	return list, nil
}

func (s *rideService) MyRides(ctx context.Context, passengerID string) ([]models.RidePassenger, error) {
	key := cache.PassengerRidesKey(passengerID)
	var cached []models.RidePassenger
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	list, err := s.repo.PassengerRides(ctx, passengerID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, list, s.cfg.CacheTTL)
	return list, nil
}

func (s *rideService) JoinRide(ctx context.Context, rideID, passengerID string, pickupLocation *string) (models.JoinResult, error) {
	if rideID == "" || passengerID == "" {
		return models.JoinResult{}, ErrMissingIdentity
	}
	pickupLocation = normalizePickup(pickupLocation)

	var result models.JoinResult
	err := s.repo.WithRide(ctx, rideID, func(tx repository.RideTx) error {
		ride := tx.Ride()
		if ride.DriverID == passengerID {
			return ErrDriverCannotJoin
		}

		member, err := tx.HasPassenger(ctx, passengerID)
		if err != nil {
			return err
		}
		if member {
			return ErrAlreadyMember
		}
		if ride.RemainingSeats <= 0 {
			return ErrRideFull
		}

		p, err := tx.InsertPassenger(ctx, passengerID, pickupLocation)
		if errors.Is(err, repository.ErrConflict) {
			return ErrAlreadyMember
		}
		if err != nil {
			return err
		}

		updated, err := tx.DecrementSeats(ctx)
		if errors.Is(err, repository.ErrCapacityExceeded) {
			return ErrRideFull
		}
		if err != nil {
			return err
		}

		result = models.JoinResult{Ride: updated, Passenger: p}
		return nil
	})
	if err != nil {
		return models.JoinResult{}, s.failure("join", rideID, passengerID, err)
	}

	s.log.WithFields(logrus.Fields{
		"ride_id":         rideID,
		"passenger_id":    passengerID,
		"remaining_seats": result.Ride.RemainingSeats,
	}).Info("passenger joined ride")

	s.afterMutation(ctx, EventRideJoined, result.Ride, passengerID)
	return result, nil
}

func (s *rideService) LeaveRide(ctx context.Context, rideID, passengerID string) (models.Ride, error) {
	if rideID == "" || passengerID == "" {
		return models.Ride{}, ErrMissingIdentity
	}

	var updated models.Ride
	err := s.repo.WithRide(ctx, rideID, func(tx repository.RideTx) error {
		if err := tx.DeletePassenger(ctx, passengerID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotMember
			}
			return err
		}

		ride, err := tx.IncrementSeats(ctx)
		if err != nil {
			return err
		}
		updated = ride
		return nil
	})
	if err != nil {
		return models.Ride{}, s.failure("leave", rideID, passengerID, err)
	}

	s.log.WithFields(logrus.Fields{
		"ride_id":         rideID,
		"passenger_id":    passengerID,
		"remaining_seats": updated.RemainingSeats,
	}).Info("passenger left ride")

	s.afterMutation(ctx, EventRideLeft, updated, passengerID)
	return updated, nil
}

// failure turns an aborted atomic step into the error returned to callers.
// Nothing has been committed when this runs.
func (s *rideService) failure(op, rideID, passengerID string, err error) error {
	entry := s.log.WithFields(logrus.Fields{
		"op":           op,
		"ride_id":      rideID,
		"passenger_id": passengerID,
	})

	var rideErr *RideError
	switch {
	case errors.As(err, &rideErr):
		// Business outcome, not a fault.
		entry.WithField("reason", rideErr.Reason).Debug("ride request rejected")
		return rideErr
	case errors.Is(err, repository.ErrNotFound):
		entry.Debug("ride not found")
		return ErrRideNotFound
	case errors.Is(err, repository.ErrInvariantViolation):
		entry.WithError(err).Error("seat accounting invariant violated")
		return ErrSeatAccounting
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		entry.WithError(err).Warn("ride request interrupted, outcome unknown")
		return fmt.Errorf("%s ride: %w", op, err)
	default:
		entry.WithError(err).Error("ride request failed")
		return fmt.Errorf("%s ride: %w", op, err)
	}
}

// afterMutation runs once a change is committed. Its failures are logged
// only: the caller's result is already final.
func (s *rideService) afterMutation(ctx context.Context, action string, ride models.Ride, passengerID string) {
	ctx = context.WithoutCancel(ctx)

	keys := []string{cache.RideListKey(ride.EventID), cache.RidePassengersKey(ride.ID)}
	if passengerID != "" {
		keys = append(keys, cache.PassengerRidesKey(passengerID))
	}
	s.cache.Del(ctx, keys...)

	event := models.RideEvent{
		RideID:         ride.ID,
		EventID:        ride.EventID,
		PassengerID:    passengerID,
		RemainingSeats: ride.RemainingSeats,
		TotalSeats:     ride.TotalSeats,
	}
	actor := passengerID
	if actor == "" {
		actor = ride.DriverID
	}
	if err := s.events.Broadcast(s.cfg.EventsChannel, action, serviceName, actor, event); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"action":  action,
			"ride_id": ride.ID,
		}).Warn("publish ride event failed")
	}
}

func normalizePickup(p *string) *string {
	if p == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*p)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// validationReason strips the sentinel prefix from a validation error.
func validationReason(err error) string {
	msg := strings.TrimPrefix(err.Error(), repository.ErrValidation.Error()+": ")
	if msg == "" {
		return "Invalid ride"
	}
	r := []rune(msg)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

type nopCache struct{}

func (nopCache) Get(context.Context, string, interface{}) bool           { return false }
func (nopCache) Set(context.Context, string, interface{}, time.Duration) {}
func (nopCache) Del(context.Context, ...string)                          {}

type nopPublisher struct{}

func (nopPublisher) Broadcast(string, string, string, string, interface{}) error { return nil }
