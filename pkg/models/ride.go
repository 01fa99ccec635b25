package models

import "time"

const (
	MinRideSeats = 1
	MaxRideSeats = 8
)

// Per-ride state of the calling user, as shown in ride lists.
const (
	RideStateMine   = "mine"
	RideStateJoined = "joined"
	RideStateFull   = "full"
	RideStateOpen   = "open"
)

type Ride struct {
	ID             string    `json:"id"`
	EventID        string    `json:"event_id"`
	DriverID       string    `json:"driver_id"`
	OriginText     string    `json:"origin_text"`
	OriginLat      *float64  `json:"origin_lat,omitempty"`
	OriginLng      *float64  `json:"origin_lng,omitempty"`
	TotalSeats     int       `json:"total_seats"`
	RemainingSeats int       `json:"remaining_seats"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TakenSeats is the number of seats held by passengers.
func (r Ride) TakenSeats() int {
	return r.TotalSeats - r.RemainingSeats
}

func (r Ride) IsFull() bool {
	return r.RemainingSeats <= 0
}

type RidePassenger struct {
	RideID         string    `json:"ride_id"`
	PassengerID    string    `json:"passenger_id"`
	PickupLocation *string   `json:"pickup_location,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
}

type RideCreateRequest struct {
	OriginText string   `json:"origin_text"`
	OriginLat  *float64 `json:"origin_lat,omitempty"`
	OriginLng  *float64 `json:"origin_lng,omitempty"`
	TotalSeats int      `json:"total_seats"`
}

type JoinRideRequest struct {
	PickupLocation *string `json:"pickup_location,omitempty"`
}

type JoinResult struct {
	Ride      Ride          `json:"ride"`
	Passenger RidePassenger `json:"passenger"`
}

// RideView is a ride annotated with the caller's relation to it.
type RideView struct {
	Ride
	State string `json:"state"`
}

// RideEvent is the payload published on the ride change feed.
type RideEvent struct {
	RideID         string `json:"ride_id"`
	EventID        string `json:"event_id"`
	PassengerID    string `json:"passenger_id,omitempty"`
	RemainingSeats int    `json:"remaining_seats"`
	TotalSeats     int    `json:"total_seats"`
}
