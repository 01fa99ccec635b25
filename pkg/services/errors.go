package services

import "circlesync/pkg/repository"

// RideError is a terminal, user-facing failure of a ride operation.
// Error returns the reason verbatim; Unwrap exposes the taxonomy sentinel
// from the repository package.
type RideError struct {
	Kind   error
	Reason string
}

func (e *RideError) Error() string { return e.Reason }

func (e *RideError) Unwrap() error { return e.Kind }

var (
	ErrRideFull         = &RideError{Kind: repository.ErrCapacityExceeded, Reason: "Ride is full"}
	ErrAlreadyMember    = &RideError{Kind: repository.ErrConflict, Reason: "Already a member"}
	ErrRideNotFound     = &RideError{Kind: repository.ErrNotFound, Reason: "Ride not found"}
	ErrNotMember        = &RideError{Kind: repository.ErrNotFound, Reason: "Not a member of this ride"}
	ErrDriverCannotJoin = &RideError{Kind: repository.ErrValidation, Reason: "Driver cannot join their own ride"}
	ErrMissingIdentity  = &RideError{Kind: repository.ErrValidation, Reason: "Ride and user are required"}
	ErrSeatAccounting   = &RideError{Kind: repository.ErrInvariantViolation, Reason: "Ride could not be updated, please refresh"}
)
