package repository

import "errors"

var (
	// ErrValidation is returned for malformed input, before any write.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a ride or membership does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on a duplicate (ride, passenger) membership.
	ErrConflict = errors.New("conflict")

	// ErrCapacityExceeded is returned when a ride has no seat left.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvariantViolation signals seat accounting that would leave its
	// bounds. Correct callers never see it.
	ErrInvariantViolation = errors.New("invariant violation")
)
