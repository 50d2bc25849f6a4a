package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrTripNotFound      = errors.New("trip not found")
	ErrTripFinished      = errors.New("trip is finished")
	ErrNotMember         = errors.New("user is not a trip member")
	ErrInvalidTransition = errors.New("invalid trip state transition")
	ErrNoSeats           = errors.New("not enough seats")
	ErrStopNotFound      = errors.New("stop not found")
	// ErrConflict is a lost compare-and-set on the trip version.
	ErrConflict          = errors.New("trip was modified concurrently")
)

// ValidationError rejects a request before any remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
