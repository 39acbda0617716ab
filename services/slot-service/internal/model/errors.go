package model

import (
	"errors"
	"fmt"
)

type NotFoundError struct {
	Resource string
	ID       string
	Err      error
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e NotFoundError) Unwrap() error { return e.Err }

type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	case e.Msg != "":
		return e.Msg
	case e.Field != "":
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return "validation error"
}

func (e ValidationError) Unwrap() error { return e.Err }

// RejectionCode classifies a domain rejection.
type RejectionCode string

const (
	CodeNotDriver         RejectionCode = "not_a_driver"
	CodeDriverNotAssigned RejectionCode = "driver_not_assigned"
	CodeForbidden         RejectionCode = "forbidden"
	CodeTripState         RejectionCode = "invalid_trip_state"
	CodeAlreadyCompleted  RejectionCode = "already_completed"
	CodeNotCompleted      RejectionCode = "not_completed"
	CodeNoSlot            RejectionCode = "no_slot_available"
	CodeBookingState      RejectionCode = "invalid_booking_state"
	CodeHoldExpired       RejectionCode = "hold_expired"
	CodeInsufficientSeats RejectionCode = "insufficient_seats"
)

// RejectionError is a business rule refusal whose Reason is shown to end users.
type RejectionError struct {
	Code   RejectionCode
	Reason string
}

func (e RejectionError) Error() string { return e.Reason }

// Authorization reports whether the rejection is about who is acting.
func (e RejectionError) Authorization() bool {
	switch e.Code {
	case CodeNotDriver, CodeDriverNotAssigned, CodeForbidden:
		return true
	}
	return false
}

func Reject(code RejectionCode, reason string) error {
	return RejectionError{Code: code, Reason: reason}
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsRejection(err error) bool {
	var target RejectionError
	return errors.As(err, &target)
}

// AsRejection extracts a RejectionError from err.
func AsRejection(err error) (RejectionError, bool) {
	var target RejectionError
	ok := errors.As(err, &target)
	return target, ok
}
