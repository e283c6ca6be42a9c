// Package apperr defines the typed rejection taxonomy shared by every
// service. All expected outcomes (duplicates, capacity, invalid
// transitions, token failures) are returned as *Error values carrying a
// machine-readable kind; anything else is treated as an infrastructure
// fault.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable rejection category.
type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindInvalidTransition   Kind = "INVALID_TRANSITION"
	KindSessionNotActive    Kind = "SESSION_NOT_ACTIVE"
	KindDuplicateAttendance Kind = "DUPLICATE_ATTENDANCE"
	KindCapacityExceeded    Kind = "CAPACITY_EXCEEDED"
	KindUnauthorized        Kind = "UNAUTHORIZED"
	KindTokenExpired        Kind = "TOKEN_EXPIRED"
	KindTokenExhausted      Kind = "TOKEN_EXHAUSTED"
	KindTokenInactive       Kind = "TOKEN_INACTIVE"
	KindLocationRequired    Kind = "LOCATION_REQUIRED"
	KindOutsideGeofence     Kind = "OUTSIDE_GEOFENCE"
	KindStudentNotFound     Kind = "STUDENT_NOT_FOUND"
	KindValidation          Kind = "VALIDATION"
)

// Error is a rejection with a kind and optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a rejection of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a rejection with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a structured detail for the API layer to expose.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err, or empty when err is not a rejection.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// Is reports whether err is a rejection of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
