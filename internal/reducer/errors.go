package reducer

import (
	"errors"
	"fmt"
)

// Code classifies why an event was rejected. Diagnostics carry it so
// operators can tell causes apart without parsing error text.
type Code string

const (
	// CodeInvalidShape: type, eventId or payload missing.
	CodeInvalidShape Code = "invalid_event_shape"

	// CodeInvalidPayload: payload does not satisfy the type's schema.
	CodeInvalidPayload Code = "invalid_payload"

	// CodeUnknownType: no Definition registered for the type.
	CodeUnknownType Code = "unknown_event_type"
)

// InvalidEventError is returned when an event fails validation. An event
// that fails validation is never committed and consumes no sequence number.
type InvalidEventError struct {
	Code    Code
	Type    string
	EventID string
	Err     error
}

// Error implements the error interface.
func (e *InvalidEventError) Error() string {
	msg := string(e.Code)
	if e.Type != "" {
		msg += fmt.Sprintf(" (type=%s)", e.Type)
	}
	if e.EventID != "" {
		msg += fmt.Sprintf(" (eventId=%s)", e.EventID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *InvalidEventError) Unwrap() error {
	return e.Err
}

// IsInvalidEvent reports whether err is or wraps an InvalidEventError.
func IsInvalidEvent(err error) bool {
	var ie *InvalidEventError
	return errors.As(err, &ie)
}

// CodeOf returns the rejection code carried by err, if any.
func CodeOf(err error) (Code, bool) {
	var ie *InvalidEventError
	if errors.As(err, &ie) {
		return ie.Code, true
	}
	return "", false
}
