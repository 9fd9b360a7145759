package core

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent marks input that cannot be parsed or validated.
	// Such events are dead-lettered and processing continues.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrEnrichmentDegraded marks a registry lookup that timed out or failed.
	// It never aborts processing; the event carries placeholder identity.
	ErrEnrichmentDegraded = errors.New("enrichment degraded")

	// ErrBusUnavailable is returned when the message bus cannot be reached.
	ErrBusUnavailable = errors.New("message bus unavailable")

	// ErrShuttingDown is returned for work that was not started before shutdown.
	ErrShuttingDown = errors.New("shutting down")
)

// Reasons recorded with malformed events.
const (
	ReasonDecodeFailure      = "decode_failure"
	ReasonNotObject          = "not_object"
	ReasonSchemaViolation    = "schema_violation"
	ReasonInvalidTimestamp   = "invalid_timestamp"
	ReasonUnrecognizedShape  = "unrecognized_shape"
	ReasonUnsupportedContent = "unsupported_content_type"
)

// MalformedEventError describes why an inbound payload was rejected.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed event: %s", e.Reason)
	}
	return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformedEvent) true for every MalformedEventError.
func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

// NewMalformedEvent builds a MalformedEventError.
func NewMalformedEvent(reason string, err error) *MalformedEventError {
	return &MalformedEventError{Reason: reason, Err: err}
}

// MalformedReason extracts the reason from err, or "" when err is not a malformed-event error.
func MalformedReason(err error) string {
	var me *MalformedEventError
	if errors.As(err, &me) {
		return me.Reason
	}
	return ""
}
