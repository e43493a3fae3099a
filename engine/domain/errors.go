package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for ingest validation failures.
var (
	ErrMissingUserID     = errors.New("user_id is required")
	ErrMissingText       = errors.New("text is required")
	ErrMissingSourceType = errors.New("source_type is required")
	ErrMissingTimestamp  = errors.New("ts is required")
	ErrMissingOrgID      = errors.New("org_id is required")

	// ErrBackendUnavailable marks a remote embedding backend failure.
	ErrBackendUnavailable = errors.New("embedding backend unavailable")
)

// MalformedEventError marks an event that can never be processed: unknown
// fields, missing fields, dimension mismatch, out-of-range confidence.
// Consumers ack and drop these instead of letting them redeliver.
type MalformedEventError struct {
	Kind    string // event type being parsed
	Field   string
	Wrapped error
}

func (e *MalformedEventError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed %s event: %s: %s", e.Kind, e.Field, e.Wrapped)
	}
	return fmt.Sprintf("malformed %s event: %s", e.Kind, e.Wrapped)
}

func (e *MalformedEventError) Unwrap() error { return e.Wrapped }

// NewMalformedEvent creates a MalformedEventError.
func NewMalformedEvent(kind, field string, wrapped error) *MalformedEventError {
	return &MalformedEventError{Kind: kind, Field: field, Wrapped: wrapped}
}

// IsMalformed reports whether err has a MalformedEventError in its chain.
func IsMalformed(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}
