package domain

import (
	"errors"
	"fmt"
)

// ErrorClass is the closed classification every publish failure is mapped
// into. Retry policy is a pure function of (class, attempt); nothing in the
// scheduler string-matches provider errors.
type ErrorClass string

const (
	// ClassValidation covers malformed requests: past time, unknown
	// timezone, unknown platform. Surfaced to the caller, never retried.
	ClassValidation ErrorClass = "validation"

	// ClassRateLimited means the limiter denied a token. Always retryable
	// and never consumes an attempt.
	ClassRateLimited ErrorClass = "rate_limited"

	// ClassPlatformTransient covers timeouts, 5xx and platform-reported
	// temporary outages. Retryable up to the attempt cap.
	ClassPlatformTransient ErrorClass = "platform_transient"

	// ClassPlatformAuthExpired means the destination credential is invalid.
	// The item is parked with a long next-attempt delay and flagged so the
	// surrounding system can prompt re-authorization.
	ClassPlatformAuthExpired ErrorClass = "platform_auth_expired"

	// ClassPlatformRejected means the platform permanently refused the
	// content. Terminal, never retried.
	ClassPlatformRejected ErrorClass = "platform_rejected"

	// ClassClaimLost is the internal benign race where an outcome write is
	// rejected because the lease expired. Logged and discarded.
	ClassClaimLost ErrorClass = "claim_lost"
)

// Retryable reports whether the class may be retried at all; the attempt cap
// still applies on top of this.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassPlatformTransient, ClassPlatformAuthExpired:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned for an unknown item or recurrence id.
	ErrNotFound = errors.New("not found")

	// ErrNotPermitted is returned when a caller action (cancel, reschedule)
	// is attempted on an item whose state no longer allows it.
	ErrNotPermitted = errors.New("not permitted in current state")

	// ErrClaimLost is returned when an outcome write presents a claim token
	// that expired and was reclaimed; the other worker's outcome stands.
	ErrClaimLost = errors.New("claim lost")
)

// ValidationError is a malformed scheduling request. It is synchronous and
// surfaced at the API boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
