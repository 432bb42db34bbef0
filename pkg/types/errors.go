package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions the HTTP layer maps to status codes.
var (
	ErrNotFound       = errors.New("not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrQueueSaturated = errors.New("queue saturated")
	ErrTimeout        = errors.New("timed out")
	ErrIntegrity      = errors.New("integrity conflict")
)

// ValidationError rejects malformed caller input. It maps to HTTP 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a named field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UpstreamError wraps a backend failure with enough shape for retry
// classification. Permanent failures must not be retried.
type UpstreamError struct {
	Backend   string
	Status    int
	Permanent bool
	Err       error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Backend, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (anywhere in the chain) is a permanent
// upstream failure.
func IsPermanent(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Permanent
	}
	return false
}

// UpstreamStatus extracts the HTTP status carried by an UpstreamError in
// the chain, or 0 when there is none.
func UpstreamStatus(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}
