package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist or was removed
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated is returned when no caller identity is present
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when the caller does not own the target
	ErrForbidden = errors.New("forbidden")
	// ErrQuotaCheckUnavailable is returned when usage cannot be read from a ready collection
	ErrQuotaCheckUnavailable = errors.New("quota check unavailable")
	// ErrMessageImmutable is returned on any update or delete of a message
	ErrMessageImmutable = errors.New("messages are immutable")
	// ErrMalformedRow is returned when a row fails validation on ingress
	ErrMalformedRow = errors.New("malformed row")
	// ErrMutationTimeout is returned when a backend write does not finish in time
	ErrMutationTimeout = errors.New("mutation timed out")
	// ErrDuplicateEvent is returned when a billing event was already processed
	ErrDuplicateEvent = errors.New("duplicate billing event")
	// ErrStaleEvent is returned when a billing event is older than the last applied one
	ErrStaleEvent = errors.New("stale billing event")
)

// QuotaDeniedError is returned when a create would exceed the plan limit
type QuotaDeniedError struct {
	Kind   ResourceKind
	Limit  int64
	Plan   Plan
	Reason string
}

func (e *QuotaDeniedError) Error() string {
	if e.Reason != "" {
		return "quota denied: " + e.Reason
	}
	return fmt.Sprintf("quota denied: %s limit %d reached on %s plan", e.Kind, e.Limit, e.Plan)
}

// FetchError is returned when a backend read fails
type FetchError struct {
	Table string
	Scope string
	Err   error
}

func (e *FetchError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("fetch %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("fetch %s[%s]: %v", e.Table, e.Scope, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ConflictError is returned when the backend rejects a write on a uniqueness invariant
type ConflictError struct {
	Table      string
	Constraint string
	Detail     string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("conflict on %s (%s): %s", e.Table, e.Constraint, e.Detail)
	}
	return fmt.Sprintf("conflict on %s (%s)", e.Table, e.Constraint)
}

// InvalidTransitionError is returned when a status change is not allowed
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// StaleWriteError is returned when an update was based on an outdated row
type StaleWriteError struct {
	Table    string
	ID       string
	Expected time.Time
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write on %s %s: expected updated_at %s", e.Table, e.ID, e.Expected.Format(time.RFC3339Nano))
}

func malformed(table, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedRow, table, reason)
}

// IsQuotaDenied reports whether err carries a QuotaDeniedError
func IsQuotaDenied(err error) bool {
	var qe *QuotaDeniedError
	return errors.As(err, &qe)
}

// IsConflict reports whether err carries a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
