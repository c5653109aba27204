/*
errors.go - Centralized error types for the policy engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every engine operation returns a typed error; nothing panics for an
  expected business condition.

ERROR CATEGORIES:
  1. Client errors - ValidationError, PermissionError, ConflictError, InvalidDeltaError
  2. Lookup errors - NotFoundError
  3. Integrity errors - UnknownRankError (dangling rank reference),
     CorruptRecordError (unreadable stored field)
  4. Store errors - ErrConcurrentModification, ErrDuplicateIdempotencyKey

USAGE:
  Callers match with errors.Is on the sentinels or errors.As on the
  structured types:

    if errors.Is(err, engine.ErrConflict) {
        // request already reviewed
    }

SEE ALSO:
  - api/handlers.go: Maps these errors onto HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (non-positive points, empty reason).
	ErrValidation = errors.New("validation failed")

	// ErrPermission is returned when the caller may not act on the target.
	ErrPermission = errors.New("permission denied")

	// ErrNotFound is returned for unknown member/request ids.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a deduction request is no longer pending.
	ErrConflict = errors.New("conflict")

	// ErrUnknownRank is returned for dangling or retired rank references.
	// Rank ids supplied by a caller are wrapped in a ValidationError.
	ErrUnknownRank = errors.New("unknown rank")

	// ErrInvalidDelta is returned when a ledger mutation is rejected.
	ErrInvalidDelta = errors.New("invalid delta")

	// ErrConcurrentModification is returned when the store's version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is returned when an event with the same key
	// was already applied. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidRankTable is returned when rank definitions are inconsistent.
	ErrInvalidRankTable = errors.New("invalid rank table")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
	Err     error // optional underlying cause
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

type PermissionError struct {
	ActorID string
	Action  string
	Target  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s may not %s %s", e.ActorID, e.Action, e.Target)
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

type NotFoundError struct {
	Kind string // "member", "request", "rank"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is returned when reviewing a request that was already
// resolved, or when an idempotency key is reused for a different request.
type ConflictError struct {
	RequestID RequestID
	Status    RequestStatus
	Message   string // set for key reuse
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request %s: %s", e.RequestID, e.Message)
	}
	return fmt.Sprintf("request %s already %s", e.RequestID, e.Status)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type UnknownRankError struct {
	RankID  RankID
	Retired bool
}

func (e *UnknownRankError) Error() string {
	if e.Retired {
		return fmt.Sprintf("rank %s is retired", e.RankID)
	}
	return fmt.Sprintf("unknown rank: %s", e.RankID)
}

func (e *UnknownRankError) Unwrap() error { return ErrUnknownRank }

type InvalidDeltaError struct {
	MemberID MemberID
	Message  string
}

func (e *InvalidDeltaError) Error() string {
	return fmt.Sprintf("invalid delta for %s: %s", e.MemberID, e.Message)
}

func (e *InvalidDeltaError) Unwrap() error { return ErrInvalidDelta }

// CorruptRecordError names the stored field that failed to decode.
type CorruptRecordError struct {
	Kind  string // "member", "request", "maintenance_state"
	ID    string
	Field string
	Err   error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt %s %s: %s: %v", e.Kind, e.ID, e.Field, e.Err)
}

func (e *CorruptRecordError) Unwrap() []error { return []error{ErrCorruptRecord, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidDelta) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsIntegrityError returns true for data-integrity faults the caller should
// log and refuse to proceed on. An unknown rank id supplied by a caller is a
// validation failure and does not count.
func IsIntegrityError(err error) bool {
	if errors.Is(err, ErrValidation) {
		return false
	}
	return errors.Is(err, ErrUnknownRank) ||
		errors.Is(err, ErrInvalidRankTable) ||
		errors.Is(err, ErrCorruptRecord)
}
