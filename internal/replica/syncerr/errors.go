// Package syncerr defines the error taxonomy shared by the replica, its
// transports and the hub.
package syncerr

import (
	"errors"
	"fmt"

	"github.com/platelet-app/dispatchsync/internal/replica/schema"
)

// Failure classes for submitted mutations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, syncerr.ErrValidationRejected) {
//	    // show the reason to the user, the write was reverted
//	}
var (
	// ErrTransientNetwork is returned when a submission could not reach the
	// hub or the hub was temporarily unable to answer. It is retried with
	// backoff.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrValidationRejected is returned when the hub refuses the payload.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrEntityDeleted is returned when the target entity no longer exists,
	// either on the hub or because it was deleted locally while the mutation
	// was still queued.
	ErrEntityDeleted = errors.New("entity deleted")

	// ErrConflictStale is returned when the hub reports a version conflict.
	// The local mutation is discarded and the hub's snapshot adopted.
	ErrConflictStale = errors.New("stale version conflict")

	// ErrCancelled is returned to the caller of a mutation that was removed
	// from the queue before it was sent.
	ErrCancelled = errors.New("mutation cancelled")
)

// Wire codes for the failure classes.
const (
	CodeTransient  = "transient"
	CodeValidation = "validation"
	CodeDeleted    = "deleted"
	CodeConflict   = "conflict"
)

// Error is a classified failure for one entity. It matches its Kind with
// errors.Is and also unwraps to the underlying cause, if any.
type Error struct {
	Kind     error
	Key      schema.Key
	Reason   string
	Snapshot *schema.Entity
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Key.ID != "" {
		msg = fmt.Sprintf("%s: %s", e.Key, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an *Error of the given kind.
func New(kind error, key schema.Key, reason string) *Error {
	return &Error{Kind: kind, Key: key, Reason: reason}
}

// Transient wraps err as a retryable network failure.
func Transient(key schema.Key, err error) *Error {
	return &Error{Kind: ErrTransientNetwork, Key: key, Err: err}
}

// Conflict returns a ConflictStale error carrying the hub's current state.
func Conflict(key schema.Key, reason string, snapshot *schema.Entity) *Error {
	return &Error{Kind: ErrConflictStale, Key: key, Reason: reason, Snapshot: snapshot}
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	return err != nil && errors.Is(err, ErrTransientNetwork)
}

// IsTerminal returns true if retrying the mutation cannot help.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrValidationRejected) ||
		errors.Is(err, ErrEntityDeleted) ||
		errors.Is(err, ErrConflictStale) ||
		errors.Is(err, ErrCancelled)
}

// SnapshotOf returns the hub snapshot attached to err, if any.
func SnapshotOf(err error) (*schema.Entity, bool) {
	var se *Error
	if errors.As(err, &se) && se.Snapshot != nil {
		return se.Snapshot, true
	}
	return nil, false
}

// Code returns the wire code for err. Unclassified errors map to transient.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidationRejected):
		return CodeValidation
	case errors.Is(err, ErrEntityDeleted):
		return CodeDeleted
	case errors.Is(err, ErrConflictStale):
		return CodeConflict
	default:
		return CodeTransient
	}
}

// FromRejection rebuilds a classified error from a hub rejection body.
func FromRejection(key schema.Key, r schema.Rejection) *Error {
	var kind error
	switch r.Code {
	case CodeValidation:
		kind = ErrValidationRejected
	case CodeDeleted:
		kind = ErrEntityDeleted
	case CodeConflict:
		kind = ErrConflictStale
	default:
		kind = ErrTransientNetwork
	}
	return &Error{Kind: kind, Key: key, Reason: r.Reason, Snapshot: r.Snapshot}
}

// Rejection converts err into a hub rejection body.
func Rejection(err error) schema.Rejection {
	r := schema.Rejection{Code: Code(err), Reason: err.Error()}
	var se *Error
	if errors.As(err, &se) {
		if se.Reason != "" {
			r.Reason = se.Reason
		}
		r.Snapshot = se.Snapshot
	}
	return r
}
