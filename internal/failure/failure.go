// Package failure defines the error taxonomy shared by every hub and worker.
//
// A failure carries a Kind that decides how it is handled: retried with
// backoff, parked for a human, escalated, or rejected back to a producer.
// Hub-local failures never cross the hub boundary except as an ErrorRecord
// built from one of these values.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes a failure for retry and escalation decisions.
type Kind string

const (
	// TransientExternal is retried with backoff.
	TransientExternal Kind = "transient_external"
	// ValidationFailure is not retryable and requires correction upstream.
	ValidationFailure Kind = "validation_failure"
	// AmbiguityConflict requires human resolution and is parked.
	AmbiguityConflict Kind = "ambiguity_conflict"
	// StaleData requires a re-fetch before the retry.
	StaleData Kind = "stale_data"
	// ProofGenerationFailure is fatal to the triggering transition.
	ProofGenerationFailure Kind = "proof_generation_failure"
	// CapacityExceeded signals backpressure to the producer.
	CapacityExceeded Kind = "capacity_exceeded"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{
	TransientExternal,
	ValidationFailure,
	AmbiguityConflict,
	StaleData,
	ProofGenerationFailure,
	CapacityExceeded,
}

// Severity levels stamped into error records.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Error is a classified failure.
type Error struct {
	// Kind decides retry, park and escalation behavior.
	Kind Kind

	// Code is a stable machine-readable failure code, e.g. "METRIC_CRITICAL".
	Code string

	// Message is a human-readable description.
	Message string

	// Hub identifies the hub the failure belongs to, if any.
	Hub string

	// EntityID identifies the affected entity, if known.
	EntityID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
	if e.Hub != "" {
		msg += fmt.Sprintf(" (hub=%s)", e.Hub)
	}
	if e.EntityID != "" {
		msg += fmt.Sprintf(" (entity=%s)", e.EntityID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified failure without an underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, code string, err error) *Error {
	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// WithHub returns a copy bound to a hub.
func (e *Error) WithHub(hub string) *Error {
	c := *e
	c.Hub = hub
	return &c
}

// WithEntity returns a copy bound to an entity.
func (e *Error) WithEntity(entityID string) *Error {
	c := *e
	c.EntityID = entityID
	return &c
}

// KindOf returns the kind of a classified error.
// Uses errors.As to handle wrapped errors.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err is a classified failure of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Classify returns the kind of err. Deadlines and unclassified errors are
// transient; cancellation is reported as capacity so the caller backs off.
func Classify(err error) Kind {
	if k, ok := KindOf(err); ok {
		return k
	}
	if errors.Is(err, context.Canceled) {
		return CapacityExceeded
	}
	return TransientExternal
}

// CodeOf returns the failure code of err, or "UNCLASSIFIED".
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	return "UNCLASSIFIED"
}

// Retryable reports whether failures of this kind may be retried.
func Retryable(kind Kind) bool {
	switch kind {
	case TransientExternal, StaleData, CapacityExceeded:
		return true
	default:
		return false
	}
}

// Severity returns the default severity of a kind.
func Severity(kind Kind) string {
	switch kind {
	case ProofGenerationFailure:
		return SeverityCritical
	case ValidationFailure:
		return SeverityHigh
	case AmbiguityConflict, TransientExternal:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown failure kind %q", s)
}
