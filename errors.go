package scout

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to classify wrapped failures.
var (
	// ErrInvariantViolation marks an internal logic bug: a mutation that would
	// break quota, ordering, iteration or termination guarantees. It is never
	// recovered; the session aborts with it.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrMalformedDecision marks an oracle proposal that cannot be turned into
	// a valid action (unknown capability, bad arguments, empty proposal) or an
	// oracle call that failed outright.
	ErrMalformedDecision = errors.New("malformed decision")

	// ErrEmptyOrAmbiguousArtifact marks a synthesis response that did not
	// populate exactly one recognized report shape.
	ErrEmptyOrAmbiguousArtifact = errors.New("empty or ambiguous artifact")

	// ErrUnknownSession is returned by the Manager for ids it never issued.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNoProvider is returned when no oracle provider can be resolved.
	ErrNoProvider = errors.New("no provider configured: set via context, component-level, or global")
)

// invariantf builds an ErrInvariantViolation with detail.
func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// MalformedDecisionError carries the reason an oracle proposal was rejected.
type MalformedDecisionError struct {
	Reason string
	Err    error
}

func (e *MalformedDecisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed decision: %s: %v", e.Reason, e.Err)
	}
	return "malformed decision: " + e.Reason
}

// Is reports ErrMalformedDecision so callers can match with errors.Is.
func (e *MalformedDecisionError) Is(target error) bool {
	return target == ErrMalformedDecision
}

func (e *MalformedDecisionError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) *MalformedDecisionError {
	return &MalformedDecisionError{Reason: reason, Err: err}
}

// CapabilityErrorKind classifies capability failures.
type CapabilityErrorKind string

// Capability failure kinds.
const (
	CapabilityTimeout     CapabilityErrorKind = "timeout"
	CapabilityUpstream    CapabilityErrorKind = "upstream"
	CapabilityInvalidArgs CapabilityErrorKind = "invalid-args"
)

// CapabilityError is a capability-level failure. It is recorded in the
// transcript as a failed attempt and never aborts a session.
type CapabilityError struct {
	Kind       CapabilityErrorKind
	Capability string
	Err        error
}

func (e *CapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capability %s: %s: %v", e.Capability, e.Kind, e.Err)
	}
	return fmt.Sprintf("capability %s: %s", e.Capability, e.Kind)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// InvalidArgs builds a CapabilityError a capability can return to reject its
// arguments.
func InvalidArgs(format string, args ...any) *CapabilityError {
	return &CapabilityError{Kind: CapabilityInvalidArgs, Err: fmt.Errorf(format, args...)}
}

// artifactError describes why a synthesis response was rejected.
type artifactError struct {
	shapes int
	detail string
}

func (e *artifactError) Error() string {
	return fmt.Sprintf("%s: %s (%d recognized shapes)", ErrEmptyOrAmbiguousArtifact, e.detail, e.shapes)
}

func (e *artifactError) Is(target error) bool {
	return target == ErrEmptyOrAmbiguousArtifact
}
