package sanitize

import (
	"errors"
	"fmt"

	"github.com/free-radical/zeroveil/internal/scope"
)

// Sentinel errors. Typed errors below match them through errors.Is.
// No error in this package ever carries an original sensitive value.
var (
	// ErrDetector marks any failure of the span detector: the recognizer
	// was unavailable or returned malformed output.
	ErrDetector = errors.New("sanitize: detector failure")

	// ErrRecognizerUnavailable is returned by detectors whose backing
	// recognizer cannot be reached. It also matches ErrDetector.
	ErrRecognizerUnavailable = fmt.Errorf("%w: recognizer unavailable", ErrDetector)

	// ErrResolverViolation marks candidate spans with invalid bounds.
	ErrResolverViolation = errors.New("sanitize: invalid span from detector")

	// ErrConsistency marks an internal self-check failure.
	ErrConsistency = errors.New("sanitize: internal consistency failure")

	// ErrScopeExpired is returned when a scope was released or its TTL ran out.
	ErrScopeExpired = scope.ErrExpired

	// ErrScopeNotFound is returned for scope handles that were never issued.
	ErrScopeNotFound = scope.ErrNotFound

	// ErrModeMismatch is returned when a scrub reuses a scope created in the
	// other mode.
	ErrModeMismatch = errors.New("sanitize: scope mode mismatch")
)

// DetectorError wraps a failure reported by a Detector.
type DetectorError struct {
	Err error
}

func (e *DetectorError) Error() string { return "sanitize: detect: " + e.Err.Error() }

func (e *DetectorError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDetector.
func (e *DetectorError) Is(target error) bool { return target == ErrDetector }

// ViolationError describes a candidate span that breaks the detector
// contract. It references offsets and category only.
type ViolationError struct {
	Index    int // position in the candidate list
	Start    int
	End      int
	Category Category
	Reason   string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sanitize: candidate %d (%s) [%d,%d): %s", e.Index, e.Category, e.Start, e.End, e.Reason)
}

// Is reports whether target is ErrResolverViolation or ErrDetector: a bad
// span is a detector fault, not a resolver fault.
func (e *ViolationError) Is(target error) bool {
	return target == ErrResolverViolation || target == ErrDetector
}

// ConsistencyError reports a Rewriter length self-check failure.
type ConsistencyError struct {
	Want  int // len(original) - Σspan + Σtoken
	Got   int // length actually produced
	Spans int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("sanitize: length mismatch after rewrite: want %d bytes, got %d (%d spans)", e.Want, e.Got, e.Spans)
}

// Is reports whether target is ErrConsistency.
func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

// Exit codes for command-line front ends.
const (
	ExitOK          = 0
	ExitDetection   = 1
	ExitScope       = 2
	ExitConsistency = 3
	ExitOther       = 4
)

// ExitCode maps an error returned by the Engine to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConsistency):
		return ExitConsistency
	case errors.Is(err, ErrDetector), errors.Is(err, ErrResolverViolation):
		return ExitDetection
	case errors.Is(err, ErrScopeExpired), errors.Is(err, ErrScopeNotFound):
		return ExitScope
	default:
		return ExitOther
	}
}
