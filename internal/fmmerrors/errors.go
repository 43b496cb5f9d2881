// Package fmmerrors classifies solve failures into three classes: invariant
// violations, transport/collective failures, and numerical
// quality issues (which never fail the solve, only degrade its accuracy).
package fmmerrors

import (
	"errors"
	"fmt"
)

// Class categorizes an Error.
type Class string

const (
	// ClassInvariant marks a corrupted internal structure (destination rank
	// out of range, inconsistent child counts, negative displacement). The
	// design calls for aborting the whole SPMD job, since a single
	// divergent rank corrupts collective state.
	ClassInvariant Class = "invariant"

	// ClassTransport marks a failed collective; there are no retries.
	ClassTransport Class = "transport"

	// ClassNumerical marks a quality issue (e.g. a reported L2 error) that
	// is informational only and never aborts a solve.
	ClassNumerical Class = "numerical"
)

// Error is a classified, rank-tagged solve failure.
type Error struct {
	Class Class
	Rank  int
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rank %d: %s (%s): %v", e.Rank, e.Msg, e.Class, e.Cause)
	}
	return fmt.Sprintf("rank %d: %s (%s)", e.Rank, e.Msg, e.Class)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Invariant builds a ClassInvariant error, fatal to the whole job.
func Invariant(rank int, msg string) *Error {
	return &Error{Class: ClassInvariant, Rank: rank, Msg: msg}
}

// Transport wraps a failed collective operation as ClassTransport.
func Transport(rank int, msg string, cause error) *Error {
	return &Error{Class: ClassTransport, Rank: rank, Msg: msg, Cause: cause}
}

// Fatal reports whether an error must abort the whole SPMD job rather than
// being treated as recoverable.
func Fatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Class == ClassInvariant || e.Class == ClassTransport
}
