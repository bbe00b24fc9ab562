// Package recoerr defines the error taxonomy shared across the
// reconstruction pipeline: a small closed set of kinds, each with a
// fixed propagation rule (fatal-at-init, per-track, per-event, or
// clean end-of-run).
package recoerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the pipeline must react to it.
type Kind int

const (
	// ConfigError marks a missing/invalid config key or an inconsistent
	// combination (e.g. both absolute and relative cut set). Fatal at init.
	ConfigError Kind = iota
	// MissingReference marks a dangling Cluster→Pixel or Track→Cluster
	// reference. Fatal for the operation; the track is skipped.
	MissingReference
	// TrackFitError marks a singular matrix in LSQ, or a non-zero GBL
	// solver status. Per-track: the track is left unfitted and skipped
	// by downstream modules.
	TrackFitError
	// InterceptOutsideCoverage marks an extrapolation request for z beyond
	// the outermost plane. Non-fatal: resolved by linear extrapolation.
	InterceptOutsideCoverage
	// BufferStale marks a pixel popped from the ingest buffer older than
	// the event start. Counted and dropped.
	BufferStale
	// UnknownMessage marks an unrecognized raw stream record type. Counted,
	// not fatal.
	UnknownMessage
	// EndOfFile marks a clean, expected exhaustion of an input stream.
	EndOfFile
	// EventAlreadyDefined marks an attempt to redefine the current event
	// on a Clipboard that already has one. Programming error; fatal.
	EventAlreadyDefined
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case MissingReference:
		return "MissingReference"
	case TrackFitError:
		return "TrackFitError"
	case InterceptOutsideCoverage:
		return "InterceptOutsideCoverage"
	case BufferStale:
		return "BufferStale"
	case UnknownMessage:
		return "UnknownMessage"
	case EndOfFile:
		return "EndOfFile"
	case EventAlreadyDefined:
		return "EventAlreadyDefined"
	default:
		return "Unknown"
	}
}

// Fatal reports whether errors of this kind must abort the run rather
// than being counted and continued past.
func (k Kind) Fatal() bool {
	switch k {
	case ConfigError, EventAlreadyDefined:
		return true
	default:
		return false
	}
}

// Error is the concrete error type carried through the pipeline. It
// always knows its Kind so callers can branch with errors.As instead
// of string matching.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's kind.
func (e *Error) Kind() Kind { return e.kind }

// KindOf extracts the Kind from err, returning ok=false if err is not
// (or does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}
