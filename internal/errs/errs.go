// Package errs defines the error kind taxonomy shared by the Request
// Worker, the Agent Runtime, and the file operation handlers. Kinds are
// sentinel errors wrapped with context via fmt.Errorf("...: %w", ...),
// matching the plain-error style the teacher uses throughout pkg/queue.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of error classes raised by the control plane.
type Kind string

const (
	KindNotAvailable Kind = "not_available"
	KindInvalidPath  Kind = "invalid_path"
	KindTooLarge     Kind = "too_large"
	KindNotFound     Kind = "not_found"
	KindKind         Kind = "kind"
	KindTimeout      Kind = "timeout"
	KindCancelled    Kind = "cancelled"
	KindRuntime      Kind = "runtime"
	KindModelParse   Kind = "model_parse"
)

// Sentinel errors for errors.Is comparisons.
var (
	ErrNotAvailable = errors.New("sandbox not available")
	ErrInvalidPath  = errors.New("invalid path")
	ErrTooLarge     = errors.New("file too large")
	ErrNotFound     = errors.New("not found")
	ErrKind         = errors.New("operation incompatible with entry kind")
	ErrTimeout      = errors.New("deadline exceeded")
	ErrCancelled    = errors.New("cancelled")
	ErrRuntime      = errors.New("container runtime error")
	ErrModelParse   = errors.New("model output could not be parsed")
)

var sentinelByKind = map[Kind]error{
	KindNotAvailable: ErrNotAvailable,
	KindInvalidPath:  ErrInvalidPath,
	KindTooLarge:     ErrTooLarge,
	KindNotFound:     ErrNotFound,
	KindKind:         ErrKind,
	KindTimeout:      ErrTimeout,
	KindCancelled:    ErrCancelled,
	KindRuntime:      ErrRuntime,
	KindModelParse:   ErrModelParse,
}

// Error carries a Kind alongside a human-readable reason, so callers can
// both errors.Is against the sentinel and surface Reason verbatim.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinelByKind[e.Kind]
}

// Is reports whether target is the sentinel for e's Kind, so a Wrap'd
// error matches its kind's sentinel as well as the error it wraps.
func (e *Error) Is(target error) bool {
	return target == sentinelByKind[e.Kind]
}

// New builds a typed Error for the given kind and human-readable reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds a typed Error for the given kind, wrapping an underlying error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Reason: err.Error(), Err: err}
}

// Newf is a convenience constructor with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Is reports whether err's Kind matches kind, either directly or via
// errors.Is against the kind's sentinel.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return errors.Is(err, sentinelByKind[kind])
}
