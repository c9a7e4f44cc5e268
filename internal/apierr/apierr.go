// Package apierr defines a small set of error kinds with an HTTP status
// mapping, so handlers can respond `{ok:false, error}` without
// re-deriving status codes at each call site.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status mapping and sentinel checks.
type Kind string

const (
	InvalidInput      Kind = "invalid_input"
	PortBusy          Kind = "port_busy"
	PortUnreachable   Kind = "port_unreachable"
	SpawnFailed       Kind = "spawn_failed"
	PatternInvalid    Kind = "pattern_invalid"
	DeviceUnreachable Kind = "device_unreachable"
	Fatal             Kind = "fatal"
)

var statusByKind = map[Kind]int{
	InvalidInput:      http.StatusBadRequest,
	PortBusy:          http.StatusConflict,
	PortUnreachable:   http.StatusNotFound,
	SpawnFailed:       http.StatusInternalServerError,
	PatternInvalid:    http.StatusBadRequest,
	DeviceUnreachable: http.StatusBadGateway,
	Fatal:             http.StatusInternalServerError,
}

// Error is a Kind-tagged error carrying the message surfaced to clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind, wrapping a lower-level cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Status returns the HTTP status code for err, defaulting to 500 for
// errors that don't carry a Kind.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := statusByKind[e.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// Is reports whether err (or a wrapped cause) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
