package types

import (
	"errors"
	"fmt"
)

// ErrKind classifies the failures a backend or RPC can report.
type ErrKind string

const (
	ErrNone             ErrKind = ""
	ErrNotFound         ErrKind = "not_found"
	ErrAlreadyExists    ErrKind = "already_exists"
	ErrInvalid          ErrKind = "invalid"
	ErrPermissionDenied ErrKind = "permission_denied"
	ErrUnsupported      ErrKind = "unsupported"
	ErrEmpty            ErrKind = "empty"
	ErrIO               ErrKind = "io"
	ErrInternal         ErrKind = "internal"
)

// Result is the envelope returned by every backend operation and RPC.
// Either Success is true and Value holds the payload, or Success is false
// and Kind/Error describe what went wrong.
type Result[T any] struct {
	Success bool    `json:"success"`
	Kind    ErrKind `json:"kind,omitempty"`
	Error   string  `json:"error,omitempty"`
	Value   T       `json:"value,omitempty"`
}

// Ok builds a successful envelope carrying value.
func Ok[T any](value T) Result[T] {
	return Result[T]{Success: true, Value: value}
}

// Err builds a failed envelope with the given kind and message.
func Err[T any](kind ErrKind, msg string) Result[T] {
	return Result[T]{Success: false, Kind: kind, Error: msg}
}

// Errf builds a failed envelope with a formatted message.
func Errf[T any](kind ErrKind, format string, args ...any) Result[T] {
	return Result[T]{Success: false, Kind: kind, Error: fmt.Sprintf(format, args...)}
}

// FromError wraps a Go error into a failed envelope, preserving the kind
// when err is an *Error.
func FromError[T any](err error) Result[T] {
	var e *Error
	if errors.As(err, &e) {
		return Err[T](e.ErrKind, e.Message)
	}
	return Err[T](ErrInternal, err.Error())
}

// Err converts a failed envelope into a Go error; nil if the envelope is ok.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	kind := r.Kind
	if kind == ErrNone {
		kind = ErrInternal
	}
	return &Error{ErrKind: kind, Message: r.Error}
}

// Error is the typed error surfaced by client handles when an RPC
// returns a failed envelope.
type Error struct {
	ErrKind ErrKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Kind reports the error classification.
func (e *Error) Kind() ErrKind {
	return e.ErrKind
}

// Kind extracts the ErrKind from any error, ErrInternal if it does not
// carry one.
func Kind(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrKind
	}
	return ErrInternal
}
