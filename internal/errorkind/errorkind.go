// Package errorkind defines the error taxonomy shared by every tile-source
// driver and the HTTP surface, so a single switch maps failures to status
// codes instead of each handler inventing its own.
package errorkind

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the error-handling design.
type Kind string

const (
	UserInput     Kind = "UserInput"
	NotFound      Kind = "NotFound"
	EmptyTile     Kind = "EmptyTile"
	Upstream      Kind = "Upstream"
	RenderFailed  Kind = "RenderFailed"
	Timeout       Kind = "Timeout"
	Overload      Kind = "Overload"
	ConfigInvalid Kind = "ConfigInvalid"
	Fatal         Kind = "Fatal"
)

// Error wraps an underlying cause with a taxonomy Kind and a message that is
// safe to return to clients verbatim (no stack traces, no SQL fragments).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a taxonomy error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind and safe message to an underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts a *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to Fatal when err does not
// carry taxonomy information (a programmer error we still must not panic on).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Fatal
}
