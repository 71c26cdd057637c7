// Package sdkentrepot holds the cross-cutting pieces of the Entrepôt
// Géoplateforme client SDK, primarily the SDK-level error shared by all
// of its layers.
package sdkentrepot

import (
	"fmt"
)

// Error is the general SDK failure: retry exhaustion, unreachable
// server, malformed URL, unexpected server shape. Message is
// human-readable and part of the contract exposed to callers.
type Error struct {
	Message string
	cause   error
}

// Errorf builds an *Error the way fmt.Errorf would.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error keeping the given cause for errors.Is
// and errors.As.
func WrapError(cause error, format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), cause: cause}
}

// Error implements error.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the optional cause.
func (e *Error) Unwrap() error {
	return e.cause
}
