// Package cerrors defines a small set of error kinds as sentinel values and
// a wrapping struct, checked with errors.Is/errors.As at the call sites
// that need to distinguish recoverable from fatal failures.
package cerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of recovery policy.
type Kind string

const (
	KindConfig Kind = "ConfigError"
	KindAccessDenied Kind = "AccessDenied"
	KindValidation Kind = "ValidationError"
	KindProvider Kind = "ProviderError"
	KindSandbox Kind = "SandboxError"
	KindTransientIO Kind = "TransientIOError"
	KindFatal Kind = "Fatal"
)

// Error is the concrete type behind every sentinel below.
type Error struct {
	Kind Kind
	Message string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, cerrors.AccessDenied) match any *Error of the same
// Kind regardless of message/wrapped error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given kind wrapping err (which may be nil).
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinels usable with errors.Is for a bare kind check, e.g.
// errors.Is(err, cerrors.AccessDenied).
var (
	AccessDenied = &Error{Kind: KindAccessDenied}
	Config = &Error{Kind: KindConfig}
	Validation = &Error{Kind: KindValidation}
	Provider = &Error{Kind: KindProvider}
	Sandbox = &Error{Kind: KindSandbox}
	TransientIO = &Error{Kind: KindTransientIO}
	Fatal = &Error{Kind: KindFatal}
)

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
