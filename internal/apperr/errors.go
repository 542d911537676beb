// Package apperr defines the error taxonomy shared by the store, the
// resolver, the signer and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindUnauthorized      Kind = "unauthorized"
	KindInvalidKey        Kind = "invalid_key"
	KindInvalidPrincipals Kind = "invalid_principals"
	KindSigningFailure    Kind = "signing_failure"
	KindInvalid           Kind = "invalid_request"
)

// Sentinels usable with errors.Is.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrInvalidKey        = &Error{Kind: KindInvalidKey}
	ErrInvalidPrincipals = &Error{Kind: KindInvalidPrincipals}
	ErrSigningFailure    = &Error{Kind: KindSigningFailure}
	ErrInvalid           = &Error{Kind: KindInvalid}
)

// Error is a typed failure with a caller-facing detail message.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) error { return newf(KindConflict, format, args...) }
func Unauthorized(format string, args ...any) error {
	return newf(KindUnauthorized, format, args...)
}
func InvalidKey(format string, args ...any) error { return newf(KindInvalidKey, format, args...) }
func InvalidPrincipals(format string, args ...any) error {
	return newf(KindInvalidPrincipals, format, args...)
}
func Invalid(format string, args ...any) error { return newf(KindInvalid, format, args...) }

// SigningFailure wraps a cryptographic or key error.
func SigningFailure(err error, format string, args ...any) error {
	e := newf(KindSigningFailure, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, or "" when err carries no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// DetailOf returns the caller-facing message for err.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return ""
}
