// Package apperror defines the error kinds shared across the session
// manager, chunk store, realtime broker, and download endpoint, so every
// layer can translate a failure into the same wire-facing code regardless
// of which component raised it.
package apperror

import "errors"

// Kind identifies a class of failure independent of transport.
type Kind string

const (
	KindNotInSession       Kind = "NOT_IN_SESSION"
	KindSessionNotFound    Kind = "SESSION_NOT_FOUND"
	KindInvalidPassphrase  Kind = "INVALID_PASSPHRASE"
	KindAuthRequired       Kind = "AUTH_REQUIRED"
	KindInvalidToken       Kind = "INVALID_TOKEN"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
	KindContentNotFound    Kind = "CONTENT_NOT_FOUND"
	KindGone               Kind = "GONE"
	KindBadRequest         Kind = "BAD_REQUEST"
	KindPinLimitExceeded   Kind = "PIN_LIMIT_EXCEEDED"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Error pairs a Kind with a human-readable message. Callers compare against
// Kind via As/errors.As rather than matching strings.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind that chains to cause via errors.Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for any
// error that isn't one of ours — the propagation policy requires unexpected
// errors to surface as opaque internal errors, never leak internals.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
