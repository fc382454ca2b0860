package platform

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an adapter failure so callers can decide whether to
// retry, re-authenticate, or surface the failure as final.
type ErrorKind string

const (
	// ErrKindValidation marks a malformed or incomplete request. Never retried.
	ErrKindValidation ErrorKind = "VALIDATION"
	// ErrKindAuthentication marks rejected or expired API credentials.
	ErrKindAuthentication ErrorKind = "AUTHENTICATION"
	// ErrKindSessionInvalid marks a browser session the platform no longer
	// accepts. Recovery requires a fresh interactive capture, not a retry.
	ErrKindSessionInvalid ErrorKind = "SESSION_INVALID"
	// ErrKindRateLimit marks a platform throttle response. Retried with backoff.
	ErrKindRateLimit ErrorKind = "RATE_LIMIT"
	// ErrKindUnsupported marks an operation the platform cannot perform.
	ErrKindUnsupported ErrorKind = "UNSUPPORTED_OPERATION"
	// ErrKindEncryption marks a vault failure (bad master secret, tampered
	// record). Fails closed, never retried.
	ErrKindEncryption ErrorKind = "ENCRYPTION"
	// ErrKindTransient marks a network-level or upstream 5xx failure.
	ErrKindTransient ErrorKind = "TRANSIENT_NETWORK"
	// ErrKindInternal is the fallback for unclassified failures.
	ErrKindInternal ErrorKind = "INTERNAL"
)

// Error is a classified adapter error.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from err, defaulting to INTERNAL.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindInternal
}

// Retryable reports whether the failure class is worth retrying with backoff.
// Authentication, session and validation failures are final for the attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrKindRateLimit, ErrKindTransient:
		return true
	}
	return false
}
