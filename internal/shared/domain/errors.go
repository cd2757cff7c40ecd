package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by every bounded context. Match them with errors.Is.
var (
	// ErrTransport covers network failures and timeouts against external systems. Retryable.
	ErrTransport = errors.New("transport error")
	// ErrAuth means credentials were rejected after the transparent re-authentication.
	ErrAuth = errors.New("authentication error")
	// ErrNotFound is expected and drives create-vs-extend branching.
	ErrNotFound = errors.New("not found")
	// ErrConflict is a ledger uniqueness violation.
	ErrConflict = errors.New("conflict")
	// ErrValidation marks a malformed external payload.
	ErrValidation = errors.New("validation error")
)

// Error is a classified failure of a named operation.
type Error struct {
	Kind error
	Op   string
	Err  error
}

// NewError classifies err under kind for operation op.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// TransportError wraps err as a transport failure.
func TransportError(op string, err error) error { return NewError(ErrTransport, op, err) }

// AuthError wraps err as an authentication failure.
func AuthError(op string, err error) error { return NewError(ErrAuth, op, err) }

// NotFoundError reports a missing resource.
func NotFoundError(op string, err error) error { return NewError(ErrNotFound, op, err) }

// ConflictError wraps err as a uniqueness conflict.
func ConflictError(op string, err error) error { return NewError(ErrConflict, op, err) }

// ValidationError reports a malformed input.
func ValidationError(op string, err error) error { return NewError(ErrValidation, op, err) }

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// KindOf returns the taxonomy sentinel carried by err, or nil.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrAuth, ErrTransport} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
