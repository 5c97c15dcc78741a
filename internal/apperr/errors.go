// Package apperr defines the error taxonomy shared by the auth and friends
// controllers. Callers match kinds with errors.Is and read the client-safe
// message with Message.
package apperr

import "errors"

var (
	ErrValidation      = errors.New("validation error")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInternal        = errors.New("internal error")
)

// Error is a taxonomy error with a message that is safe to show to clients.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// New returns an *Error of the given kind.
func New(kind error, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Validation(msg string) error      { return New(ErrValidation, msg) }
func Unauthenticated(msg string) error { return New(ErrUnauthenticated, msg) }
func Conflict(msg string) error        { return New(ErrConflict, msg) }
func NotFound(msg string) error        { return New(ErrNotFound, msg) }
func Forbidden(msg string) error       { return New(ErrForbidden, msg) }

// Message returns the client-safe message carried by err, or fallback when
// err is not a taxonomy error (driver text never reaches the client).
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != ErrInternal {
		return e.Message
	}
	return fallback
}
