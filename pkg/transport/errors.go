package transport

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes transport failures.
type ErrorKind string

const (
	// ErrConnection means the duplex channel could not be established.
	ErrConnection ErrorKind = "connection_error"
	// ErrSend means a write failed on a live connection.
	ErrSend ErrorKind = "send_error"
	// ErrTimeout means no inbound frame arrived within the caller's budget.
	ErrTimeout ErrorKind = "timeout_error"
	// ErrClosed means the connection is gone (peer close or local teardown).
	ErrClosed ErrorKind = "connection_closed"
)

// Error is a typed transport failure.
type Error struct {
	Kind    ErrorKind
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

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func isKind(err error, kind ErrorKind) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == kind
}

// IsTimeout reports whether err is a receive-timeout failure.
func IsTimeout(err error) bool { return isKind(err, ErrTimeout) }

// IsClosed reports whether err means the connection is gone.
func IsClosed(err error) bool { return isKind(err, ErrClosed) }

// IsConnection reports whether err is a connect/handshake failure.
func IsConnection(err error) bool { return isKind(err, ErrConnection) }

// IsSend reports whether err is a write failure.
func IsSend(err error) bool { return isKind(err, ErrSend) }
