// Package apperr defines the error kinds shared across Shelltender's
// components. Errors carry a stable Kind so callers on a WebSocket
// connection or HTTP handler can translate them into the correct wire
// response without string-matching messages.
package apperr

import "fmt"

// Kind identifies the category of a Shelltender error.
type Kind string

const (
	InvalidMessage       Kind = "InvalidMessage"
	UnknownMessageType   Kind = "UnknownMessageType"
	SessionNotFound      Kind = "SessionNotFound"
	SessionAlreadyExists Kind = "SessionAlreadyExists"
	ShellNotFound        Kind = "ShellNotFound"
	PtySpawnFailed       Kind = "PtySpawnFailed"
	PatternCompileError  Kind = "PatternCompileError"
	AuthFailed           Kind = "AuthFailed"
	PayloadTooLarge      Kind = "PayloadTooLarge"
	RateLimited          Kind = "RateLimited"
	StorageError         Kind = "StorageError"
	InternalError        Kind = "InternalError"
)

// Error is Shelltender's structured error type. It implements the error
// interface and carries enough context for a caller to build a wire-level
// error frame without re-parsing a message string.
type Error struct {
	Kind      Kind
	Message   string
	SessionID string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithSession returns a copy of the error annotated with a session id.
func (e *Error) WithSession(sessionID string) *Error {
	cp := *e
	cp.SessionID = sessionID
	return &cp
}

// WithRequest returns a copy of the error annotated with a request id.
func (e *Error) WithRequest(requestID string) *Error {
	cp := *e
	cp.RequestID = requestID
	return &cp
}

// KindOf extracts the Kind from an error, defaulting to InternalError for
// errors that did not originate from this package.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return InternalError
}
