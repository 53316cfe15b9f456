package chat

import "errors"

// Sentinel errors returned by Service.Connect and Session.Receive.
var (
	// ErrUnauthenticated is returned when the connection carries no usable
	// identity. Nothing has been written when it is returned.
	ErrUnauthenticated = errors.New("chat: unauthenticated")

	// ErrInvalidTarget is returned when the requested conversation name is
	// malformed or does not involve the caller.
	ErrInvalidTarget = errors.New("chat: invalid target")

	// ErrNotMember is returned when the caller connects to a group it does
	// not belong to.
	ErrNotMember = errors.New("chat: not a member")

	// ErrRedirected is returned by Connect after a redirect frame has been
	// queued. The caller must close the connection once it is flushed.
	ErrRedirected = errors.New("chat: redirected")

	// ErrShuttingDown is returned by Connect once Drain has been called.
	ErrShuttingDown = errors.New("chat: shutting down")

	// ErrUnknownEvent and ErrInvalidEvent classify inbound frames that could
	// not be decoded.
	ErrUnknownEvent = errors.New("chat: unknown event")
	ErrInvalidEvent = errors.New("chat: invalid event")
)

// Error codes carried by error frames.
const (
	CodeInvalidEvent     = "invalid_event"
	CodeUnknownEvent     = "unknown_event"
	CodeUnsupportedEvent = "unsupported_event"
	CodeNotFound         = "not_found"
	CodeAlreadyMember    = "already_member"
	CodeNotMember        = "not_member"
	CodeForbidden        = "forbidden"
)

// clientError is a failure the client caused and can recover from. It is
// answered with an error frame and the session stays open.
type clientError struct {
	code    string
	message string
}

func (e *clientError) Error() string { return "chat: " + e.code + ": " + e.message }

func newClientError(code, message string) *clientError {
	return &clientError{code: code, message: message}
}
