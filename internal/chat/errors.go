package chat

import "errors"

var (
	// ErrSessionNotFound is returned for operations on an unknown session id
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when an operation targets an ended session
	ErrSessionClosed = errors.New("session closed")

	// ErrNotParticipant is returned when a connection attempts to act on a
	// session it is not a party to
	ErrNotParticipant = errors.New("not a participant of session")

	// ErrStoreUnavailable wraps repeated durable or presence store failures.
	// The operation failed visibly; nothing was partially applied.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// AuthReason classifies an authentication failure
type AuthReason string

const (
	AuthUnauthorized AuthReason = "unauthorized"
	AuthExpired      AuthReason = "expired"
	AuthTimeout      AuthReason = "timeout"
)

// AuthError is returned when connection authentication fails. The connection
// is closed after the error is surfaced to the client.
type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	return "authentication failed: " + string(e.Reason)
}

// AsAuthError unwraps err into an *AuthError if it is one
func AsAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}
