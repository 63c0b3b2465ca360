package relay

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInvalidHost         = errors.New("host is not a session subdomain")
	ErrNoActiveSession     = errors.New("no active session for host")
	ErrRelayTimeout        = errors.New("agent did not respond before the deadline")
	ErrSessionClosed       = errors.New("session closed")
	ErrSessionCollision    = errors.New("session id already registered")
	ErrAllocationExhausted = errors.New("could not allocate a free session id")
	ErrFeedbackUnavailable = errors.New("feedback unavailable: the developer is not connected")
	ErrSendFailed          = errors.New("could not send frame to agent")
	ErrRateLimited         = errors.New("session rate limit exceeded")
	ErrBodyTooLarge        = errors.New("request body too large")
	ErrMalformedResponse   = errors.New("malformed response frame")
)

// statusForError maps a relay failure to the status the public caller sees.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidHost):
		return http.StatusBadRequest
	case errors.Is(err, ErrRelayTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		// no session, closed session, send failure, bad frame
		return http.StatusBadGateway
	}
}
