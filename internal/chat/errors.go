package chat

import "errors"

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrRateLimited      = errors.New("too many authentication attempts")
	ErrCapacityExceeded = errors.New("connection capacity exceeded")
	ErrPersistence      = errors.New("conversation store unavailable")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrForbidden        = errors.New("operation requires an administrator")
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrEmptyContent     = errors.New("message content is empty")
	ErrMessageNotFound  = errors.New("message not found")
)

// Websocket close codes sent when the server terminates a connection.
const (
	CloseCapacityExceeded = 4001
	CloseSuperseded       = 4002
	CloseShutdown         = 4003
)

// ErrorCode maps an error to the stable code carried in error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrEmptyContent):
		return "malformed_payload"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrInvalidRecipient):
		return "invalid_recipient"
	case errors.Is(err, ErrMessageNotFound):
		return "not_found"
	}
	return "internal"
}
