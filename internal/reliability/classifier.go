package reliability

import (
	"context"
	"errors"
)

// Error taxonomy shared by the adapters and the bridge. Components wrap one of
// these with fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrHandshakeTimeout = errors.New("agent handshake timeout")
	ErrTransport        = errors.New("transport error")
	ErrProtocol         = errors.New("protocol error")
	ErrDuplicateSession = errors.New("duplicate session")
)

// Kind returns a stable label for err, suitable for metrics and log fields.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrHandshakeTimeout), errors.Is(err, context.DeadlineExceeded):
		return "handshake_timeout"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrDuplicateSession):
		return "duplicate_session"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}

// IsFatalToSession reports whether err must end the session it occurred in.
// Protocol and duplicate-session errors only drop the offending frame.
func IsFatalToSession(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrProtocol) && !errors.Is(err, ErrDuplicateSession)
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
