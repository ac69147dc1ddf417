package reliability

import (
	"context"
	"errors"
)

// Classify maps an engine error to a short label used in metrics and logs.
func Classify(err error) string {
	if err == nil {
		return "none"
	}
	var (
		credErr      *CredentialError
		transportErr *TransportError
		decodeErr    *DecodeError
	)
	switch {
	case errors.As(err, &credErr):
		return "credential"
	case errors.Is(err, ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.Is(err, ErrUnknownEventType):
		return "unknown_event"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

// IsFatalToAttempt reports whether err must abort the current connection
// attempt. Decode failures and unknown events are logged and skipped instead.
func IsFatalToAttempt(err error) bool {
	switch Classify(err) {
	case "none", "decode", "unknown_event":
		return false
	default:
		return true
	}
}
