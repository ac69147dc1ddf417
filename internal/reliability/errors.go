package reliability

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout is returned when the server never confirms the
	// streaming session within the handshake window.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrUnknownEventType marks inbound events without a dispatch entry.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrNotConnected is returned by outbound calls while no connection is open.
	ErrNotConnected = errors.New("realtime connection not open")
)

// CredentialError reports a failed token exchange. Code is the service level
// code from the response body, or the HTTP status when the body is unusable.
type CredentialError struct {
	Code    int
	Message string
	Err     error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential exchange failed (code %d): %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("credential exchange failed (code %d): %s", e.Code, e.Message)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransportError wraps dial, send and receive failures on the streaming link.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a malformed inbound message. It never ends a session.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode inbound message (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
