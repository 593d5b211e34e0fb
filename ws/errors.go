package ws

import (
	"errors"
	"fmt"
)

var (
	ErrReservedBits           = errors.New("reserved bits set")
	ErrReservedOpcode         = errors.New("reserved opcode")
	ErrControlFrameTooBig     = errors.New("too big payload for control frame")
	ErrFragmentedControlFrame = errors.New("fragmented control frame")
	ErrPayloadTooLarge        = errors.New("payload length out of range")
	ErrMessageTooBig          = errors.New("message exceeds read limit")
	ErrNestedFragmentation    = errors.New("new message started before previous one finished")
	ErrOrphanContinuation     = errors.New("continuation frame without message in progress")
	ErrMaskRequired           = errors.New("unmasked frame from client")
	ErrInvalidUTF8            = errors.New("invalid utf8 payload")
	ErrInvalidClosePayload    = errors.New("invalid close frame payload")

	ErrInvalidState       = errors.New("websocket: connection is not open")
	ErrCloseTimeout       = errors.New("websocket: close handshake timed out")
	ErrCloseReasonTooLong = errors.New("websocket: close reason longer than 123 bytes")
)

// ProtocolError is a violation of the framing rules by the peer. The
// connection is closed with Code.
type ProtocolError struct {
	Code StatusCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket: protocol error: %s", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolError(err error) *ProtocolError {
	return &ProtocolError{Code: StatusProtocolError, Err: err}
}

// HandshakeError means the opening handshake failed and the connection
// never reached the open state.
type HandshakeError struct {
	// Status is the HTTP status code received (client) or sent (server),
	// zero when the failure happened before a status line.
	Status int
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	msg := "websocket: handshake failed: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError wraps an I/O failure of the underlying stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("websocket: %s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
