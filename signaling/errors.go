package signaling

import (
	"errors"
	"fmt"
)

// Sentinel errors for signaling operations.
// These errors enable reliable classification using errors.Is().

var (
	// ErrTransport classifies any relay connectivity or delivery failure.
	// It is non-fatal to an established call; the owner decides on retry.
	ErrTransport = errors.New("signaling transport failure")

	// ErrNotConnected indicates the channel has no live relay connection.
	ErrNotConnected = errors.New("signaling channel not connected")

	// ErrChannelClosed indicates the channel was shut down permanently.
	ErrChannelClosed = errors.New("signaling channel closed")

	// ErrUnknownMessageType indicates a wire message outside the known union.
	ErrUnknownMessageType = errors.New("unknown signaling message type")
)

// TransportError wraps a low-level channel failure with the operation that
// produced it. errors.Is(err, ErrTransport) matches every TransportError.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport as the class of every TransportError.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
