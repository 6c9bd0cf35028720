package media

import "errors"

// Sentinel errors for media negotiation.
// These errors enable reliable classification using errors.Is().

var (
	// ErrPermissionDenied indicates the user refused camera/microphone access.
	// Fatal to the current call attempt under the strict media policy.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrMediaUnavailable indicates local capture failed for a reason other
	// than permissions (no device, device busy).
	ErrMediaUnavailable = errors.New("local media unavailable")

	// ErrNegotiation indicates SDP or ICE was applied out of order.
	ErrNegotiation = errors.New("media negotiation out of order")

	// ErrClosed indicates the negotiator has been disposed.
	ErrClosed = errors.New("media negotiator closed")
)
