package call

import (
	"context"

	"github.com/opd-ai/callkit/signaling"
)

// Signaler is the only surface the machine needs from the signaling layer:
// fire-and-forget delivery of envelopes to the remote peer via the relay.
// Delivery failures surface asynchronously through HandleTransportError.
type Signaler interface {
	Send(env signaling.Envelope) error
}

// MediaSession is one negotiator for one call, exclusively owned by the
// machine. media.Negotiator satisfies it through the adapter installed by
// the composition root.
type MediaSession interface {
	// StartLocalMedia acquires and attaches local tracks. Idempotent.
	StartLocalMedia(ctx context.Context, audio, video bool) error
	// CreateOffer returns the local SDP offer, setting the local
	// description. A repeat call returns the existing description.
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer returns the local SDP answer; the remote offer must have
	// been applied first.
	CreateAnswer(ctx context.Context) (string, error)
	// SetRemoteDescription applies a received offer or answer.
	SetRemoteDescription(sdpType, sdp string) error
	// AddRemoteCandidate buffers or applies a remote ICE candidate.
	AddRemoteCandidate(cand signaling.IcePayload) error
	// ToggleMute flips the local audio track, returning the enabled state.
	ToggleMute() bool
	// ToggleCamera flips the local video track, returning the enabled state.
	ToggleCamera() bool
	// StatsSnapshot returns best-effort connection diagnostics.
	StatsSnapshot() map[string]any
	// Close releases all media resources. Idempotent.
	Close() error
}

// MediaCallbacks are handed to the media factory so negotiator events
// re-enter the machine's mailbox.
type MediaCallbacks struct {
	OnLocalCandidate func(cand signaling.IcePayload)
	OnRemoteTrack    func(kind string)
	OnLocalMedia     func()
}

// MediaFactory creates the negotiator for a new session. The machine
// guarantees at most one live MediaSession at a time.
type MediaFactory func(callID string, video bool, cb MediaCallbacks) (MediaSession, error)
