package callkit

import (
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/opd-ai/callkit/call"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/signaling"
)

// Options contains configuration for creating a Client.
type Options struct {
	// SelfID identifies this peer to the signaling relay. Required.
	SelfID string

	// SelfName is the display name shown to remote peers on outgoing calls.
	SelfName string

	// RelayURL is the websocket URL of the signaling relay, for example
	// "wss://relay.example.com/ws". Required unless Channel is set.
	RelayURL string

	// Channel overrides the relay websocket client with a custom signaling
	// channel. Used for loopback wiring and tests.
	Channel signaling.Channel

	// ICEServers configures the WebRTC peer connections. Defaults to a
	// public STUN server.
	ICEServers []webrtc.ICEServer

	// WatchdogTimeout bounds how long a negotiating call waits for remote
	// media. Zero selects the default.
	WatchdogTimeout time.Duration

	// MediaPolicy decides whether a local capture failure ends the call
	// (strict, the default) or lets it continue receive-only.
	MediaPolicy call.MediaFailurePolicy

	// HistoryPath is the sqlite file for the persistent call log. Empty
	// disables persistence.
	HistoryPath string

	// Capture overrides local track acquisition. Defaults to static
	// sample tracks.
	Capture media.CaptureFunc
}

// NewOptions creates default options. SelfID and RelayURL (or Channel)
// must still be provided by the caller.
func NewOptions() *Options {
	return &Options{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		WatchdogTimeout: call.DefaultWatchdogTimeout,
		MediaPolicy:     call.MediaPolicyStrict,
	}
}
