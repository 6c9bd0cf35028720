// Package media wraps local media acquisition and a single WebRTC peer
// connection behind a negotiator the call state machine can drive.
//
// The negotiator owns exactly one pion PeerConnection for one call. It
// enforces SDP ordering, buffers ICE candidates that arrive before the
// remote description, and guarantees idempotent disposal with callbacks
// suppressed once closed.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// Callbacks carries the negotiator's outbound notifications. All callbacks
// are optional; none is invoked once the negotiator is closed.
type Callbacks struct {
	// OnLocalCandidate fires for each ICE candidate gathered locally, to be
	// relayed to the remote peer.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnRemoteTrack fires once, when the first remote media track arrives.
	OnRemoteTrack func(kind string)
	// OnLocalMedia fires when local tracks have been attached, so the UI can
	// show the local preview.
	OnLocalMedia func()
}

// Negotiator manages SDP offer/answer exchange and ICE for one call.
type Negotiator struct {
	callID  string
	capture CaptureFunc
	cb      Callbacks

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	senders      map[webrtc.RTPCodecType]*webrtc.RTPSender
	tracks       map[webrtc.RTPCodecType]webrtc.TrackLocal
	pending      []webrtc.ICECandidateInit
	remoteSet    bool
	localSet     bool
	mediaStarted bool
	remoteSeen   bool
	micEnabled   bool
	camEnabled   bool
	closed       bool
}

// NewNegotiator prepares a peer connection for the given call. Creating the
// negotiator is the single initialization point: candidates and
// descriptions are only accepted afterwards, and the caller (the state
// machine) guarantees at most one negotiator exists per session.
func NewNegotiator(callID string, cfg webrtc.Configuration, capture CaptureFunc, cb Callbacks) (*Negotiator, error) {
	if capture == nil {
		capture = StaticCapture()
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &Negotiator{
		callID:     callID,
		capture:    capture,
		cb:         cb,
		pc:         pc,
		senders:    make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		tracks:     make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		micEnabled: true,
		camEnabled: true,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if closed || n.cb.OnLocalCandidate == nil {
			return
		}
		n.cb.OnLocalCandidate(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.mu.Lock()
		first := !n.remoteSeen && !n.closed
		n.remoteSeen = true
		n.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "OnTrack",
			"call_id":  n.callID,
			"kind":     track.Kind().String(),
			"first":    first,
		}).Info("Remote media track arrived")

		if first && n.cb.OnRemoteTrack != nil {
			n.cb.OnRemoteTrack(track.Kind().String())
		}
	})

	logrus.WithFields(logrus.Fields{
		"function": "NewNegotiator",
		"call_id":  callID,
	}).Debug("Peer connection prepared")

	return n, nil
}

// CallID returns the call this negotiator was initialized for.
func (n *Negotiator) CallID() string { return n.callID }

// StartLocalMedia acquires local tracks per the audio/video request and
// attaches them to the peer connection. Idempotent: a second call after
// success is a no-op. Failures are classified as ErrPermissionDenied or
// ErrMediaUnavailable by the capture function.
func (n *Negotiator) StartLocalMedia(ctx context.Context, audio, video bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.mediaStarted {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tracks, err := n.capture(audio, video)
	if err != nil {
		return fmt.Errorf("start local media for call %s: %w", n.callID, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		// Session was torn down while capture was in flight; drop the tracks.
		return ErrClosed
	}
	for _, track := range tracks {
		sender, err := n.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("attach %s track: %w", track.Kind(), err)
		}
		n.senders[track.Kind()] = sender
		n.tracks[track.Kind()] = track
	}
	n.mediaStarted = true
	n.camEnabled = video

	logrus.WithFields(logrus.Fields{
		"function": "StartLocalMedia",
		"call_id":  n.callID,
		"tracks":   len(tracks),
	}).Info("Local media attached")

	if n.cb.OnLocalMedia != nil {
		go n.cb.OnLocalMedia()
	}
	return nil
}

// CreateOffer generates the local SDP offer and applies it as the local
// description. A duplicate call returns the already-set description rather
// than restarting negotiation.
func (n *Negotiator) CreateOffer(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return "", ErrClosed
	}
	if n.localSet {
		return n.pc.LocalDescription().SDP, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	n.localSet = true

	logrus.WithFields(logrus.Fields{
		"function":  "CreateOffer",
		"call_id":   n.callID,
		"sdp_bytes": len(offer.SDP),
	}).Debug("Local offer set")

	return offer.SDP, nil
}

// CreateAnswer generates the local SDP answer. The remote offer must have
// been applied first.
func (n *Negotiator) CreateAnswer(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return "", ErrClosed
	}
	if !n.remoteSet {
		return "", fmt.Errorf("answer before remote offer: %w", ErrNegotiation)
	}
	if n.localSet {
		return n.pc.LocalDescription().SDP, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	n.localSet = true

	logrus.WithFields(logrus.Fields{
		"function":  "CreateAnswer",
		"call_id":   n.callID,
		"sdp_bytes": len(answer.SDP),
	}).Debug("Local answer set")

	return answer.SDP, nil
}

// SetRemoteDescription applies a received offer or answer and flushes any
// ICE candidates that arrived early. Applying an answer before an offer was
// sent is an ordering violation.
func (n *Negotiator) SetRemoteDescription(sdpType, sdp string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}

	var kind webrtc.SDPType
	switch sdpType {
	case "offer":
		kind = webrtc.SDPTypeOffer
	case "answer":
		kind = webrtc.SDPTypeAnswer
		if !n.localSet {
			return fmt.Errorf("answer before local offer: %w", ErrNegotiation)
		}
	default:
		return fmt.Errorf("remote description type %q: %w", sdpType, ErrNegotiation)
	}

	desc := webrtc.SessionDescription{Type: kind, SDP: sdp}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", sdpType, ErrNegotiation)
	}
	n.remoteSet = true

	flushed := len(n.pending)
	for _, cand := range n.pending {
		if err := n.pc.AddICECandidate(cand); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SetRemoteDescription",
				"call_id":  n.callID,
				"error":    err.Error(),
			}).Warn("Dropping buffered ICE candidate")
		}
	}
	n.pending = nil

	logrus.WithFields(logrus.Fields{
		"function":      "SetRemoteDescription",
		"call_id":       n.callID,
		"sdp_type":      sdpType,
		"flushed_cands": flushed,
	}).Debug("Remote description applied")

	return nil
}

// AddRemoteCandidate buffers or applies a remote ICE candidate. Candidates
// arriving before the remote description are queued and flushed once it is
// applied, since ICE and SDP exchange are not strictly ordered across the
// network.
func (n *Negotiator) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if !n.remoteSet {
		n.pending = append(n.pending, cand)
		logrus.WithFields(logrus.Fields{
			"function": "AddRemoteCandidate",
			"call_id":  n.callID,
			"buffered": len(n.pending),
		}).Debug("Buffered early ICE candidate")
		return nil
	}
	if err := n.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ICE candidate: %w", ErrNegotiation)
	}
	return nil
}

// ToggleMute flips the local audio track and reports the new enabled state.
// No-op (returns current state) when local media has not started.
func (n *Negotiator) ToggleMute() bool {
	return n.toggleTrack(webrtc.RTPCodecTypeAudio)
}

// ToggleCamera flips the local video track and reports the new enabled
// state. No-op when local media has not started.
func (n *Negotiator) ToggleCamera() bool {
	return n.toggleTrack(webrtc.RTPCodecTypeVideo)
}

// toggleTrack detaches or re-attaches the local track of the given kind via
// ReplaceTrack, which keeps the negotiated sender alive.
func (n *Negotiator) toggleTrack(kind webrtc.RTPCodecType) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	enabled := &n.micEnabled
	if kind == webrtc.RTPCodecTypeVideo {
		enabled = &n.camEnabled
	}

	sender, ok := n.senders[kind]
	if n.closed || !n.mediaStarted || !ok {
		return *enabled
	}

	*enabled = !*enabled
	var replacement webrtc.TrackLocal
	if *enabled {
		replacement = n.tracks[kind]
	}
	if err := sender.ReplaceTrack(replacement); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "toggleTrack",
			"call_id":  n.callID,
			"kind":     kind.String(),
			"error":    err.Error(),
		}).Warn("Track toggle failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "toggleTrack",
		"call_id":  n.callID,
		"kind":     kind.String(),
		"enabled":  *enabled,
	}).Info("Local track toggled")

	return *enabled
}

// StatsSnapshot returns a best-effort dictionary of connection statistics
// for diagnostics. Returns an empty map rather than failing when the
// underlying connection exposes nothing yet.
func (n *Negotiator) StatsSnapshot() map[string]any {
	n.mu.Lock()
	pc, closed := n.pc, n.closed
	n.mu.Unlock()

	snapshot := make(map[string]any)
	if closed || pc == nil {
		return snapshot
	}

	for _, stat := range pc.GetStats() {
		switch s := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if s.Nominated {
				snapshot["rtt_seconds"] = s.CurrentRoundTripTime
				snapshot["available_outgoing_bitrate"] = s.AvailableOutgoingBitrate
			}
		case webrtc.TransportStats:
			snapshot["bytes_sent"] = s.BytesSent
			snapshot["bytes_received"] = s.BytesReceived
		case webrtc.InboundRTPStreamStats:
			snapshot["packets_lost"] = s.PacketsLost
			snapshot["jitter"] = s.Jitter
		}
	}
	snapshot["connection_state"] = pc.ConnectionState().String()
	return snapshot
}

// Close stops local senders, closes the peer connection and releases all
// resources. Safe to call multiple times and at any phase; callbacks from
// the underlying connection are suppressed once the closed flag is set.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	pc := n.pc
	n.pc = nil
	n.senders = nil
	n.tracks = nil
	n.pending = nil
	n.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"call_id":  n.callID,
	}).Info("Media negotiator disposed")

	return err
}
