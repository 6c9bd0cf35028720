// Package call implements the call signaling and media-negotiation state
// machine.
//
// The Machine is the single source of truth for "is there a call, and what
// phase is it in". It consumes signaling envelopes, drives a media
// negotiator, records lifecycle events to a history sink and publishes an
// observable state snapshot to the UI layer.
//
// The design follows established patterns from the callkit codebase:
// - Interface-based collaborators for testability
// - Strictly serialized event processing through one mailbox
// - Sentinel errors for reliable classification
package call

import "time"

// Phase is the lifecycle stage of a call session.
type Phase uint32

const (
	// PhaseIdle indicates no call exists.
	PhaseIdle Phase = iota
	// PhaseConnectingOutgoing indicates an outgoing call awaiting acceptance.
	PhaseConnectingOutgoing
	// PhaseRingingIncoming indicates an incoming call awaiting a local decision.
	PhaseRingingIncoming
	// PhaseNegotiating indicates offer/answer/ICE exchange is in progress.
	PhaseNegotiating
	// PhaseConnected indicates remote media has arrived.
	PhaseConnected
	// PhaseEnded indicates the session terminated; the machine is ready for
	// the next call.
	PhaseEnded
)

// String returns the phase name used in logs and snapshots.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnectingOutgoing:
		return "connecting-outgoing"
	case PhaseRingingIncoming:
		return "ringing-incoming"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Direction is fixed at session creation.
type Direction uint8

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// String returns the direction name used in logs and snapshots.
func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// CallType selects the media requested for a call.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Participant identifies one side of a call. Exactly one participant per
// session is local.
type Participant struct {
	ID          string
	DisplayName string
	IsLocal     bool
}

// MediaFailurePolicy decides how a local-capture failure is handled.
// Injected explicitly by the composition root; there is no hidden demo
// mode flag.
type MediaFailurePolicy uint8

const (
	// MediaPolicyStrict ends the call attempt when local capture fails and
	// notifies the remote side. The production default.
	MediaPolicyStrict MediaFailurePolicy = iota
	// MediaPolicyPermissive logs the failure and continues without local
	// media. The watchdog still applies.
	MediaPolicyPermissive
)

// session is the machine's private record of the one in-flight call. It is
// owned exclusively by the machine's event loop; a nil session means Idle.
// The two constructors guarantee direction-specific fields are never
// half-populated.
type session struct {
	callID      string
	provisional bool
	direction   Direction
	phase       Phase
	callType    CallType
	local       Participant
	remote      Participant

	micEnabled    bool
	cameraEnabled bool
	pipEnabled    bool
	lastError     string

	// Negotiation progress flags enforcing ordering and idempotency.
	mediaRequested bool
	mediaDone      bool
	offerWanted    bool
	offerSent      bool
	offerApplied   bool
	answerSent     bool
	answerApplied  bool
	hangupSent     bool

	// generation stamps async completions so results for a torn-down
	// session are discarded.
	generation uint64
}

func newOutgoingSession(gen uint64, provisionalID string, local Participant, receiverID string, callType CallType) *session {
	return &session{
		callID:        provisionalID,
		provisional:   true,
		direction:     DirectionOutgoing,
		phase:         PhaseConnectingOutgoing,
		callType:      callType,
		local:         local,
		remote:        Participant{ID: receiverID},
		micEnabled:    true,
		cameraEnabled: callType == CallTypeVideo,
		generation:    gen,
	}
}

func newIncomingSession(gen uint64, callID string, local Participant, callerID, callerName string, callType CallType) *session {
	return &session{
		callID:        callID,
		direction:     DirectionIncoming,
		phase:         PhaseRingingIncoming,
		callType:      callType,
		local:         local,
		remote:        Participant{ID: callerID, DisplayName: callerName},
		micEnabled:    true,
		cameraEnabled: callType == CallTypeVideo,
		generation:    gen,
	}
}

// Snapshot is the immutable published view of the current call session,
// consumed by the UI layer. The UI never touches the negotiator or the
// machine internals directly.
type Snapshot struct {
	Phase         Phase
	Direction     Direction
	CallID        string
	CallType      CallType
	Local         Participant
	Remote        Participant
	MicEnabled    bool
	CameraEnabled bool
	PipEnabled    bool
	LastError     string
}

func (s *session) snapshot() Snapshot {
	return Snapshot{
		Phase:         s.phase,
		Direction:     s.direction,
		CallID:        s.callID,
		CallType:      s.callType,
		Local:         s.local,
		Remote:        s.remote,
		MicEnabled:    s.micEnabled,
		CameraEnabled: s.cameraEnabled,
		PipEnabled:    s.pipEnabled,
		LastError:     s.lastError,
	}
}

// TimeProvider abstracts time for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }
