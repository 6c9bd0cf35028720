// Package signaling defines the typed call-signaling protocol and the
// channels that carry it between two peers through a server-mediated relay.
//
// The package is a typed pipe only: it encodes, decodes and routes
// envelopes. No call-state logic lives here; ordering and duplicate
// protection are the caller's concern.
package signaling

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the signaling message union.
type MessageType string

const (
	// TypeInitiateCall asks the relay to ring a receiver.
	TypeInitiateCall MessageType = "initiate_call"
	// TypeCallInitiated notifies the callee of an incoming call.
	TypeCallInitiated MessageType = "call_initiated"
	// TypeAcceptCall is sent by the callee to accept a ringing call.
	TypeAcceptCall MessageType = "accept_call"
	// TypeCallAccepted notifies the caller that the callee accepted.
	TypeCallAccepted MessageType = "call_accepted"
	// TypeRejectCall declines a ringing call.
	TypeRejectCall MessageType = "reject_call"
	// TypeEndCall terminates a call at the signaling level.
	TypeEndCall MessageType = "end_call"
	// TypeOffer carries an SDP offer from caller to callee.
	TypeOffer MessageType = "webrtc_offer"
	// TypeAnswer carries an SDP answer from callee to caller.
	TypeAnswer MessageType = "webrtc_answer"
	// TypeIceCandidate carries one gathered ICE candidate, either direction.
	TypeIceCandidate MessageType = "webrtc_ice_candidate"
	// TypeHangup tears down the media path, either direction.
	TypeHangup MessageType = "webrtc_hangup"
)

// knownTypes lists every message type the dispatcher will route.
var knownTypes = map[MessageType]bool{
	TypeInitiateCall:  true,
	TypeCallInitiated: true,
	TypeAcceptCall:    true,
	TypeCallAccepted:  true,
	TypeRejectCall:    true,
	TypeEndCall:       true,
	TypeOffer:         true,
	TypeAnswer:        true,
	TypeIceCandidate:  true,
	TypeHangup:        true,
}

// Envelope is the wire representation of one signaling message.
//
// Every message except initiate_call carries CallID so a receiver can
// route it to the correct session and discard messages for calls it no
// longer tracks. Payload holds the type-specific body for the WebRTC
// message kinds.
type Envelope struct {
	Type       MessageType     `json:"type"`
	CallID     string          `json:"call_id,omitempty"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	CallType   string          `json:"call_type,omitempty"`
	CallerName string          `json:"caller_name,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// SDPPayload is the body of webrtc_offer and webrtc_answer messages.
type SDPPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// IcePayload is the body of webrtc_ice_candidate messages.
type IcePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// HangupPayload is the body of webrtc_hangup messages.
type HangupPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewInitiateCall builds the caller's initial ring request.
func NewInitiateCall(receiverID, callType, callerName string) Envelope {
	return Envelope{
		Type:       TypeInitiateCall,
		To:         receiverID,
		CallType:   callType,
		CallerName: callerName,
	}
}

// NewCallInitiated builds the relay-to-callee incoming-call notification.
func NewCallInitiated(callID, callerID, callerName, callType string) Envelope {
	return Envelope{
		Type:       TypeCallInitiated,
		CallID:     callID,
		From:       callerID,
		CallerName: callerName,
		CallType:   callType,
	}
}

// NewAcceptCall builds the callee's acceptance of a ringing call.
func NewAcceptCall(callID string) Envelope {
	return Envelope{Type: TypeAcceptCall, CallID: callID}
}

// NewCallAccepted builds the relay-to-caller acceptance notification.
func NewCallAccepted(callID string) Envelope {
	return Envelope{Type: TypeCallAccepted, CallID: callID}
}

// NewRejectCall builds a rejection with an optional reason.
func NewRejectCall(callID, reason string) Envelope {
	return Envelope{Type: TypeRejectCall, CallID: callID, Reason: reason}
}

// NewEndCall builds a signaling-level call termination.
func NewEndCall(callID, reason string) Envelope {
	return Envelope{Type: TypeEndCall, CallID: callID, Reason: reason}
}

// NewOffer wraps an SDP offer for transmission.
func NewOffer(callID, sdp string) (Envelope, error) {
	return withPayload(Envelope{Type: TypeOffer, CallID: callID},
		SDPPayload{SDP: sdp, Type: "offer"})
}

// NewAnswer wraps an SDP answer for transmission.
func NewAnswer(callID, sdp string) (Envelope, error) {
	return withPayload(Envelope{Type: TypeAnswer, CallID: callID},
		SDPPayload{SDP: sdp, Type: "answer"})
}

// NewIceCandidate wraps one gathered ICE candidate for transmission.
func NewIceCandidate(callID string, p IcePayload) (Envelope, error) {
	return withPayload(Envelope{Type: TypeIceCandidate, CallID: callID}, p)
}

// NewHangup builds a media-path teardown with an optional reason.
func NewHangup(callID, reason string) (Envelope, error) {
	return withPayload(Envelope{Type: TypeHangup, CallID: callID},
		HangupPayload{Reason: reason})
}

func withPayload(env Envelope, body any) (Envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", env.Type, err)
	}
	env.Payload = data
	return env, nil
}

// SDP decodes the payload of an offer or answer envelope.
func (e Envelope) SDP() (SDPPayload, error) {
	if e.Type != TypeOffer && e.Type != TypeAnswer {
		return SDPPayload{}, fmt.Errorf("%s carries no SDP payload: %w", e.Type, ErrUnknownMessageType)
	}
	var p SDPPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return SDPPayload{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// Ice decodes the payload of an ICE candidate envelope.
func (e Envelope) Ice() (IcePayload, error) {
	if e.Type != TypeIceCandidate {
		return IcePayload{}, fmt.Errorf("%s carries no ICE payload: %w", e.Type, ErrUnknownMessageType)
	}
	var p IcePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return IcePayload{}, fmt.Errorf("decode ICE payload: %w", err)
	}
	return p, nil
}

// Hangup decodes the payload of a hangup envelope. A missing payload is
// tolerated and yields an empty reason.
func (e Envelope) Hangup() (HangupPayload, error) {
	if e.Type != TypeHangup {
		return HangupPayload{}, fmt.Errorf("%s carries no hangup payload: %w", e.Type, ErrUnknownMessageType)
	}
	if len(e.Payload) == 0 {
		return HangupPayload{}, nil
	}
	var p HangupPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return HangupPayload{}, fmt.Errorf("decode hangup payload: %w", err)
	}
	return p, nil
}

// Encode serializes an envelope to its JSON wire form.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire message. Envelopes with a type outside the known
// union are rejected with ErrUnknownMessageType so dispatchers can drop
// them without treating the channel as broken.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !knownTypes[env.Type] {
		return Envelope{}, fmt.Errorf("message type %q: %w", env.Type, ErrUnknownMessageType)
	}
	return env, nil
}
