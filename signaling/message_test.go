package signaling

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := NewOffer("call-1", "v=0 fake sdp")
	require.NoError(t, err)
	env.From = "alice"
	env.To = "bob"

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeOffer, got.Type)
	assert.Equal(t, "call-1", got.CallID)
	assert.Equal(t, "alice", got.From)

	p, err := got.SDP()
	require.NoError(t, err)
	assert.Equal(t, "v=0 fake sdp", p.SDP)
	assert.Equal(t, "offer", p.Type)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"launch_missiles","call_id":"x"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestIceCandidatePayload(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	env, err := NewIceCandidate("call-2", IcePayload{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	require.NoError(t, err)

	data, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	p, err := got.Ice()
	require.NoError(t, err)
	require.NotNil(t, p.SDPMid)
	assert.Equal(t, "0", *p.SDPMid)
	require.NotNil(t, p.SDPMLineIndex)
	assert.Equal(t, uint16(0), *p.SDPMLineIndex)
}

func TestPayloadAccessorsEnforceType(t *testing.T) {
	env := NewAcceptCall("call-3")

	_, err := env.SDP()
	assert.True(t, errors.Is(err, ErrUnknownMessageType))

	_, err = env.Ice()
	assert.True(t, errors.Is(err, ErrUnknownMessageType))

	_, err = env.Hangup()
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
}

func TestHangupToleratesEmptyPayload(t *testing.T) {
	env := Envelope{Type: TypeHangup, CallID: "call-4"}
	p, err := env.Hangup()
	require.NoError(t, err)
	assert.Empty(t, p.Reason)
}

func TestInitiateCallCarriesNoCallID(t *testing.T) {
	env := NewInitiateCall("bob", "video", "Alice")
	assert.Empty(t, env.CallID)
	assert.Equal(t, "bob", env.To)
	assert.Equal(t, "video", env.CallType)
	assert.Equal(t, "Alice", env.CallerName)
}

func TestTransportErrorClassification(t *testing.T) {
	err := &TransportError{Op: "send", Err: ErrNotConnected}
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Contains(t, err.Error(), "send")
}
