package callkit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callkit/call"
	"github.com/opd-ai/callkit/signaling"
)

func TestNewRequiresIdentityAndTransport(t *testing.T) {
	_, err := New(&Options{RelayURL: "ws://relay/ws"})
	assert.Error(t, err, "SelfID is required")

	_, err = New(&Options{SelfID: "alice"})
	assert.Error(t, err, "RelayURL or Channel is required")
}

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	assert.Equal(t, call.DefaultWatchdogTimeout, opts.WatchdogTimeout)
	assert.Equal(t, call.MediaPolicyStrict, opts.MediaPolicy)
	require.NotEmpty(t, opts.ICEServers)
}

func newLoopbackClient(t *testing.T, id, name string, ch signaling.Channel) *Client {
	t.Helper()
	opts := NewOptions()
	opts.SelfID = id
	opts.SelfName = name
	opts.Channel = ch
	// No STUN; everything stays in-process.
	opts.ICEServers = nil

	client, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(client.Kill)
	return client
}

func waitPhase(t *testing.T, c *Client, phase call.Phase) call.Snapshot {
	t.Helper()
	var snap call.Snapshot
	require.Eventually(t, func() bool {
		snap = c.Snapshot()
		return snap.Phase == phase
	}, 5*time.Second, 10*time.Millisecond, "never reached phase %s", phase)
	return snap
}

func TestClientLoopbackRingAndReject(t *testing.T) {
	chA, chB := signaling.Pair("alice", "bob")
	alice := newLoopbackClient(t, "alice", "Alice", chA)
	bob := newLoopbackClient(t, "bob", "Bob", chB)

	require.NoError(t, alice.InitiateCall("bob", call.CallTypeAudio))
	assert.Equal(t, call.PhaseConnectingOutgoing, alice.Snapshot().Phase)

	ringing := waitPhase(t, bob, call.PhaseRingingIncoming)
	assert.Equal(t, "alice", ringing.Remote.ID)
	assert.Equal(t, "Alice", ringing.Remote.DisplayName)

	require.NoError(t, bob.RejectCall("busy"))
	snap := waitPhase(t, alice, call.PhaseEnded)
	assert.Equal(t, "Call rejected", snap.LastError)
}

func TestClientLoopbackNegotiationExchangesSDP(t *testing.T) {
	chA, chB := signaling.Pair("alice", "bob")
	alice := newLoopbackClient(t, "alice", "Alice", chA)
	bob := newLoopbackClient(t, "bob", "Bob", chB)

	require.NoError(t, alice.InitiateCall("bob", call.CallTypeAudio))
	waitPhase(t, bob, call.PhaseRingingIncoming)
	require.NoError(t, bob.AcceptCall())

	// With real negotiators the offer/answer exchange completes; no media
	// flows in-process, so both sides sit in negotiating with descriptions
	// applied.
	waitPhase(t, alice, call.PhaseNegotiating)
	waitPhase(t, bob, call.PhaseNegotiating)

	require.Eventually(t, func() bool {
		stats := bob.GetStats()
		_, ok := stats["connection_state"]
		return ok
	}, 5*time.Second, 10*time.Millisecond, "negotiator never produced stats")

	require.NoError(t, alice.EndCall("done"))
	waitPhase(t, bob, call.PhaseEnded)
}

func TestClientDoubleKillIsSafe(t *testing.T) {
	chA, _ := signaling.Pair("alice", "bob")
	client := newLoopbackClient(t, "alice", "Alice", chA)
	client.Kill()
	// Cleanup runs Kill again.
}
