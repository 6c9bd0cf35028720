package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/callkit/signaling"
)

// peerRig is one side of a loopback call: a machine wired to one end of a
// signaling.Pair with fake media.
type peerRig struct {
	m       *Machine
	harness *mediaHarness
	sink    *recordingSink
}

func newPeerRig(t *testing.T, id, name string, ch *signaling.LoopbackChannel) *peerRig {
	t.Helper()
	harness := &mediaHarness{}
	sink := &recordingSink{}

	m, err := NewMachine(Config{SelfID: id, SelfName: name}, ch, harness.factory, sink)
	require.NoError(t, err)
	ch.SetHandler(m.HandleEnvelope)
	ch.SetErrorHandler(m.HandleTransportError)
	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		_ = m.Stop()
		_ = ch.Close()
	})

	return &peerRig{m: m, harness: harness, sink: sink}
}

func (r *peerRig) waitPhase(t *testing.T, phase Phase) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = r.m.Snapshot()
		return snap.Phase == phase
	}, 3*time.Second, 5*time.Millisecond, "never reached phase %s", phase)
	return snap
}

func TestLoopbackCallHappyPath(t *testing.T) {
	chA, chB := signaling.Pair("alice", "bob")
	alice := newPeerRig(t, "alice", "Alice", chA)
	bob := newPeerRig(t, "bob", "Bob", chB)

	require.NoError(t, alice.m.InitiateCall("bob", CallTypeVideo))

	// Bob rings with the relay-assigned id and Alice's display name.
	ringing := bob.waitPhase(t, PhaseRingingIncoming)
	assert.Equal(t, "alice", ringing.Remote.ID)
	assert.Equal(t, "Alice", ringing.Remote.DisplayName)
	assert.Equal(t, CallTypeVideo, ringing.CallType)
	require.NotEmpty(t, ringing.CallID)

	require.NoError(t, bob.m.AcceptCall())

	// The acceptance echo carries the real id back to Alice and the
	// offer/answer exchange runs to completion.
	negotiating := alice.waitPhase(t, PhaseNegotiating)
	assert.Equal(t, ringing.CallID, negotiating.CallID, "both sides converge on the relay id")

	bobMedia := bob.harness.last()
	require.Eventually(t, func() bool {
		bobMedia.mu.Lock()
		defer bobMedia.mu.Unlock()
		return len(bobMedia.remoteSDPs) == 1 && bobMedia.remoteSDPs[0] == "offer"
	}, 3*time.Second, 5*time.Millisecond, "offer never reached the callee")

	aliceMedia := alice.harness.last()
	require.Eventually(t, func() bool {
		aliceMedia.mu.Lock()
		defer aliceMedia.mu.Unlock()
		return len(aliceMedia.remoteSDPs) == 1 && aliceMedia.remoteSDPs[0] == "answer"
	}, 3*time.Second, 5*time.Millisecond, "answer never reached the caller")

	// Remote media arrives on both peer connections.
	alice.harness.lastCB().OnRemoteTrack("video")
	bob.harness.lastCB().OnRemoteTrack("video")
	alice.waitPhase(t, PhaseConnected)
	bob.waitPhase(t, PhaseConnected)

	// Alice hangs up; Bob observes the end without echoing one back.
	require.NoError(t, alice.m.EndCall("goodbye"))
	assert.Equal(t, PhaseEnded, alice.m.Snapshot().Phase)
	ended := bob.waitPhase(t, PhaseEnded)
	assert.Equal(t, ringing.CallID, ended.CallID)

	assert.True(t, alice.sink.has("ended:"+ringing.CallID+":goodbye"))
	assert.True(t, bob.sink.has("ended:"+ringing.CallID+":goodbye"))
}

func TestLoopbackCallRejected(t *testing.T) {
	chA, chB := signaling.Pair("alice", "bob")
	alice := newPeerRig(t, "alice", "Alice", chA)
	bob := newPeerRig(t, "bob", "Bob", chB)

	require.NoError(t, alice.m.InitiateCall("bob", CallTypeAudio))
	ringing := bob.waitPhase(t, PhaseRingingIncoming)

	require.NoError(t, bob.m.RejectCall("busy"))
	assert.Equal(t, PhaseEnded, bob.m.Snapshot().Phase)

	snap := alice.waitPhase(t, PhaseEnded)
	assert.Equal(t, "Call rejected", snap.LastError)
	assert.True(t, bob.sink.has("rejected:"+ringing.CallID+":busy"))

	// Both machines are free for the next call.
	require.NoError(t, alice.m.InitiateCall("bob", CallTypeAudio))
	bob.waitPhase(t, PhaseRingingIncoming)
}

func TestLoopbackCallerCancelsBeforeAnswer(t *testing.T) {
	chA, chB := signaling.Pair("alice", "bob")
	alice := newPeerRig(t, "alice", "Alice", chA)
	bob := newPeerRig(t, "bob", "Bob", chB)

	require.NoError(t, alice.m.InitiateCall("bob", CallTypeAudio))
	bob.waitPhase(t, PhaseRingingIncoming)

	require.NoError(t, alice.m.EndCall("changed my mind"))
	assert.Equal(t, PhaseEnded, alice.m.Snapshot().Phase)
	bob.waitPhase(t, PhaseEnded)
}
