package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRelay is a minimal websocket endpoint that records inbound frames
// and can push frames to the connected peer.
type testRelay struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	peerID   string
	received [][]byte
}

func (r *testRelay) handler(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conn = conn
	r.peerID = req.URL.Query().Get("peer_id")
	r.mu.Unlock()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.received = append(r.received, payload)
		r.mu.Unlock()
	}
}

func (r *testRelay) push(t *testing.T, data []byte) {
	t.Helper()
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	require.NotNil(t, conn, "no client connected")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (r *testRelay) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func startTestRelay(t *testing.T) (*testRelay, string) {
	t.Helper()
	relay := &testRelay{}
	srv := httptest.NewServer(http.HandlerFunc(relay.handler))
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRelayChannelConnectIdentifiesPeer(t *testing.T) {
	relay, url := startTestRelay(t)
	ch := NewRelayChannel(url, "alice")
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return relay.peerID == "alice"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayChannelSendReachesRelay(t *testing.T) {
	relay, url := startTestRelay(t)
	ch := NewRelayChannel(url, "alice")
	defer ch.Close()

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.Send(NewAcceptCall("call-1")))

	assert.Eventually(t, func() bool {
		return relay.receivedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	relay.mu.Lock()
	env, err := Decode(relay.received[0])
	relay.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, TypeAcceptCall, env.Type)
	assert.Equal(t, "alice", env.From, "sender identity is stamped")
}

func TestRelayChannelDeliversInbound(t *testing.T) {
	relay, url := startTestRelay(t)
	ch := NewRelayChannel(url, "bob")
	defer ch.Close()

	inbound := make(chan Envelope, 1)
	ch.SetHandler(func(env Envelope) { inbound <- env })
	require.NoError(t, ch.Connect(context.Background()))

	data, err := Encode(NewCallInitiated("call-2", "alice", "Alice", "audio"))
	require.NoError(t, err)

	// The relay only learns the connection once the handshake finishes.
	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return relay.conn != nil
	}, 2*time.Second, 10*time.Millisecond)
	relay.push(t, data)

	select {
	case env := <-inbound:
		assert.Equal(t, TypeCallInitiated, env.Type)
		assert.Equal(t, "call-2", env.CallID)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound envelope never delivered")
	}
}

func TestRelayChannelDropsUndecodableInbound(t *testing.T) {
	relay, url := startTestRelay(t)
	ch := NewRelayChannel(url, "bob")
	defer ch.Close()

	inbound := make(chan Envelope, 2)
	ch.SetHandler(func(env Envelope) { inbound <- env })
	require.NoError(t, ch.Connect(context.Background()))
	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return relay.conn != nil
	}, 2*time.Second, 10*time.Millisecond)

	relay.push(t, []byte(`{"type":"mystery"}`))
	relay.push(t, []byte(`not json`))
	valid, err := Encode(NewEndCall("call-3", "done"))
	require.NoError(t, err)
	relay.push(t, valid)

	select {
	case env := <-inbound:
		assert.Equal(t, TypeEndCall, env.Type, "bad frames are skipped, not fatal")
	case <-time.After(2 * time.Second):
		t.Fatal("valid envelope never delivered")
	}
}

func TestRelayChannelSendWithoutConnect(t *testing.T) {
	ch := NewRelayChannel("ws://127.0.0.1:0/ws", "alice")
	defer ch.Close()

	errs := make(chan error, 1)
	ch.SetErrorHandler(func(err error) { errs <- err })

	require.NoError(t, ch.Send(NewAcceptCall("call-4")), "send is fire-and-forget")
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("expected a transport error")
	}
}

func TestRelayChannelCloseIsIdempotent(t *testing.T) {
	_, url := startTestRelay(t)
	ch := NewRelayChannel(url, "alice")
	require.NoError(t, ch.Connect(context.Background()))

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(NewAcceptCall("x")), ErrChannelClosed)
	assert.ErrorIs(t, ch.Connect(context.Background()), ErrChannelClosed)
}
