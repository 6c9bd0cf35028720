package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCallLifecycle(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordStarted("call-1", "alice", "bob"))
	require.NoError(t, s.RecordAccepted("call-1"))
	require.NoError(t, s.RecordEnded("call-1", "hangup"))

	recs, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, "call-1", rec.CallID)
	assert.Equal(t, "alice", rec.CallerID)
	assert.Equal(t, "bob", rec.ReceiverID)
	assert.Equal(t, StatusEnded, rec.Status)
	assert.Equal(t, "hangup", rec.EndReason)
	assert.NotNil(t, rec.AcceptedAt)
	assert.NotNil(t, rec.EndedAt)
}

func TestStoreRejectedCall(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordStarted("call-2", "alice", "bob"))
	require.NoError(t, s.RecordRejected("call-2", "busy"))

	recs, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, StatusRejected, recs[0].Status)
	assert.Equal(t, "busy", recs[0].EndReason)
	assert.Nil(t, recs[0].AcceptedAt)
}

func TestStoreTerminalWithoutStartedCreatesRecord(t *testing.T) {
	s := openTestStore(t)

	// A caller canceling before the relay echoed the real call ID never
	// produced a started record.
	require.NoError(t, s.RecordEnded("pend-abc", "canceled"))

	recs, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "pend-abc", recs[0].CallID)
	assert.Equal(t, StatusEnded, recs[0].Status)
	assert.Equal(t, "canceled", recs[0].EndReason)
}

func TestStoreDuplicateStartedIsNoOp(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordStarted("call-3", "alice", "bob"))
	require.NoError(t, s.RecordStarted("call-3", "alice", "bob"))

	recs, err := s.Recent(10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStoreRecentOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i := 0
	s.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Minute)
	}

	require.NoError(t, s.RecordStarted("old", "alice", "bob"))
	require.NoError(t, s.RecordStarted("new", "bob", "alice"))

	recs, err := s.Recent(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].CallID)
}

func TestNopSink(t *testing.T) {
	var sink Sink = NopSink{}
	assert.NoError(t, sink.RecordStarted("x", "a", "b"))
	assert.NoError(t, sink.RecordAccepted("x"))
	assert.NoError(t, sink.RecordRejected("x", "r"))
	assert.NoError(t, sink.RecordEnded("x", "r"))
}
