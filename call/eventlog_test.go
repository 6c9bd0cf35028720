package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time                  { return c.t }
func (c fixedClock) Since(t time.Time) time.Duration { return c.t.Sub(t) }

func TestEventLogAppendAndRead(t *testing.T) {
	clock := fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	log := NewEventLog(clock)

	log.Append(EventJoinRequested, map[string]any{"call_id": "c1"})
	log.Append(EventJoined, nil)

	events := log.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventJoinRequested, events[0].Type)
	assert.Equal(t, "c1", events[0].Data["call_id"])
	assert.Equal(t, clock.t, events[0].Timestamp)
	assert.NotEmpty(t, events[0].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestEventLogBoundsCapacity(t *testing.T) {
	log := NewEventLog(nil)
	for i := 0; i < eventLogCapacity+10; i++ {
		log.Append(EventJoined, map[string]any{"i": i})
	}

	events := log.Events()
	require.Len(t, events, eventLogCapacity)
	assert.Equal(t, 10, events[0].Data["i"], "oldest entries are discarded first")
}

func TestEventLogReturnsCopy(t *testing.T) {
	log := NewEventLog(nil)
	log.Append(EventJoined, nil)

	events := log.Events()
	events[0].Type = EventCallEnded

	assert.Equal(t, EventJoined, log.Events()[0].Type)
}
