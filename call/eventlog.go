package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies diagnostic event log entries.
type EventType string

const (
	EventJoinRequested      EventType = "join-requested"
	EventJoined             EventType = "joined"
	EventOfferReceived      EventType = "offer-received"
	EventAnswerReceived     EventType = "answer-received"
	EventCallEnded          EventType = "call-ended"
	EventMediaError         EventType = "media-error"
	EventTransportError     EventType = "transport-error"
	EventParticipantUpdated EventType = "participant-updated"
)

// Event is one append-only diagnostic log entry. Entries are never mutated
// after being appended.
type Event struct {
	ID        string
	Type      EventType
	Data      map[string]any
	Timestamp time.Time
}

// eventLogCapacity bounds the in-memory diagnostic ring. Old entries are
// discarded once the ring is full.
const eventLogCapacity = 256

// EventLog is a bounded append-only log of call lifecycle events kept for
// post-mortem inspection. All errors the machine observes are appended
// here alongside lifecycle milestones.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	clock  TimeProvider
}

// NewEventLog creates an empty log stamping entries with the given clock.
func NewEventLog(clock TimeProvider) *EventLog {
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	return &EventLog{clock: clock}
}

// Append records one event. Data may be nil.
func (l *EventLog) Append(t EventType, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= eventLogCapacity {
		l.events = l.events[1:]
	}
	l.events = append(l.events, Event{
		ID:        uuid.NewString(),
		Type:      t,
		Data:      data,
		Timestamp: l.clock.Now(),
	})
}

// Events returns a copy of the current log contents, oldest first.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
