// Package history records call lifecycle events for the embedding
// application's call log. Recording is fire-and-forget from the state
// machine's perspective: persistence failures are logged by the caller and
// never affect call behavior.
package history

import "time"

// Sink is an append-only log of call lifecycle events keyed by call ID.
type Sink interface {
	RecordStarted(callID, callerID, receiverID string) error
	RecordAccepted(callID string) error
	RecordRejected(callID, reason string) error
	RecordEnded(callID, reason string) error
}

// NopSink discards all events. Used by embedders without persistence.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) RecordStarted(callID, callerID, receiverID string) error { return nil }
func (NopSink) RecordAccepted(callID string) error                      { return nil }
func (NopSink) RecordRejected(callID, reason string) error              { return nil }
func (NopSink) RecordEnded(callID, reason string) error                 { return nil }

// CallStatus is the terminal classification of a recorded call.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusAccepted CallStatus = "accepted"
	StatusRejected CallStatus = "rejected"
	StatusEnded    CallStatus = "ended"
)

// CallRecord is one row of the persistent call log.
type CallRecord struct {
	CallID     string     `gorm:"primaryKey"`
	CallerID   string     `gorm:"index"`
	ReceiverID string     `gorm:"index"`
	Status     CallStatus
	EndReason  string
	StartedAt  time.Time
	AcceptedAt *time.Time
	EndedAt    *time.Time
}
