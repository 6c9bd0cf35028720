package call

import "github.com/opd-ai/callkit/signaling"

// The machine's inbound queue carries a tagged union of commands (from the
// public API, answered through reply channels) and events (from the
// signaling channel, the negotiator and the watchdog timer). The event
// loop processes them strictly in arrival order.

type event interface{ isEvent() }

// Commands.

type cmdInitiate struct {
	receiverID string
	callType   CallType
	reply      chan error
}

type cmdAccept struct{ reply chan error }

type cmdReject struct {
	reason string
	reply  chan error
}

type cmdEnd struct {
	reason string
	reply  chan error
}

type toggleKind uint8

const (
	toggleMic toggleKind = iota
	toggleCamera
	togglePip
)

type cmdToggle struct {
	kind  toggleKind
	reply chan bool
}

type cmdStats struct{ reply chan map[string]any }

// Signaling and collaborator events.

type evSignal struct{ env signaling.Envelope }

type evTransportError struct{ err error }

// evLocalMedia reports completion of an asynchronous local-media
// acquisition started under the given session generation.
type evLocalMedia struct {
	gen uint64
	err error
}

type evLocalCandidate struct {
	gen  uint64
	cand signaling.IcePayload
}

type evRemoteTrack struct {
	gen  uint64
	kind string
}

type evWatchdog struct{ gen uint64 }

func (cmdInitiate) isEvent()      {}
func (cmdAccept) isEvent()        {}
func (cmdReject) isEvent()        {}
func (cmdEnd) isEvent()           {}
func (cmdToggle) isEvent()        {}
func (cmdStats) isEvent()         {}
func (evSignal) isEvent()         {}
func (evTransportError) isEvent() {}
func (evLocalMedia) isEvent()     {}
func (evLocalCandidate) isEvent() {}
func (evRemoteTrack) isEvent()    {}
func (evWatchdog) isEvent()       {}
