package call

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callkit/history"
	"github.com/opd-ai/callkit/signaling"
)

// DefaultWatchdogTimeout is how long a negotiating call may wait for the
// first remote media before being force-ended.
const DefaultWatchdogTimeout = 20 * time.Second

// mailboxSize bounds the inbound event queue.
const mailboxSize = 64

// Config carries the machine's identity and policies.
type Config struct {
	// SelfID identifies the local participant to the relay.
	SelfID string
	// SelfName is the local display name sent with outgoing calls.
	SelfName string
	// WatchdogTimeout overrides DefaultWatchdogTimeout when positive.
	WatchdogTimeout time.Duration
	// MediaPolicy decides how local-capture failures are handled.
	MediaPolicy MediaFailurePolicy
	// Clock stamps diagnostic events; defaults to the real clock.
	Clock TimeProvider
}

// Machine owns the single call session and processes every command and
// event strictly in arrival order on one goroutine. It is the only writer
// of call state; collaborators re-enter through the mailbox.
type Machine struct {
	cfg      Config
	sig      Signaler
	newMedia MediaFactory
	sink     history.Sink
	log      *EventLog

	events  chan event
	done    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	// postMu fences producers against the final drain: posts hold the read
	// lock while enqueueing, and the run goroutine sets draining under the
	// write lock before emptying the mailbox, so nothing can slip into a
	// dead queue.
	postMu   sync.RWMutex
	draining bool

	runMu   sync.Mutex
	running bool

	// Loop-owned state; only the run goroutine touches these.
	sess     *session
	media    MediaSession
	watchdog *time.Timer
	nextGen  uint64

	stateMu sync.RWMutex
	snap    Snapshot
	stateCB func(Snapshot)
}

// NewMachine creates a call state machine. sig and mediaFactory are
// required; a nil sink falls back to the no-op history sink. The machine
// does not process anything until Start.
func NewMachine(cfg Config, sig Signaler, mediaFactory MediaFactory, sink history.Sink) (*Machine, error) {
	if sig == nil {
		return nil, errNilCollaborator("signaler")
	}
	if mediaFactory == nil {
		return nil, errNilCollaborator("media factory")
	}
	if sink == nil {
		sink = history.NopSink{}
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = DefaultTimeProvider{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:      cfg,
		sig:      sig,
		newMedia: mediaFactory,
		sink:     sink,
		log:      NewEventLog(cfg.Clock),
		events:   make(chan event, mailboxSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":         "NewMachine",
		"self_id":          cfg.SelfID,
		"watchdog_timeout": cfg.WatchdogTimeout,
		"media_policy":     cfg.MediaPolicy,
	}).Debug("Call machine configured")

	return m, nil
}

// OnStateChange registers the snapshot observer. Must be set before Start;
// the callback is invoked from the machine's event loop on every
// transition.
func (m *Machine) OnStateChange(fn func(Snapshot)) {
	m.stateMu.Lock()
	m.stateCB = fn
	m.stateMu.Unlock()
}

// Start launches the event loop.
func (m *Machine) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return ErrMachineAlreadyRunning
	}
	m.running = true
	go m.run()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"self_id":  m.cfg.SelfID,
	}).Info("Call machine started")
	return nil
}

// Stop ends any active call, shuts down the event loop and waits for it to
// exit. Idempotent.
func (m *Machine) Stop() error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return nil
	}
	m.running = false
	m.runMu.Unlock()

	// Best-effort clean end of the in-flight call before the loop exits.
	_ = m.EndCall("shutdown")

	m.cancel()
	close(m.done)
	<-m.stopped

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"self_id":  m.cfg.SelfID,
	}).Info("Call machine stopped")
	return nil
}

// InitiateCall starts an outgoing call to receiverID. A no-op error when a
// call is already connecting or active.
func (m *Machine) InitiateCall(receiverID string, callType CallType) error {
	reply := make(chan error, 1)
	if !m.post(cmdInitiate{receiverID: receiverID, callType: callType, reply: reply}) {
		return ErrMachineNotRunning
	}
	return <-reply
}

// AcceptCall accepts the session in ringing-incoming.
func (m *Machine) AcceptCall() error {
	reply := make(chan error, 1)
	if !m.post(cmdAccept{reply: reply}) {
		return ErrMachineNotRunning
	}
	return <-reply
}

// RejectCall declines the current call with an optional reason.
func (m *Machine) RejectCall(reason string) error {
	reply := make(chan error, 1)
	if !m.post(cmdReject{reason: reason, reply: reply}) {
		return ErrMachineNotRunning
	}
	return <-reply
}

// EndCall terminates the current call. Idempotent: with no active call it
// is a no-op.
func (m *Machine) EndCall(reason string) error {
	reply := make(chan error, 1)
	if !m.post(cmdEnd{reason: reason, reply: reply}) {
		return ErrMachineNotRunning
	}
	return <-reply
}

// ToggleMic flips the local microphone and returns the new enabled state.
func (m *Machine) ToggleMic() bool { return m.toggle(toggleMic) }

// ToggleCamera flips the local camera and returns the new enabled state.
func (m *Machine) ToggleCamera() bool { return m.toggle(toggleCamera) }

// TogglePip flips picture-in-picture and returns the new enabled state.
func (m *Machine) TogglePip() bool { return m.toggle(togglePip) }

func (m *Machine) toggle(kind toggleKind) bool {
	reply := make(chan bool, 1)
	if !m.post(cmdToggle{kind: kind, reply: reply}) {
		return false
	}
	return <-reply
}

// GetStats returns a best-effort diagnostics snapshot of the media
// connection; empty when no call is active.
func (m *Machine) GetStats() map[string]any {
	reply := make(chan map[string]any, 1)
	if !m.post(cmdStats{reply: reply}) {
		return map[string]any{}
	}
	return <-reply
}

// Snapshot returns the current published call state.
func (m *Machine) Snapshot() Snapshot {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.snap
}

// Events returns a copy of the diagnostic event log, oldest first.
func (m *Machine) Events() []Event { return m.log.Events() }

// HandleEnvelope feeds one inbound signaling message into the mailbox.
// Wire this as the signaling channel's handler.
func (m *Machine) HandleEnvelope(env signaling.Envelope) {
	m.postAsync(evSignal{env: env})
}

// HandleTransportError feeds an asynchronous signaling failure into the
// mailbox. Wire this as the signaling channel's error handler.
func (m *Machine) HandleTransportError(err error) {
	m.postAsync(evTransportError{err: err})
}

// post queues ev, failing when the machine has shut down. Any event that
// wins the enqueue before the drain gate closes is still answered by the
// final drain, so a caller is never left blocked on its reply.
func (m *Machine) post(ev event) bool {
	m.postMu.RLock()
	defer m.postMu.RUnlock()
	if m.draining {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// postAsync queues ev, silently dropping it when the machine has shut
// down. Used by collaborator callbacks that have no caller to report to.
func (m *Machine) postAsync(ev event) {
	m.postMu.RLock()
	defer m.postMu.RUnlock()
	if m.draining {
		return
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// run is the single event-processing goroutine. All session mutation
// happens here, in strict arrival order.
func (m *Machine) run() {
	defer func() {
		m.shutdownSession()
		// Close the gate, then fail whatever made it into the mailbox.
		// Posts in flight hold the read lock, so by the time draining is
		// set every accepted event is already in the queue.
		m.postMu.Lock()
		m.draining = true
		m.postMu.Unlock()
		for {
			select {
			case ev := <-m.events:
				m.failCommand(ev)
			default:
				close(m.stopped)
				return
			}
		}
	}()

	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Machine) handle(ev event) {
	switch e := ev.(type) {
	case cmdInitiate:
		e.reply <- m.handleInitiate(e.receiverID, e.callType)
	case cmdAccept:
		e.reply <- m.handleAccept()
	case cmdReject:
		e.reply <- m.handleReject(e.reason)
	case cmdEnd:
		e.reply <- m.handleEnd(e.reason)
	case cmdToggle:
		e.reply <- m.handleToggle(e.kind)
	case cmdStats:
		e.reply <- m.handleStats()
	case evSignal:
		m.handleSignal(e.env)
	case evTransportError:
		m.handleTransportError(e.err)
	case evLocalMedia:
		m.handleLocalMedia(e)
	case evLocalCandidate:
		m.handleLocalCandidate(e)
	case evRemoteTrack:
		m.handleRemoteTrack(e)
	case evWatchdog:
		m.handleWatchdog(e)
	}
}

// failCommand answers a drained command after shutdown so no caller blocks
// forever.
func (m *Machine) failCommand(ev event) {
	switch e := ev.(type) {
	case cmdInitiate:
		e.reply <- ErrMachineNotRunning
	case cmdAccept:
		e.reply <- ErrMachineNotRunning
	case cmdReject:
		e.reply <- ErrMachineNotRunning
	case cmdEnd:
		e.reply <- ErrMachineNotRunning
	case cmdToggle:
		e.reply <- false
	case cmdStats:
		e.reply <- map[string]any{}
	}
}

// shutdownSession releases the session during machine stop without sending
// further signaling.
func (m *Machine) shutdownSession() {
	if m.sess == nil {
		return
	}
	m.cancelWatchdog()
	if m.media != nil {
		_ = m.media.Close()
		m.media = nil
	}
	m.sess = nil
}

// publish stores the current session snapshot and notifies the observer.
func (m *Machine) publish() {
	if m.sess == nil {
		return
	}
	snap := m.sess.snapshot()

	m.stateMu.Lock()
	m.snap = snap
	cb := m.stateCB
	m.stateMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "publish",
		"call_id":  snap.CallID,
		"phase":    snap.Phase.String(),
	}).Debug("Call state published")

	if cb != nil {
		cb(snap)
	}
}

// send delivers an envelope via the signaling channel. Delivery is
// fire-and-forget; only encode-level failures are reported here and they
// are logged, never escalated.
func (m *Machine) send(env signaling.Envelope) {
	if err := m.sig.Send(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"type":     env.Type,
			"call_id":  env.CallID,
			"error":    err.Error(),
		}).Warn("Signaling send failed")
	}
}

// record logs a history sink failure without affecting call behavior.
func (m *Machine) record(op string, err error) {
	if err == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "record",
		"op":       op,
		"error":    err.Error(),
	}).Warn("Call history write failed")
}

func (m *Machine) armWatchdog() {
	if m.watchdog != nil || m.sess == nil {
		return
	}
	gen := m.sess.generation
	m.watchdog = time.AfterFunc(m.cfg.WatchdogTimeout, func() {
		m.postAsync(evWatchdog{gen: gen})
	})

	logrus.WithFields(logrus.Fields{
		"function": "armWatchdog",
		"call_id":  m.sess.callID,
		"timeout":  m.cfg.WatchdogTimeout,
	}).Debug("Remote-track watchdog armed")
}

func (m *Machine) cancelWatchdog() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

type errNilCollaborator string

func (e errNilCollaborator) Error() string {
	return string(e) + " cannot be nil"
}
