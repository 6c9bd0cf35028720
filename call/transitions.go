package call

import (
	"errors"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/signaling"
)

// Terminal reasons recorded to the history sink.
const (
	reasonTimeout          = "remote-track-timeout"
	reasonNegotiation      = "negotiation-failed"
	reasonMediaDenied      = "media-permission-denied"
	reasonMediaUnavailable = "media-unavailable"
	reasonBusy             = "busy"
)

// handleInitiate creates the outgoing session. Calling while a session
// exists is a rejected no-op; no message leaves the machine.
func (m *Machine) handleInitiate(receiverID string, callType CallType) error {
	if m.sess != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInitiate",
			"call_id":  m.sess.callID,
			"phase":    m.sess.phase.String(),
		}).Warn("Initiate ignored, call already active")
		return ErrCallAlreadyActive
	}
	if callType != CallTypeVideo {
		callType = CallTypeAudio
	}

	// The relay assigns the real call ID in call_initiated; until the
	// call_accepted echo arrives the session runs under a provisional one.
	suffix, err := gonanoid.New()
	if err != nil {
		return err
	}
	provisionalID := "pend-" + suffix

	m.nextGen++
	sess := newOutgoingSession(m.nextGen, provisionalID, m.localParticipant(), receiverID, callType)

	ms, err := m.openMedia(sess)
	if err != nil {
		return err
	}
	m.sess = sess
	m.media = ms

	m.send(signaling.NewInitiateCall(receiverID, string(callType), m.cfg.SelfName))
	m.startLocalMedia(sess)

	logrus.WithFields(logrus.Fields{
		"function":    "handleInitiate",
		"call_id":     sess.callID,
		"receiver_id": receiverID,
		"call_type":   callType,
	}).Info("Outgoing call initiated")

	m.publish()
	return nil
}

// handleIncomingCall processes call_initiated from the relay. A second
// incoming call while one session exists is rejected busy without touching
// the active session.
func (m *Machine) handleIncomingCall(env signaling.Envelope) {
	if m.sess != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handleIncomingCall",
			"call_id":   env.CallID,
			"caller_id": env.From,
			"active_id": m.sess.callID,
		}).Info("Busy, rejecting second incoming call")
		m.send(signaling.NewRejectCall(env.CallID, reasonBusy))
		return
	}

	callType := CallType(env.CallType)
	if callType != CallTypeVideo {
		callType = CallTypeAudio
	}

	m.nextGen++
	sess := newIncomingSession(m.nextGen, env.CallID, m.localParticipant(), env.From, env.CallerName, callType)

	ms, err := m.openMedia(sess)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIncomingCall",
			"call_id":  env.CallID,
			"error":    err.Error(),
		}).Error("Cannot open media for incoming call, rejecting")
		m.send(signaling.NewRejectCall(env.CallID, reasonMediaUnavailable))
		return
	}
	m.sess = sess
	m.media = ms

	m.record("started", m.sink.RecordStarted(sess.callID, sess.remote.ID, m.cfg.SelfID))
	m.log.Append(EventJoinRequested, map[string]any{
		"call_id":     sess.callID,
		"caller_id":   sess.remote.ID,
		"caller_name": sess.remote.DisplayName,
		"call_type":   string(callType),
	})

	logrus.WithFields(logrus.Fields{
		"function":  "handleIncomingCall",
		"call_id":   sess.callID,
		"caller_id": sess.remote.ID,
		"call_type": callType,
	}).Info("Incoming call ringing")

	m.publish()
}

// handleAccept answers the ringing incoming call.
func (m *Machine) handleAccept() error {
	if m.sess == nil || m.sess.phase != PhaseRingingIncoming {
		return ErrNoIncomingCall
	}
	sess := m.sess
	sess.phase = PhaseNegotiating

	m.send(signaling.NewAcceptCall(sess.callID))
	m.record("accepted", m.sink.RecordAccepted(sess.callID))
	m.startLocalMedia(sess)
	m.armWatchdog()

	logrus.WithFields(logrus.Fields{
		"function": "handleAccept",
		"call_id":  sess.callID,
	}).Info("Incoming call accepted")

	m.publish()
	return nil
}

// handleReject declines the current call and notifies the remote side.
func (m *Machine) handleReject(reason string) error {
	if m.sess == nil {
		return ErrNoActiveCall
	}
	sess := m.sess

	m.send(signaling.NewRejectCall(sess.callID, reason))
	m.record("rejected", m.sink.RecordRejected(sess.callID, reason))

	logrus.WithFields(logrus.Fields{
		"function": "handleReject",
		"call_id":  sess.callID,
		"reason":   reason,
	}).Info("Call rejected locally")

	m.teardown("rejected")
	return nil
}

// handleEnd hangs up the current call. With no session it is a silent
// no-op so repeated hangups from the UI never fail.
func (m *Machine) handleEnd(reason string) error {
	if m.sess == nil {
		return nil
	}
	sess := m.sess

	if !sess.hangupSent {
		sess.hangupSent = true
		m.send(signaling.NewEndCall(sess.callID, reason))
	}
	m.record("ended", m.sink.RecordEnded(sess.callID, reason))

	logrus.WithFields(logrus.Fields{
		"function": "handleEnd",
		"call_id":  sess.callID,
		"reason":   reason,
	}).Info("Call ended locally")

	m.teardown(reason)
	return nil
}

// handleToggle flips a local media control and returns the new state. With
// no session the toggles report the disabled state.
func (m *Machine) handleToggle(kind toggleKind) bool {
	if m.sess == nil {
		return false
	}
	sess := m.sess

	var enabled bool
	switch kind {
	case toggleMic:
		if m.media != nil {
			enabled = m.media.ToggleMute()
		} else {
			enabled = !sess.micEnabled
		}
		sess.micEnabled = enabled
	case toggleCamera:
		if m.media != nil {
			enabled = m.media.ToggleCamera()
		} else {
			enabled = !sess.cameraEnabled
		}
		sess.cameraEnabled = enabled
	case togglePip:
		// Pure view state, the negotiator is not involved.
		sess.pipEnabled = !sess.pipEnabled
		enabled = sess.pipEnabled
	}

	m.publish()
	return enabled
}

func (m *Machine) handleStats() map[string]any {
	if m.media == nil {
		return map[string]any{}
	}
	return m.media.StatsSnapshot()
}

// handleSignal dispatches one inbound envelope. Messages for calls the
// machine no longer tracks are dropped silently.
func (m *Machine) handleSignal(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeCallInitiated:
		m.handleIncomingCall(env)
	case signaling.TypeCallAccepted:
		m.handleCallAccepted(env)
	case signaling.TypeRejectCall:
		m.handleRemoteReject(env)
	case signaling.TypeEndCall:
		m.handleRemoteEnd(env, env.Reason)
	case signaling.TypeHangup:
		reason := ""
		if p, err := env.Hangup(); err == nil {
			reason = p.Reason
		}
		m.handleRemoteEnd(env, reason)
	case signaling.TypeOffer:
		m.handleOffer(env)
	case signaling.TypeAnswer:
		m.handleAnswer(env)
	case signaling.TypeIceCandidate:
		m.handleIce(env)
	default:
		// initiate_call and accept_call are relay-bound and should never
		// reach a peer.
		logrus.WithFields(logrus.Fields{
			"function": "handleSignal",
			"type":     env.Type,
		}).Debug("Dropping unexpected signaling message")
	}
}

// handleCallAccepted moves the outgoing session to negotiating. The first
// acceptance carries the relay-assigned call ID that replaces the
// provisional one; duplicates and mismatches are dropped.
func (m *Machine) handleCallAccepted(env signaling.Envelope) {
	sess := m.sess
	if sess == nil || sess.direction != DirectionOutgoing {
		return
	}
	if sess.provisional {
		sess.callID = env.CallID
		sess.provisional = false
	} else if sess.callID != env.CallID {
		logrus.WithFields(logrus.Fields{
			"function":  "handleCallAccepted",
			"call_id":   env.CallID,
			"active_id": sess.callID,
		}).Debug("Dropping call_accepted for unknown call")
		return
	}
	if sess.phase != PhaseConnectingOutgoing {
		return
	}
	sess.phase = PhaseNegotiating
	sess.offerWanted = true

	m.record("started", m.sink.RecordStarted(sess.callID, m.cfg.SelfID, sess.remote.ID))
	m.record("accepted", m.sink.RecordAccepted(sess.callID))
	m.armWatchdog()

	logrus.WithFields(logrus.Fields{
		"function": "handleCallAccepted",
		"call_id":  sess.callID,
	}).Info("Outgoing call accepted by remote")

	m.maybeSendOffer()
	m.publish()
}

// handleOffer applies the remote SDP offer on the callee side.
func (m *Machine) handleOffer(env signaling.Envelope) {
	sess := m.sess
	if sess == nil || sess.callID != env.CallID || m.media == nil {
		return
	}
	if sess.phase != PhaseNegotiating || sess.offerApplied {
		return
	}
	p, err := env.SDP()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"call_id":  env.CallID,
			"error":    err.Error(),
		}).Warn("Dropping malformed offer")
		return
	}
	if err := m.media.SetRemoteDescription("offer", p.SDP); err != nil {
		m.failNegotiation(err)
		return
	}
	sess.offerApplied = true
	m.log.Append(EventOfferReceived, map[string]any{"call_id": sess.callID})
	m.armWatchdog()
	m.maybeSendAnswer()
	m.publish()
}

// handleAnswer applies the remote SDP answer on the caller side.
func (m *Machine) handleAnswer(env signaling.Envelope) {
	sess := m.sess
	if sess == nil || sess.callID != env.CallID || m.media == nil {
		return
	}
	if sess.direction != DirectionOutgoing || sess.answerApplied {
		return
	}
	p, err := env.SDP()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"call_id":  env.CallID,
			"error":    err.Error(),
		}).Warn("Dropping malformed answer")
		return
	}
	if err := m.media.SetRemoteDescription("answer", p.SDP); err != nil {
		m.failNegotiation(err)
		return
	}
	sess.answerApplied = true
	m.log.Append(EventAnswerReceived, map[string]any{"call_id": sess.callID})
	m.publish()
}

// handleIce forwards a remote ICE candidate to the negotiator, which
// buffers it until the remote description is applied. Candidates for
// unknown calls are dropped silently.
func (m *Machine) handleIce(env signaling.Envelope) {
	sess := m.sess
	if sess == nil || sess.callID != env.CallID || m.media == nil {
		return
	}
	p, err := env.Ice()
	if err != nil {
		return
	}
	if err := m.media.AddRemoteCandidate(p); err != nil {
		// A bad candidate degrades connectivity but does not end the call;
		// the watchdog covers the case where no path forms at all.
		logrus.WithFields(logrus.Fields{
			"function": "handleIce",
			"call_id":  sess.callID,
			"error":    err.Error(),
		}).Warn("Remote ICE candidate not applied")
	}
}

// handleRemoteReject ends the call after the remote side declined it.
func (m *Machine) handleRemoteReject(env signaling.Envelope) {
	sess := m.sess
	if sess == nil || !m.matchesSession(env) {
		return
	}
	reason := env.Reason
	if reason == "" {
		reason = "rejected"
	}
	sess.lastError = "Call rejected"

	m.record("rejected", m.sink.RecordRejected(sess.callID, reason))

	logrus.WithFields(logrus.Fields{
		"function": "handleRemoteReject",
		"call_id":  sess.callID,
		"reason":   reason,
	}).Info("Call rejected by remote")

	m.teardown(reason)
}

// handleRemoteEnd ends the call after an end_call or hangup from the
// remote side.
func (m *Machine) handleRemoteEnd(env signaling.Envelope, reason string) {
	sess := m.sess
	if sess == nil || !m.matchesSession(env) {
		return
	}
	if reason == "" {
		reason = "remote-hangup"
	}
	// The remote already knows; suppress our own hangup on teardown.
	sess.hangupSent = true

	m.record("ended", m.sink.RecordEnded(sess.callID, reason))

	logrus.WithFields(logrus.Fields{
		"function": "handleRemoteEnd",
		"call_id":  sess.callID,
		"reason":   reason,
	}).Info("Call ended by remote")

	m.teardown(reason)
}

// handleTransportError surfaces an asynchronous signaling failure on the
// current session without tearing it down. The channel keeps the
// connection state; the call survives transient delivery problems.
func (m *Machine) handleTransportError(err error) {
	m.log.Append(EventTransportError, map[string]any{"error": err.Error()})
	if m.sess == nil {
		return
	}
	m.sess.lastError = err.Error()

	logrus.WithFields(logrus.Fields{
		"function": "handleTransportError",
		"call_id":  m.sess.callID,
		"error":    err.Error(),
	}).Warn("Signaling transport error during call")

	m.publish()
}

// handleLocalMedia processes the completion of the asynchronous local
// media acquisition. Results stamped with a dead generation are discarded.
func (m *Machine) handleLocalMedia(e evLocalMedia) {
	sess := m.sess
	if sess == nil || sess.generation != e.gen {
		return
	}

	if e.err != nil {
		m.log.Append(EventMediaError, map[string]any{
			"call_id": sess.callID,
			"error":   e.err.Error(),
		})
		if m.cfg.MediaPolicy == MediaPolicyStrict {
			m.failLocalMedia(e.err)
			return
		}
		// Permissive: proceed without local tracks. Negotiation continues
		// receive-only and the watchdog still applies.
		logrus.WithFields(logrus.Fields{
			"function": "handleLocalMedia",
			"call_id":  sess.callID,
			"error":    e.err.Error(),
		}).Warn("Continuing call without local media")
		sess.micEnabled = false
		sess.cameraEnabled = false
	} else {
		m.log.Append(EventParticipantUpdated, map[string]any{
			"call_id":     sess.callID,
			"participant": sess.local.ID,
			"local_media": true,
		})
	}

	sess.mediaDone = true
	m.maybeSendOffer()
	m.maybeSendAnswer()
	m.publish()
}

// handleLocalCandidate relays one locally gathered ICE candidate.
func (m *Machine) handleLocalCandidate(e evLocalCandidate) {
	sess := m.sess
	if sess == nil || sess.generation != e.gen {
		return
	}
	env, err := signaling.NewIceCandidate(sess.callID, e.cand)
	if err != nil {
		return
	}
	m.send(env)
}

// handleRemoteTrack marks the call connected on the first remote media.
func (m *Machine) handleRemoteTrack(e evRemoteTrack) {
	sess := m.sess
	if sess == nil || sess.generation != e.gen {
		return
	}
	if sess.phase != PhaseNegotiating {
		return
	}
	sess.phase = PhaseConnected
	m.cancelWatchdog()
	m.log.Append(EventJoined, map[string]any{
		"call_id": sess.callID,
		"kind":    e.kind,
	})

	logrus.WithFields(logrus.Fields{
		"function": "handleRemoteTrack",
		"call_id":  sess.callID,
		"kind":     e.kind,
	}).Info("Remote media arrived, call connected")

	m.publish()
}

// handleWatchdog force-ends a call that never produced remote media. Fires
// at most once per session; stale generations are discarded.
func (m *Machine) handleWatchdog(e evWatchdog) {
	sess := m.sess
	if sess == nil || sess.generation != e.gen {
		return
	}
	if sess.phase != PhaseNegotiating {
		return
	}
	sess.lastError = userFacingConnectError
	m.log.Append(EventMediaError, map[string]any{
		"call_id": sess.callID,
		"error":   ErrRemoteTrackTimeout.Error(),
	})

	logrus.WithFields(logrus.Fields{
		"function": "handleWatchdog",
		"call_id":  sess.callID,
		"timeout":  m.cfg.WatchdogTimeout,
	}).Warn("No remote media within timeout, ending call")

	if !sess.hangupSent {
		sess.hangupSent = true
		if env, err := signaling.NewHangup(sess.callID, reasonTimeout); err == nil {
			m.send(env)
		}
	}
	m.record("ended", m.sink.RecordEnded(sess.callID, reasonTimeout))
	m.teardown(reasonTimeout)
}

// failNegotiation ends the call after an SDP could not be produced or
// applied. The remote side is notified once.
func (m *Machine) failNegotiation(err error) {
	sess := m.sess
	if sess == nil {
		return
	}
	sess.lastError = userFacingConnectError
	m.log.Append(EventMediaError, map[string]any{
		"call_id": sess.callID,
		"error":   err.Error(),
	})

	logrus.WithFields(logrus.Fields{
		"function": "failNegotiation",
		"call_id":  sess.callID,
		"error":    err.Error(),
	}).Error("Negotiation failed, ending call")

	if !sess.hangupSent {
		sess.hangupSent = true
		m.send(signaling.NewEndCall(sess.callID, reasonNegotiation))
	}
	m.record("ended", m.sink.RecordEnded(sess.callID, reasonNegotiation))
	m.teardown(reasonNegotiation)
}

// failLocalMedia ends the call under the strict media policy after local
// capture failed.
func (m *Machine) failLocalMedia(err error) {
	sess := m.sess
	if sess == nil {
		return
	}
	reason := reasonMediaUnavailable
	if errors.Is(err, media.ErrPermissionDenied) {
		reason = reasonMediaDenied
		sess.lastError = "Camera or microphone permission denied"
	} else {
		sess.lastError = "Local media unavailable"
	}

	logrus.WithFields(logrus.Fields{
		"function": "failLocalMedia",
		"call_id":  sess.callID,
		"reason":   reason,
		"error":    err.Error(),
	}).Error("Local media failed, ending call")

	if !sess.hangupSent {
		sess.hangupSent = true
		m.send(signaling.NewEndCall(sess.callID, reason))
	}
	m.record("ended", m.sink.RecordEnded(sess.callID, reason))
	m.teardown(reason)
}

// maybeSendOffer creates and sends the SDP offer once the caller is
// negotiating and local media has resolved. Sent at most once.
func (m *Machine) maybeSendOffer() {
	sess := m.sess
	if sess == nil || m.media == nil {
		return
	}
	if !sess.offerWanted || sess.offerSent || !sess.mediaDone {
		return
	}
	sdp, err := m.media.CreateOffer(m.ctx)
	if err != nil {
		m.failNegotiation(err)
		return
	}
	env, err := signaling.NewOffer(sess.callID, sdp)
	if err != nil {
		m.failNegotiation(err)
		return
	}
	sess.offerSent = true
	m.send(env)

	logrus.WithFields(logrus.Fields{
		"function": "maybeSendOffer",
		"call_id":  sess.callID,
	}).Debug("Offer sent")
}

// maybeSendAnswer creates and sends the SDP answer once the callee has
// both the remote offer and resolved local media. Sent at most once.
func (m *Machine) maybeSendAnswer() {
	sess := m.sess
	if sess == nil || m.media == nil || sess.direction != DirectionIncoming {
		return
	}
	if !sess.offerApplied || sess.answerSent || !sess.mediaDone {
		return
	}
	sdp, err := m.media.CreateAnswer(m.ctx)
	if err != nil {
		m.failNegotiation(err)
		return
	}
	env, err := signaling.NewAnswer(sess.callID, sdp)
	if err != nil {
		m.failNegotiation(err)
		return
	}
	sess.answerSent = true
	m.send(env)

	logrus.WithFields(logrus.Fields{
		"function": "maybeSendAnswer",
		"call_id":  sess.callID,
	}).Debug("Answer sent")
}

// teardown finishes the current session: media is released, the terminal
// snapshot is published with phase ended, and the machine returns to idle
// so the next call can start immediately.
func (m *Machine) teardown(reason string) {
	sess := m.sess
	if sess == nil {
		return
	}
	m.cancelWatchdog()
	if m.media != nil {
		_ = m.media.Close()
		m.media = nil
	}
	sess.phase = PhaseEnded
	m.log.Append(EventCallEnded, map[string]any{
		"call_id": sess.callID,
		"reason":  reason,
	})
	m.publish()
	m.sess = nil
}

// openMedia creates the negotiator for sess with callbacks that re-enter
// the mailbox stamped with the session generation, so completions for a
// torn-down session are discarded.
func (m *Machine) openMedia(sess *session) (MediaSession, error) {
	gen := sess.generation
	return m.newMedia(sess.callID, sess.callType == CallTypeVideo, MediaCallbacks{
		OnLocalCandidate: func(cand signaling.IcePayload) {
			m.postAsync(evLocalCandidate{gen: gen, cand: cand})
		},
		OnRemoteTrack: func(kind string) {
			m.postAsync(evRemoteTrack{gen: gen, kind: kind})
		},
		OnLocalMedia: func() {},
	})
}

// startLocalMedia kicks off asynchronous local capture. The completion
// re-enters the mailbox as evLocalMedia.
func (m *Machine) startLocalMedia(sess *session) {
	if sess.mediaRequested {
		return
	}
	sess.mediaRequested = true
	gen := sess.generation
	video := sess.callType == CallTypeVideo
	ms := m.media
	ctx := m.ctx
	go func() {
		err := ms.StartLocalMedia(ctx, true, video)
		m.postAsync(evLocalMedia{gen: gen, err: err})
	}()
}

func (m *Machine) localParticipant() Participant {
	return Participant{ID: m.cfg.SelfID, DisplayName: m.cfg.SelfName, IsLocal: true}
}

// matchesSession reports whether an inbound terminal message addresses the
// current session. Terminal messages may cross before both sides have
// learned the relay-assigned ID: the caller cancels under its provisional
// ID, or the callee rejects before the caller saw call_accepted. In those
// windows the message is routed by the peer identity instead.
func (m *Machine) matchesSession(env signaling.Envelope) bool {
	if m.sess == nil {
		return false
	}
	if m.sess.callID == env.CallID {
		return true
	}
	if m.sess.provisional && m.sess.direction == DirectionOutgoing {
		// Even before the ID converges, only the called peer (or the relay
		// itself, which omits From) may end the attempt.
		return env.From == "" || env.From == m.sess.remote.ID
	}
	return env.From != "" && env.From == m.sess.remote.ID
}
