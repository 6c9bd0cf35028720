// Package callkit implements a peer-to-peer call engine: signaling over a
// websocket relay, WebRTC media negotiation, a strictly serialized call
// state machine and a persistent call log.
//
// The Client is the composition root. It wires the signaling channel, the
// media negotiator factory and the history sink into the call state
// machine and exposes the call API to the embedding application:
//
//	options := callkit.NewOptions()
//	options.SelfID = "alice"
//	options.RelayURL = "wss://relay.example.com/ws"
//
//	client, err := callkit.New(options)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Kill()
//
//	client.OnStateChange(func(s call.Snapshot) {
//		log.Printf("call %s: %s", s.CallID, s.Phase)
//	})
//	if err := client.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	client.InitiateCall("bob", call.CallTypeVideo)
package callkit

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/callkit/call"
	"github.com/opd-ai/callkit/history"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/signaling"
)

// Client is the top-level call engine instance. One Client represents one
// peer identity connected to one relay, handling at most one call at a
// time.
type Client struct {
	opts    *Options
	channel signaling.Channel
	machine *call.Machine
	store   *history.Store
}

// New creates a Client from the given options. The client is passive until
// Start.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.SelfID == "" {
		return nil, errors.New("callkit: SelfID is required")
	}

	channel := options.Channel
	if channel == nil {
		if options.RelayURL == "" {
			return nil, errors.New("callkit: RelayURL or Channel is required")
		}
		channel = signaling.NewRelayChannel(options.RelayURL, options.SelfID)
	}

	var sink history.Sink = history.NopSink{}
	var store *history.Store
	if options.HistoryPath != "" {
		s, err := history.OpenStore(options.HistoryPath)
		if err != nil {
			return nil, err
		}
		store = s
		sink = s
	}

	machine, err := call.NewMachine(call.Config{
		SelfID:          options.SelfID,
		SelfName:        options.SelfName,
		WatchdogTimeout: options.WatchdogTimeout,
		MediaPolicy:     options.MediaPolicy,
	}, channel, newMediaFactory(options), sink)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	channel.SetHandler(machine.HandleEnvelope)
	channel.SetErrorHandler(machine.HandleTransportError)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self_id":  options.SelfID,
		"history":  options.HistoryPath != "",
	}).Info("Call client created")

	return &Client{
		opts:    options,
		channel: channel,
		machine: machine,
		store:   store,
	}, nil
}

// newMediaFactory adapts the pion-backed negotiator to the state machine's
// media interface, translating candidate types at the boundary so the call
// package stays free of WebRTC imports.
func newMediaFactory(options *Options) call.MediaFactory {
	cfg := webrtc.Configuration{ICEServers: options.ICEServers}
	capture := options.Capture

	return func(callID string, video bool, cb call.MediaCallbacks) (call.MediaSession, error) {
		n, err := media.NewNegotiator(callID, cfg, capture, media.Callbacks{
			OnLocalCandidate: func(c webrtc.ICECandidateInit) {
				if cb.OnLocalCandidate != nil {
					cb.OnLocalCandidate(signaling.IcePayload{
						Candidate:     c.Candidate,
						SDPMid:        c.SDPMid,
						SDPMLineIndex: c.SDPMLineIndex,
					})
				}
			},
			OnRemoteTrack: cb.OnRemoteTrack,
			OnLocalMedia:  cb.OnLocalMedia,
		})
		if err != nil {
			return nil, err
		}
		return negotiatorSession{n}, nil
	}
}

// negotiatorSession bridges the candidate payload types between the
// signaling wire format and pion.
type negotiatorSession struct {
	*media.Negotiator
}

func (s negotiatorSession) AddRemoteCandidate(p signaling.IcePayload) error {
	return s.Negotiator.AddRemoteCandidate(webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	})
}

// Start connects the signaling channel and launches the call state
// machine.
func (c *Client) Start(ctx context.Context) error {
	if err := c.channel.Connect(ctx); err != nil {
		return err
	}
	return c.machine.Start()
}

// Kill stops the state machine, disconnects signaling and closes the call
// log. Safe to call more than once.
func (c *Client) Kill() {
	_ = c.machine.Stop()
	_ = c.channel.Close()
	if c.store != nil {
		_ = c.store.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
		"self_id":  c.opts.SelfID,
	}).Info("Call client shut down")
}

// OnStateChange registers the call snapshot observer. Set before Start.
func (c *Client) OnStateChange(fn func(call.Snapshot)) {
	c.machine.OnStateChange(fn)
}

// InitiateCall starts an outgoing call to receiverID.
func (c *Client) InitiateCall(receiverID string, callType call.CallType) error {
	return c.machine.InitiateCall(receiverID, callType)
}

// AcceptCall answers the current incoming call.
func (c *Client) AcceptCall() error { return c.machine.AcceptCall() }

// RejectCall declines the current call with an optional reason.
func (c *Client) RejectCall(reason string) error { return c.machine.RejectCall(reason) }

// EndCall hangs up the current call. A no-op when no call is active.
func (c *Client) EndCall(reason string) error { return c.machine.EndCall(reason) }

// ToggleMic flips the microphone and returns the new enabled state.
func (c *Client) ToggleMic() bool { return c.machine.ToggleMic() }

// ToggleCamera flips the camera and returns the new enabled state.
func (c *Client) ToggleCamera() bool { return c.machine.ToggleCamera() }

// TogglePip flips picture-in-picture and returns the new enabled state.
func (c *Client) TogglePip() bool { return c.machine.TogglePip() }

// GetStats returns a best-effort diagnostics snapshot of the media
// connection.
func (c *Client) GetStats() map[string]any { return c.machine.GetStats() }

// Snapshot returns the current published call state.
func (c *Client) Snapshot() call.Snapshot { return c.machine.Snapshot() }

// Events returns the diagnostic event log, oldest first.
func (c *Client) Events() []call.Event { return c.machine.Events() }

// RecentCalls returns up to limit most recent call log records, newest
// first. Empty when persistence is disabled.
func (c *Client) RecentCalls(limit int) ([]history.CallRecord, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.Recent(limit)
}
