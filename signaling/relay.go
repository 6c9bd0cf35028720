package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 70 * time.Second
	relayPingPeriod = 30 * time.Second

	// sendQueueSize bounds the outbound buffer. A full queue drops the
	// message and surfaces a TransportError instead of blocking call logic.
	sendQueueSize = 32
)

// RelayChannel is a Channel implementation over a websocket relay.
//
// The relay routes each envelope to the peer named in its To field (or to
// the other participant of the call when To is empty). The channel performs
// no automatic reconnect: a dropped connection surfaces through the error
// handler and the owner decides whether to call Connect again.
type RelayChannel struct {
	relayURL string
	selfID   string
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	sendq  chan []byte
	done   chan struct{}
	closed bool

	hmu        sync.RWMutex
	handler    Handler
	errHandler ErrorHandler
}

var _ Channel = (*RelayChannel)(nil)

// NewRelayChannel creates a channel that will dial relayURL and identify
// itself to the relay as selfID. The connection is not established until
// Connect is called.
func NewRelayChannel(relayURL, selfID string) *RelayChannel {
	return &RelayChannel{
		relayURL: relayURL,
		selfID:   selfID,
		dialer:   websocket.DefaultDialer,
	}
}

// SetHandler registers the inbound envelope handler.
func (c *RelayChannel) SetHandler(h Handler) {
	c.hmu.Lock()
	c.handler = h
	c.hmu.Unlock()
}

// SetErrorHandler registers the asynchronous failure handler.
func (c *RelayChannel) SetErrorHandler(h ErrorHandler) {
	c.hmu.Lock()
	c.errHandler = h
	c.hmu.Unlock()
}

// Connect dials the relay, replacing any previous connection. Safe to call
// again after a transport failure.
func (c *RelayChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	u, err := url.Parse(c.relayURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", c.selfID)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	// Replace any previous connection; its pumps exit on the closed socket.
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.done != nil {
		close(c.done)
	}

	c.conn = conn
	c.sendq = make(chan []byte, sendQueueSize)
	c.done = make(chan struct{})

	go c.readPump(conn)
	go c.writePump(conn, c.sendq, c.done)

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"relay":    c.relayURL,
		"peer_id":  c.selfID,
	}).Info("Signaling relay connected")

	return nil
}

// Send queues an envelope for delivery. Fire-and-forget: delivery failures
// surface through the error handler, never as a blocking error here. Send
// returns an error only when the envelope cannot be encoded or the channel
// is permanently closed.
func (c *RelayChannel) Send(env Envelope) error {
	if env.From == "" {
		env.From = c.selfID
	}
	data, err := Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed, conn, sendq := c.closed, c.conn, c.sendq
	c.mu.Unlock()

	if closed {
		return ErrChannelClosed
	}
	if conn == nil {
		c.reportError(&TransportError{Op: "send", Err: ErrNotConnected})
		return nil
	}

	select {
	case sendq <- data:
	default:
		c.reportError(&TransportError{Op: "send", Err: fmt.Errorf("queue full, dropped %s", env.Type)})
	}
	return nil
}

// Close permanently shuts down the channel. Idempotent.
func (c *RelayChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return nil
}

// readPump decodes inbound frames and hands them to the handler in arrival
// order. Exits on the first read error, reporting it as a TransportError.
func (c *RelayChannel) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn)
			c.reportError(&TransportError{Op: "read", Err: err})
			return
		}

		env, err := Decode(payload)
		if err != nil {
			// Unknown or malformed messages are dropped, not fatal.
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"peer_id":  c.selfID,
				"error":    err.Error(),
			}).Debug("Dropping undecodable signaling message")
			continue
		}

		// Never log SDP/candidate bodies; they can contain addresses.
		logrus.WithFields(logrus.Fields{
			"function":      "readPump",
			"type":          env.Type,
			"call_id":       env.CallID,
			"payload_bytes": len(env.Payload),
		}).Debug("Signaling message received")

		c.hmu.RLock()
		handler := c.handler
		c.hmu.RUnlock()
		if handler != nil {
			handler(env)
		}
	}
}

// writePump drains the send queue and keeps the connection alive with
// periodic pings.
func (c *RelayChannel) writePump(conn *websocket.Conn, sendq chan []byte, done chan struct{}) {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-sendq:
			_ = conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.dropConn(conn)
				c.reportError(&TransportError{Op: "write", Err: err})
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.dropConn(conn)
				c.reportError(&TransportError{Op: "ping", Err: err})
				return
			}
		}
	}
}

// dropConn clears the active connection if it is still the given one, so a
// later Connect is required before traffic flows again.
func (c *RelayChannel) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *RelayChannel) reportError(err error) {
	c.hmu.RLock()
	handler := c.errHandler
	c.hmu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function": "reportError",
		"peer_id":  c.selfID,
		"error":    err.Error(),
	}).Warn("Signaling transport failure")

	if handler != nil {
		handler(err)
	}
}
