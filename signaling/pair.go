package signaling

import (
	"context"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

// LoopbackChannel is an in-process Channel whose counterpart is another
// LoopbackChannel. Pair links two of them with relay semantics: an
// initiate_call sent on one end is delivered to the other as call_initiated
// with a freshly assigned call ID, accept_call arrives as call_accepted,
// and every other message is forwarded unchanged. It exists for tests and
// transport-free demos.
type LoopbackChannel struct {
	selfID string
	peer   *LoopbackChannel

	mu        sync.Mutex
	connected bool
	closed    bool
	inbox     chan Envelope

	hmu        sync.RWMutex
	handler    Handler
	errHandler ErrorHandler
}

var _ Channel = (*LoopbackChannel)(nil)

// Pair creates two linked loopback channels for the given peer IDs.
func Pair(aID, bID string) (*LoopbackChannel, *LoopbackChannel) {
	a := newLoopback(aID)
	b := newLoopback(bID)
	a.peer, b.peer = b, a
	return a, b
}

func newLoopback(id string) *LoopbackChannel {
	c := &LoopbackChannel{
		selfID: id,
		inbox:  make(chan Envelope, 64),
	}
	go c.deliverLoop()
	return c
}

// deliverLoop hands inbound envelopes to the handler one at a time, in
// arrival order, off the sender's goroutine.
func (c *LoopbackChannel) deliverLoop() {
	for env := range c.inbox {
		c.hmu.RLock()
		handler := c.handler
		c.hmu.RUnlock()
		if handler != nil {
			handler(env)
		}
	}
}

// SetHandler registers the inbound envelope handler.
func (c *LoopbackChannel) SetHandler(h Handler) {
	c.hmu.Lock()
	c.handler = h
	c.hmu.Unlock()
}

// SetErrorHandler registers the asynchronous failure handler.
func (c *LoopbackChannel) SetErrorHandler(h ErrorHandler) {
	c.hmu.Lock()
	c.errHandler = h
	c.hmu.Unlock()
}

// Connect marks the channel live. There is nothing to dial.
func (c *LoopbackChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.connected = true
	return nil
}

// Send applies the relay transformation and queues the envelope at the
// counterpart.
func (c *LoopbackChannel) Send(env Envelope) error {
	c.mu.Lock()
	closed, connected := c.closed, c.connected
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if !connected {
		c.reportError(&TransportError{Op: "send", Err: ErrNotConnected})
		return nil
	}

	if env.From == "" {
		env.From = c.selfID
	}

	switch env.Type {
	case TypeInitiateCall:
		callID, err := gonanoid.New()
		if err != nil {
			return fmt.Errorf("assign call id: %w", err)
		}
		env = NewCallInitiated(callID, c.selfID, env.CallerName, env.CallType)
	case TypeAcceptCall:
		env = NewCallAccepted(env.CallID)
	}

	c.peer.accept(env)
	return nil
}

func (c *LoopbackChannel) accept(env Envelope) {
	// Holding the lock across the send keeps Close from closing the inbox
	// between the check and the enqueue.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbox <- env:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "accept",
			"peer_id":  c.selfID,
			"type":     env.Type,
		}).Warn("Loopback inbox full, dropping message")
	}
}

// Close shuts the channel down. Idempotent.
func (c *LoopbackChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.inbox)
	return nil
}

func (c *LoopbackChannel) reportError(err error) {
	c.hmu.RLock()
	handler := c.errHandler
	c.hmu.RUnlock()
	if handler != nil {
		handler(err)
	}
}
