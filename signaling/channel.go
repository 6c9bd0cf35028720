package signaling

import "context"

// Handler receives every decoded inbound envelope in arrival order.
type Handler func(Envelope)

// ErrorHandler receives asynchronous channel failures (read/write pump
// errors, queue overflow). Delivery failures are reported here rather than
// from Send so call logic is never blocked on the relay.
type ErrorHandler func(error)

// Channel is an abstract duplex pipe exchanging typed signaling messages
// with a remote counterpart through a server-mediated relay.
//
// Connect establishes or re-establishes the relay connection and may be
// called again after a failure; the channel never reconnects on its own.
// Send is fire-and-forget: it returns an error only when the message could
// not be queued, while later delivery failures surface through the error
// handler as a TransportError.
type Channel interface {
	Connect(ctx context.Context) error
	Send(env Envelope) error
	SetHandler(h Handler)
	SetErrorHandler(h ErrorHandler)
	Close() error
}
