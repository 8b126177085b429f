// ABOUTME: Connection abstraction for full-duplex named-event channels.
// ABOUTME: Defines the Conn contract implemented by websocket and pipe connections.

package transport

import (
	"context"
	"errors"
)

// ErrClosed indicates an operation on a connection that has already closed.
var ErrClosed = errors.New("connection closed")

// Payload is an event payload awaiting decoding into a caller-owned value.
type Payload interface {
	Decode(into any) error
}

// Reply answers an acknowledgement-style event. It is a no-op when the
// sender did not request an acknowledgement.
type Reply func(v any)

// Handler processes one inbound event.
type Handler func(p Payload, reply Reply)

// Conn is one physical full-duplex channel belonging to a participant.
// Implementations must be safe for concurrent use.
type Conn interface {
	// ID returns the connection's unique identifier.
	ID() string

	// Send emits a named event to the peer, best-effort.
	Send(event string, v any) error

	// Request emits a named event and waits for the peer's acknowledgement
	// reply, or for ctx to expire.
	Request(ctx context.Context, event string, v any) (Payload, error)

	// On registers a handler for a named inbound event. Handlers for the
	// same event run in registration order.
	On(event string, h Handler)

	// OnDisconnect registers a function invoked exactly once when the
	// connection closes, whichever side initiated it.
	OnDisconnect(f func())

	// Close tears the connection down. Safe to call more than once.
	Close() error
}
