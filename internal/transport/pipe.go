// ABOUTME: In-process connection pair for tests and embedded deployments.
// ABOUTME: Payloads travel through the same msgpack round-trip as the websocket path.

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// handlerSet is the per-connection registry of event handlers.
type handlerSet struct {
	mu sync.RWMutex
	m  map[string][]Handler
}

func (h *handlerSet) on(event string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string][]Handler)
	}
	h.m[event] = append(h.m[event], fn)
}

func (h *handlerSet) dispatch(event string, p Payload, reply Reply) {
	h.mu.RLock()
	handlers := h.m[event]
	h.mu.RUnlock()

	if reply == nil {
		reply = func(any) {}
	}
	for _, fn := range handlers {
		fn(p, reply)
	}
}

// rawPayload is a msgpack-encoded payload awaiting decode.
type rawPayload []byte

func (p rawPayload) Decode(into any) error {
	return msgpack.Unmarshal(p, into)
}

func encodePayload(v any) (rawPayload, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return rawPayload(b), nil
}

// PipeConn is one end of an in-process connection pair. Events sent on one
// end are delivered synchronously to the other end's handlers, which keeps
// tests deterministic.
type PipeConn struct {
	id       string
	peer     *PipeConn
	handlers handlerSet

	mu     sync.Mutex
	closed bool
	onDisc []func()
}

// NewPipe creates a connected pair of in-process connections. Closing
// either end closes both.
func NewPipe() (*PipeConn, *PipeConn) {
	a := &PipeConn{id: uuid.NewString()}
	b := &PipeConn{id: uuid.NewString()}
	a.peer = b
	b.peer = a
	return a, b
}

// ID returns the connection's unique identifier.
func (c *PipeConn) ID() string { return c.id }

// Send delivers the event to the peer's handlers.
func (c *PipeConn) Send(event string, v any) error {
	if c.isClosed() {
		return ErrClosed
	}
	p, err := encodePayload(v)
	if err != nil {
		return err
	}
	c.peer.handlers.dispatch(event, p, nil)
	return nil
}

// Request delivers the event to the peer's handlers and waits for the
// reply, or for ctx to expire.
func (c *PipeConn) Request(ctx context.Context, event string, v any) (Payload, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	p, err := encodePayload(v)
	if err != nil {
		return nil, err
	}

	replies := make(chan Payload, 1)
	go c.peer.handlers.dispatch(event, p, func(answer any) {
		encoded, err := encodePayload(answer)
		if err != nil {
			return
		}
		select {
		case replies <- encoded:
		default:
			// Only the first reply counts.
		}
	})

	select {
	case answer := <-replies:
		return answer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// On registers a handler for a named inbound event.
func (c *PipeConn) On(event string, h Handler) {
	c.handlers.on(event, h)
}

// OnDisconnect registers a function invoked once when the pipe closes.
func (c *PipeConn) OnDisconnect(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisc = append(c.onDisc, f)
}

// Close tears both ends of the pipe down. Idempotent.
func (c *PipeConn) Close() error {
	c.closeSide()
	c.peer.closeSide()
	return nil
}

func (c *PipeConn) closeSide() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := c.onDisc
	c.mu.Unlock()

	for _, f := range handlers {
		f()
	}
}

func (c *PipeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
