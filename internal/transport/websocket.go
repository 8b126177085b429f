// ABOUTME: Websocket-backed connection speaking a msgpack envelope protocol.
// ABOUTME: Envelopes carry an event name, optional ack id, and an opaque payload.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the wire frame. An envelope either carries a named event
// (with Ack set when the sender expects an answer) or answers a previous
// envelope (Reply set to the ack id it answers).
type envelope struct {
	Event   string             `msgpack:"event,omitempty"`
	Ack     string             `msgpack:"ack,omitempty"`
	Reply   string             `msgpack:"reply,omitempty"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

// WSConn adapts a gorilla websocket into the Conn contract.
type WSConn struct {
	id       string
	ws       *websocket.Conn
	handlers handlerSet
	logger   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan rawPayload
	closed  bool
	onDisc  []func()
}

// NewWebsocket wraps an upgraded websocket connection. The caller must run
// Serve for events to flow. Pass nil logger for default.
func NewWebsocket(ws *websocket.Conn, logger *slog.Logger) *WSConn {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &WSConn{
		id:      id,
		ws:      ws,
		logger:  logger.With("component", "ws", "conn_id", id),
		pending: make(map[string]chan rawPayload),
	}
}

// ID returns the connection's unique identifier.
func (c *WSConn) ID() string { return c.id }

// Send emits a named event to the peer.
func (c *WSConn) Send(event string, v any) error {
	p, err := encodePayload(v)
	if err != nil {
		return err
	}
	return c.write(envelope{Event: event, Payload: msgpack.RawMessage(p)})
}

// Request emits a named event and waits for the peer's reply or ctx expiry.
func (c *WSConn) Request(ctx context.Context, event string, v any) (Payload, error) {
	p, err := encodePayload(v)
	if err != nil {
		return nil, err
	}

	ackID := uuid.NewString()
	replies := make(chan rawPayload, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[ackID] = replies
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ackID)
		c.mu.Unlock()
	}()

	if err := c.write(envelope{Event: event, Ack: ackID, Payload: msgpack.RawMessage(p)}); err != nil {
		return nil, err
	}

	select {
	case answer, ok := <-replies:
		if !ok {
			return nil, ErrClosed
		}
		return answer, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// On registers a handler for a named inbound event.
func (c *WSConn) On(event string, h Handler) {
	c.handlers.on(event, h)
}

// OnDisconnect registers a function invoked once when the connection closes.
func (c *WSConn) OnDisconnect(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisc = append(c.onDisc, f)
}

// Close tears the connection down. Idempotent.
func (c *WSConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handlers := c.onDisc
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	err := c.ws.Close()
	for _, f := range handlers {
		f()
	}
	return err
}

// Serve pumps inbound frames until the peer goes away or ctx is cancelled.
// Handlers run on the read goroutine, so events from one connection are
// observed in receipt order.
func (c *WSConn) Serve(ctx context.Context) error {
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		var env envelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *WSConn) handle(env envelope) {
	// An answer to one of our outstanding requests.
	if env.Reply != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.Reply]
		if ok {
			delete(c.pending, env.Reply)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("reply for unknown request", "ack_id", env.Reply)
			return
		}
		ch <- rawPayload(env.Payload)
		close(ch)
		return
	}

	reply := Reply(func(any) {})
	if env.Ack != "" {
		ackID := env.Ack
		var once sync.Once
		reply = func(v any) {
			once.Do(func() {
				p, err := encodePayload(v)
				if err != nil {
					c.logger.Warn("encoding ack reply", "event", env.Event, "error", err)
					return
				}
				if err := c.write(envelope{Reply: ackID, Payload: msgpack.RawMessage(p)}); err != nil {
					c.logger.Debug("sending ack reply", "event", env.Event, "error", err)
				}
			})
		}
	}

	c.handlers.dispatch(env.Event, rawPayload(env.Payload), reply)
}

func (c *WSConn) write(env envelope) error {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
