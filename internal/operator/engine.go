// ABOUTME: Assignment engine: scatter/gather availability queries, chat open/close,
// ABOUTME: transfer, and recovery of room membership after reconnect.

package operator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/support-gateway/internal/message"
	"github.com/2389/support-gateway/internal/transport"
)

// ErrNoOperatorAvailable indicates no online operator answered the
// availability query in time. The chat stays unassigned.
var ErrNoOperatorAvailable = errors.New("no operator available")

// ChatMessage is the payload broadcast into a chat room for routed
// messages.
type ChatMessage struct {
	Chat    message.Chat    `msgpack:"chat" json:"chat"`
	Message message.Message `msgpack:"message" json:"message"`
}

// ChatTyping is the payload broadcast into a chat room for typing
// indicators.
type ChatTyping struct {
	Chat     message.Chat     `msgpack:"chat" json:"chat"`
	Identity message.Identity `msgpack:"identity" json:"identity"`
	Text     string           `msgpack:"text" json:"text"`
}

// Engine owns chat assignment state. Every mutation of a chat's assignment
// or room membership happens through its operations, serialized behind one
// mutex.
type Engine struct {
	mu    sync.Mutex
	chats map[string]string // chatID -> assigned identityID

	presence *Presence
	rooms    *transport.Rooms
	timeout  time.Duration
	logger   *slog.Logger

	assignedFns    []func(message.Chat, message.Identity)
	closedFns      []func(message.Chat, message.Identity)
	transferredFns []func(message.Chat, message.Identity, message.Identity)
}

// NewEngine creates an engine over the given presence registry and
// operator-side room set. timeout bounds the availability gather; queries
// that produce no bid within it count as "not available". Pass nil logger
// for default.
func NewEngine(presence *Presence, rooms *transport.Rooms, timeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Engine{
		chats:    make(map[string]string),
		presence: presence,
		rooms:    rooms,
		timeout:  timeout,
		logger:   logger.With("component", "engine"),
	}
}

// OnAssigned registers a hook for chat assignment (including the open after
// a transfer).
func (e *Engine) OnAssigned(fn func(message.Chat, message.Identity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assignedFns = append(e.assignedFns, fn)
}

// OnClosed registers a hook for chat close.
func (e *Engine) OnClosed(fn func(message.Chat, message.Identity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closedFns = append(e.closedFns, fn)
}

// OnTransferred registers a hook for completed transfers.
func (e *Engine) OnTransferred(fn func(chat message.Chat, from, to message.Identity)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transferredFns = append(e.transferredFns, fn)
}

// Assigned returns the identity id assigned to the chat, if any.
func (e *Engine) Assigned(chatID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.chats[chatID]
	return id, ok
}

// Assign queries one representative connection per online identity for
// availability, waits at most the configured timeout, and opens the chat
// for the identity with the most spare capacity. Ties go to the earliest
// bid. Returns ErrNoOperatorAvailable when nobody is online or nobody
// answers in time.
func (e *Engine) Assign(ctx context.Context, chat message.Chat, room string) (message.Identity, error) {
	reps := e.presence.representatives()
	if len(reps) == 0 {
		return message.Identity{}, ErrNoOperatorAvailable
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	bids := make(chan message.Availability, len(reps))
	var wg sync.WaitGroup
	for _, rep := range reps {
		wg.Add(1)
		go func(rep representative) {
			defer wg.Done()
			p, err := rep.conn.Request(ctx, "available", chat)
			if err != nil {
				// Timeout or mid-query disconnect: no bid.
				return
			}
			var bid message.Availability
			if err := p.Decode(&bid); err != nil {
				e.logger.Warn("malformed availability bid",
					"operator_id", rep.identity.ID,
					"error", err)
				return
			}
			if bid.ID == "" {
				bid.ID = rep.identity.ID
			}
			bids <- bid
		}(rep)
	}
	go func() {
		wg.Wait()
		close(bids)
	}()

	var best *message.Availability
	for bid := range bids {
		bid := bid
		// First bid wins ties: only a strictly better spare replaces.
		if best == nil || bid.Spare() > best.Spare() {
			best = &bid
		}
	}
	if best == nil {
		return message.Identity{}, ErrNoOperatorAvailable
	}

	identity, ok := e.presence.Identity(best.ID)
	if !ok {
		// The winner disconnected between bidding and selection.
		return message.Identity{}, ErrNoOperatorAvailable
	}

	e.logger.Info("chat assigned",
		"chat_id", chat.ID,
		"operator_id", identity.ID,
		"spare", best.Spare(),
		"bids", len(reps))

	e.Open(chat, room, identity)
	return identity, nil
}

// Open places every connection of the identity into the chat room, records
// the assignment, and emits chat.open to each of the identity's devices
// exactly once. Opening an already-open chat for the same identity is
// idempotent membership-wise; devices still receive the lifecycle event.
func (e *Engine) Open(chat message.Chat, room string, identity message.Identity) {
	e.mu.Lock()
	e.openLocked(&chat, room, identity)
	hooks := e.assignedFns
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(chat, identity)
	}
}

// Close removes every connection of the identity from the chat room,
// clears the assignment, and emits chat.close to each device exactly once.
func (e *Engine) Close(chat message.Chat, room string, identity message.Identity) {
	e.mu.Lock()
	e.closeLocked(&chat, room, identity)
	hooks := e.closedFns
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(chat, identity)
	}
}

// Transfer atomically moves the chat from one identity to another: the
// close and the open happen under one lock so no connection is left owning
// a chat it no longer represents.
func (e *Engine) Transfer(chat message.Chat, room string, from, to message.Identity) {
	e.mu.Lock()
	e.closeLocked(&chat, room, from)
	e.openLocked(&chat, room, to)
	hooks := e.transferredFns
	e.mu.Unlock()

	e.logger.Info("chat transferred",
		"chat_id", chat.ID,
		"from", from.ID,
		"to", to.ID)

	for _, fn := range hooks {
		fn(chat, from, to)
	}
}

// Recover re-adds every connection of a reconnecting identity to each
// listed chat's room without re-running selection, and restores the
// assignment record.
func (e *Engine) Recover(identity message.Identity, chats []message.Chat) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, chat := range chats {
		e.chats[chat.ID] = identity.ID
		for _, c := range e.presence.ConnectionsFor(identity.ID) {
			e.rooms.Join(chat.Room(), c)
		}
	}
}

func (e *Engine) openLocked(chat *message.Chat, room string, identity message.Identity) {
	e.chats[chat.ID] = identity.ID
	chat.AssignedID = identity.ID

	for _, c := range e.presence.ConnectionsFor(identity.ID) {
		e.rooms.Join(room, c)
		if err := c.Send("chat.open", *chat); err != nil {
			e.logger.Debug("dropped chat.open", "conn_id", c.ID(), "error", err)
		}
	}
}

func (e *Engine) closeLocked(chat *message.Chat, room string, identity message.Identity) {
	if e.chats[chat.ID] == identity.ID {
		delete(e.chats, chat.ID)
	}
	chat.AssignedID = ""

	for _, c := range e.presence.ConnectionsFor(identity.ID) {
		e.rooms.Leave(room, c)
		if err := c.Send("chat.close", *chat); err != nil {
			e.logger.Debug("dropped chat.close", "conn_id", c.ID(), "error", err)
		}
	}
}

// ReceiveMessage broadcasts a routed message into the chat's operator room.
// Implements the controller's operator delivery surface.
func (e *Engine) ReceiveMessage(chat message.Chat, msg message.Message) {
	e.rooms.Broadcast(chat.Room(), "chat.message", ChatMessage{Chat: chat, Message: msg})
}

// ReceiveTyping broadcasts a typing indicator into the chat's operator
// room. Empty text means the participant stopped typing.
func (e *Engine) ReceiveTyping(chat message.Chat, identity message.Identity, text string) {
	e.rooms.Broadcast(chat.Room(), "receive.typing", ChatTyping{Chat: chat, Identity: identity, Text: text})
}
