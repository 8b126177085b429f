// ABOUTME: Operator-facing connection adapter: wires wire events (status, message,
// ABOUTME: typing, chat lifecycle requests) onto the presence registry and hooks.

package operator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/message"
	"github.com/2389/support-gateway/internal/transport"
)

// Hooks connects operator wire events to the routing layer. Nil hooks are
// skipped.
type Hooks struct {
	// Message fires for each operator-authored chat message, after
	// normalization.
	Message func(ctx context.Context, chat message.Chat, msg message.Message)

	// Typing fires for chat.typing events. Empty text means stopped.
	Typing func(chat message.Chat, identity message.Identity, text string)

	// TransferRequest fires when an operator asks to hand a chat off. The
	// caller decides whether to honor it by invoking Engine.Transfer.
	TransferRequest func(chatID string, from message.Identity, toID string)

	// CloseRequest fires when an operator asks to close a chat.
	CloseRequest func(chatID string, identity message.Identity)

	// JoinRequest and LeaveRequest fire when an operator asks to enter or
	// exit a chat explicitly.
	JoinRequest  func(chatID string, identity message.Identity)
	LeaveRequest func(chatID string, identity message.Identity)

	// Recover, when set, returns the chats a reconnecting identity should
	// rejoin. Membership is restored without re-running selection.
	Recover func(identity message.Identity) []message.Chat
}

// Adapter handles authenticated operator connections.
type Adapter struct {
	presence *Presence
	engine   *Engine
	rooms    *transport.Rooms
	hooks    Hooks
	logger   *slog.Logger
}

// NewAdapter creates an operator adapter. Pass nil logger for default.
func NewAdapter(presence *Presence, engine *Engine, rooms *transport.Rooms, hooks Hooks, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		presence: presence,
		engine:   engine,
		rooms:    rooms,
		hooks:    hooks,
		logger:   logger.With("component", "operator"),
	}
}

// Wire payloads.

type messageIn struct {
	ChatID string         `msgpack:"chat_id" json:"chat_id"`
	ID     string         `msgpack:"id" json:"id"`
	Text   string         `msgpack:"text" json:"text"`
	Type   string         `msgpack:"type" json:"type"`
	Meta   map[string]any `msgpack:"meta" json:"meta"`
}

type typingIn struct {
	ChatID string `msgpack:"chat_id" json:"chat_id"`
	Text   string `msgpack:"text" json:"text"`
}

type chatRef struct {
	ChatID string `msgpack:"chat_id" json:"chat_id"`
}

type transferIn struct {
	ChatID string `msgpack:"chat_id" json:"chat_id"`
	ToID   string `msgpack:"to_id" json:"to_id"`
}

// HandleConnection registers an authenticated operator connection: joins it
// to the identity's room, tracks it in the presence registry, and wires
// the operator wire events. It returns after registration; events flow on
// the connection's own goroutines.
func (a *Adapter) HandleConnection(ctx context.Context, conn transport.Conn, identity message.Identity) {
	a.rooms.Join(OperatorRoom(identity.ID), conn)
	a.presence.Connect(identity, conn)

	conn.OnDisconnect(func() {
		a.rooms.LeaveAll(conn)
		a.presence.Disconnect(conn)
	})

	conn.On("status", func(p transport.Payload, reply transport.Reply) {
		var status message.Status
		if err := p.Decode(&status); err != nil || !status.Valid() {
			a.logger.Warn("ignoring invalid status", "operator_id", identity.ID)
			reply(false)
			return
		}
		a.presence.SetStatus(identity.ID, status)
		reply(true)
	})

	conn.On("message", func(p transport.Payload, _ transport.Reply) {
		var in messageIn
		if err := p.Decode(&in); err != nil {
			a.logger.Warn("dropping malformed message", "operator_id", identity.ID, "error", err)
			return
		}
		if a.hooks.Message == nil {
			return
		}
		a.hooks.Message(ctx, a.chatFor(in.ChatID), a.normalize(in, identity))
	})

	conn.On("chat.typing", func(p transport.Payload, _ transport.Reply) {
		var in typingIn
		if err := p.Decode(&in); err != nil {
			return
		}
		if a.hooks.Typing != nil {
			a.hooks.Typing(a.chatFor(in.ChatID), identity, in.Text)
		}
	})

	conn.On("chat.join", func(p transport.Payload, _ transport.Reply) {
		var in chatRef
		if err := p.Decode(&in); err != nil {
			return
		}
		if a.hooks.JoinRequest != nil {
			a.hooks.JoinRequest(in.ChatID, identity)
		}
	})

	conn.On("chat.leave", func(p transport.Payload, _ transport.Reply) {
		var in chatRef
		if err := p.Decode(&in); err != nil {
			return
		}
		if a.hooks.LeaveRequest != nil {
			a.hooks.LeaveRequest(in.ChatID, identity)
		}
	})

	conn.On("chat.close", func(p transport.Payload, _ transport.Reply) {
		var in chatRef
		if err := p.Decode(&in); err != nil {
			return
		}
		if a.hooks.CloseRequest != nil {
			a.hooks.CloseRequest(in.ChatID, identity)
		}
	})

	conn.On("chat.transfer", func(p transport.Payload, _ transport.Reply) {
		var in transferIn
		if err := p.Decode(&in); err != nil {
			return
		}
		if a.hooks.TransferRequest != nil {
			a.hooks.TransferRequest(in.ChatID, identity, in.ToID)
		}
	})

	if err := conn.Send("init", identity); err != nil {
		a.logger.Debug("init send failed", "operator_id", identity.ID, "error", err)
	}

	if a.hooks.Recover != nil {
		if chats := a.hooks.Recover(identity); len(chats) > 0 {
			a.engine.Recover(identity, chats)
		}
	}
}

// chatFor builds a chat reference carrying the current assignment, if any.
func (a *Adapter) chatFor(chatID string) message.Chat {
	chat := message.Chat{ID: chatID}
	if assigned, ok := a.engine.Assigned(chatID); ok {
		chat.AssignedID = assigned
	}
	return chat
}

// normalize fills in the server-owned message fields.
func (a *Adapter) normalize(in messageIn, identity message.Identity) message.Message {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	return message.Message{
		ID:         id,
		ChatID:     in.ChatID,
		Timestamp:  message.Now(),
		Text:       in.Text,
		AuthorID:   identity.ID,
		AuthorType: message.AuthorSupport,
		Type:       in.Type,
		Meta:       in.Meta,
	}
}
