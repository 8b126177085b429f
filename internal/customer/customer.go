// ABOUTME: Customer-facing session adapter: per-session rooms, typing relay,
// ABOUTME: join/leave emission, duplicate message suppression.

package customer

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/message"
	"github.com/2389/support-gateway/internal/transport"
)

// Session is an authenticated customer: its identity plus the session id
// the chat derives from. Supplied by the caller's authenticator.
type Session struct {
	Identity  message.Identity
	SessionID string
}

// Chat returns the chat this session maps onto.
func (s Session) Chat() message.Chat {
	return message.Chat{ID: s.SessionID}
}

// ConnEvent describes a customer connection joining or leaving.
type ConnEvent struct {
	ID     string
	ConnID string
}

// Hooks connect customer wire events to the routing layer. Nil hooks are
// skipped.
type Hooks struct {
	// Message fires for each customer-authored message, after
	// normalization and deduplication.
	Message func(ctx context.Context, chat message.Chat, msg message.Message)

	// Typing fires for typing events. Empty text means stopped.
	Typing func(chat message.Chat, identity message.Identity, text string)

	Join  func(ConnEvent)
	Leave func(ConnEvent)
}

// Adapter handles authenticated customer connections and delivers routed
// messages back into their session rooms.
type Adapter struct {
	rooms  *transport.Rooms
	seen   *dedupe.Cache
	hooks  Hooks
	logger *slog.Logger
}

// NewAdapter creates a customer adapter. seen may be nil to disable
// duplicate suppression. Pass nil logger for default.
func NewAdapter(rooms *transport.Rooms, seen *dedupe.Cache, hooks Hooks, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		rooms:  rooms,
		seen:   seen,
		hooks:  hooks,
		logger: logger.With("component", "customer"),
	}
}

type messageIn struct {
	ID   string         `msgpack:"id" json:"id"`
	Text string         `msgpack:"text" json:"text"`
	Type string         `msgpack:"type" json:"type"`
	Meta map[string]any `msgpack:"meta" json:"meta"`
}

type initOut struct {
	Identity message.Identity `msgpack:"identity" json:"identity"`
	Chat     message.Chat     `msgpack:"chat" json:"chat"`
}

type typingOut struct {
	Typing bool             `msgpack:"typing" json:"typing"`
	Chat   message.Chat     `msgpack:"chat" json:"chat"`
	From   message.Identity `msgpack:"from" json:"from"`
}

// HandleConnection registers an authenticated customer connection: joins
// it to its session room, emits init, and wires message and typing events.
func (a *Adapter) HandleConnection(ctx context.Context, conn transport.Conn, sess Session) {
	chat := sess.Chat()
	a.rooms.Join(chat.Room(), conn)

	conn.OnDisconnect(func() {
		a.rooms.LeaveAll(conn)
		if a.hooks.Leave != nil {
			a.hooks.Leave(ConnEvent{ID: sess.Identity.ID, ConnID: conn.ID()})
		}
	})

	conn.On("message", func(p transport.Payload, _ transport.Reply) {
		var in messageIn
		if err := p.Decode(&in); err != nil {
			a.logger.Warn("dropping malformed message",
				"session_id", sess.SessionID,
				"error", err)
			return
		}
		if in.ID != "" && a.seen != nil && a.seen.Seen(chat.ID+"/"+in.ID) {
			a.logger.Debug("duplicate message ignored",
				"session_id", sess.SessionID,
				"message_id", in.ID)
			return
		}
		if a.hooks.Message == nil {
			return
		}
		a.hooks.Message(ctx, chat, a.normalize(in, sess))
	})

	conn.On("typing", func(p transport.Payload, _ transport.Reply) {
		var text string
		if err := p.Decode(&text); err != nil {
			return
		}
		if a.hooks.Typing != nil {
			a.hooks.Typing(chat, sess.Identity, text)
		}
	})

	if err := conn.Send("init", initOut{Identity: sess.Identity, Chat: chat}); err != nil {
		a.logger.Debug("init send failed", "session_id", sess.SessionID, "error", err)
	}

	if a.hooks.Join != nil {
		a.hooks.Join(ConnEvent{ID: sess.Identity.ID, ConnID: conn.ID()})
	}
}

// Receive broadcasts a routed message to every connection in the chat's
// session room. Implements the controller's customer delivery surface.
func (a *Adapter) Receive(chat message.Chat, msg message.Message) {
	a.rooms.Broadcast(chat.Room(), "message", msg)
}

// ReceiveTyping relays a typing indicator into the session room. Empty
// text clears the indicator.
func (a *Adapter) ReceiveTyping(chat message.Chat, from message.Identity, text string) {
	a.rooms.Broadcast(chat.Room(), "typing", typingOut{
		Typing: text != "",
		Chat:   chat,
		From:   from,
	})
}

func (a *Adapter) normalize(in messageIn, sess Session) message.Message {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	return message.Message{
		ID:         id,
		ChatID:     sess.SessionID,
		Timestamp:  message.Now(),
		Text:       in.Text,
		AuthorID:   sess.Identity.ID,
		AuthorType: message.AuthorCustomer,
		Type:       in.Type,
		Meta:       in.Meta,
	}
}
