// ABOUTME: Agent-facing relay adapter: bidirectional forwarding between backend
// ABOUTME: agents and the routing controller, with role room subscription.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/message"
	"github.com/2389/support-gateway/internal/transport"
)

// Hooks connect agent wire events to the routing layer.
type Hooks struct {
	// Message fires for each agent-authored message, after normalization
	// and deduplication.
	Message func(ctx context.Context, msg message.Message)
}

// Adapter tracks connected backend agents and relays traffic both ways.
// Routed messages broadcast to every agent connection; agents may
// additionally subscribe to named role rooms for targeted fan-out.
type Adapter struct {
	mu    sync.RWMutex
	conns map[string]transport.Conn

	rooms  *transport.Rooms
	seen   *dedupe.Cache
	hooks  Hooks
	logger *slog.Logger
}

// NewAdapter creates an agent adapter. seen may be nil to disable
// duplicate suppression. Pass nil logger for default.
func NewAdapter(rooms *transport.Rooms, seen *dedupe.Cache, hooks Hooks, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		conns:  make(map[string]transport.Conn),
		rooms:  rooms,
		seen:   seen,
		hooks:  hooks,
		logger: logger.With("component", "agent"),
	}
}

type messageIn struct {
	ID         string         `msgpack:"id" json:"id"`
	ChatID     string         `msgpack:"chat_id" json:"chat_id"`
	Timestamp  int64          `msgpack:"timestamp" json:"timestamp"`
	Text       string         `msgpack:"text" json:"text"`
	AuthorID   string         `msgpack:"author_id" json:"author_id"`
	AuthorType string         `msgpack:"author_type" json:"author_type"`
	Type       string         `msgpack:"type" json:"type"`
	Meta       map[string]any `msgpack:"meta" json:"meta"`
}

// HandleConnection registers an authenticated agent connection and wires
// its wire events.
func (a *Adapter) HandleConnection(ctx context.Context, conn transport.Conn, identity message.Identity) {
	a.mu.Lock()
	a.conns[conn.ID()] = conn
	total := len(a.conns)
	a.mu.Unlock()

	a.logger.Info("agent connected",
		"agent_id", identity.ID,
		"conn_id", conn.ID(),
		"total_agents", total)

	conn.OnDisconnect(func() {
		a.mu.Lock()
		delete(a.conns, conn.ID())
		remaining := len(a.conns)
		a.mu.Unlock()
		a.rooms.LeaveAll(conn)
		a.logger.Info("agent disconnected",
			"agent_id", identity.ID,
			"conn_id", conn.ID(),
			"total_agents", remaining)
	})

	conn.On("message", func(p transport.Payload, _ transport.Reply) {
		var in messageIn
		if err := p.Decode(&in); err != nil {
			a.logger.Warn("dropping malformed message", "agent_id", identity.ID, "error", err)
			return
		}
		if in.ID != "" && a.seen != nil && a.seen.Seen("agent/"+in.ID) {
			return
		}
		if a.hooks.Message == nil {
			return
		}
		a.hooks.Message(ctx, a.normalize(in, identity))
	})

	conn.On("role.add", func(p transport.Payload, reply transport.Reply) {
		var role string
		if err := p.Decode(&role); err != nil || role == "" {
			reply(false)
			return
		}
		a.rooms.Join(roleRoom(role), conn)
		reply(true)
	})

	if err := conn.Send("init", identity); err != nil {
		a.logger.Debug("init send failed", "agent_id", identity.ID, "error", err)
	}
}

// Receive broadcasts a routed message to every connected agent. Implements
// the controller's agent delivery surface.
func (a *Adapter) Receive(msg message.Message) {
	a.mu.RLock()
	targets := make([]transport.Conn, 0, len(a.conns))
	for _, c := range a.conns {
		targets = append(targets, c)
	}
	a.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send("message", msg); err != nil {
			a.logger.Debug("dropped agent delivery", "conn_id", c.ID(), "error", err)
		}
	}
}

// SendToRole broadcasts an event to every agent subscribed to the role.
func (a *Adapter) SendToRole(role, event string, v any) {
	a.rooms.Broadcast(roleRoom(role), event, v)
}

func (a *Adapter) normalize(in messageIn, identity message.Identity) message.Message {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	authorID := in.AuthorID
	if authorID == "" {
		authorID = identity.ID
	}
	authorType := message.AuthorType(in.AuthorType)
	if authorType != message.AuthorCustomer && authorType != message.AuthorSupport {
		authorType = message.AuthorAgent
	}
	ts := in.Timestamp
	if ts == 0 {
		ts = message.Now()
	}
	return message.Message{
		ID:         id,
		ChatID:     in.ChatID,
		Timestamp:  ts,
		Text:       in.Text,
		AuthorID:   authorID,
		AuthorType: authorType,
		Type:       in.Type,
		Meta:       in.Meta,
	}
}

func roleRoom(role string) string {
	return fmt.Sprintf("roles/%s", role)
}
