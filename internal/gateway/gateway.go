// ABOUTME: Wires the gateway together: presence, assignment engine, routing
// ABOUTME: controller, adapters, content middlewares, and lifecycle events.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/support-gateway/internal/agent"
	"github.com/2389/support-gateway/internal/config"
	"github.com/2389/support-gateway/internal/content"
	"github.com/2389/support-gateway/internal/controller"
	"github.com/2389/support-gateway/internal/customer"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/events"
	"github.com/2389/support-gateway/internal/message"
	"github.com/2389/support-gateway/internal/operator"
	"github.com/2389/support-gateway/internal/transport"
)

const (
	// seenTTL and seenMax bound the duplicate-message caches.
	seenTTL = 2 * time.Minute
	seenMax = 4096

	// publishTimeout bounds each lifecycle event publish.
	publishTimeout = 5 * time.Second
)

// ChatRecovery returns the chats a reconnecting operator identity should
// rejoin. The default recovers nothing.
type ChatRecovery func(identity message.Identity) []message.Chat

// Options configures optional gateway collaborators.
type Options struct {
	// Publisher receives chat lifecycle events. Nil disables publishing.
	Publisher events.Publisher

	// Recovery supplies chats for reconnecting operators. Nil recovers
	// nothing.
	Recovery ChatRecovery
}

// Gateway owns the routing core and the three audience adapters. All
// registry and chat mutations flow through its components' own operations;
// adapters never reach into shared state directly.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	presence  *operator.Presence
	engine    *operator.Engine
	ctrl      *controller.Controller
	customers *customer.Adapter
	operators *operator.Adapter
	agents    *agent.Adapter

	customerRooms *transport.Rooms
	operatorRooms *transport.Rooms
	agentRooms    *transport.Rooms

	publisher events.Publisher

	mu        sync.Mutex
	assigning map[string]struct{} // chats with an in-flight assignment
}

// New builds a gateway from configuration. Pass nil logger for default.
func New(cfg *config.Config, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:           cfg,
		logger:        logger,
		customerRooms: transport.NewRooms(logger),
		operatorRooms: transport.NewRooms(logger),
		agentRooms:    transport.NewRooms(logger),
		publisher:     opts.Publisher,
		assigning:     make(map[string]struct{}),
	}

	g.presence = operator.NewPresence(cfg.Assignment.ReconnectDebounce, logger)
	g.engine = operator.NewEngine(g.presence, g.operatorRooms, cfg.Assignment.AvailabilityTimeout, logger)

	g.customers = customer.NewAdapter(g.customerRooms, dedupe.New(seenTTL, seenMax), customer.Hooks{
		Message: g.onCustomerMessage,
		Typing:  g.onCustomerTyping,
		Join:    func(ev customer.ConnEvent) { g.logger.Debug("customer joined", "id", ev.ID, "conn_id", ev.ConnID) },
		Leave:   func(ev customer.ConnEvent) { g.logger.Debug("customer left", "id", ev.ID, "conn_id", ev.ConnID) },
	}, logger)

	g.agents = agent.NewAdapter(g.agentRooms, dedupe.New(seenTTL, seenMax), agent.Hooks{
		Message: g.onAgentMessage,
	}, logger)

	g.operators = operator.NewAdapter(g.presence, g.engine, g.operatorRooms, operator.Hooks{
		Message:         g.onOperatorMessage,
		Typing:          g.onOperatorTyping,
		TransferRequest: g.onTransferRequest,
		CloseRequest:    g.onCloseRequest,
		JoinRequest:     g.onJoinRequest,
		LeaveRequest:    g.onLeaveRequest,
		Recover:         opts.Recovery,
	}, logger)

	g.ctrl = controller.New(g.customers, g.engine, g.agents, logger)

	if cfg.Content.Sanitize {
		g.ctrl.Use(content.SanitizeMiddleware())
	}
	if cfg.Content.Markdown {
		g.ctrl.Use(content.MarkdownMiddleware())
	}

	if g.publisher != nil {
		g.engine.OnAssigned(func(chat message.Chat, identity message.Identity) {
			g.publish(events.KeyChatAssigned, events.ChatAssigned{Chat: chat, Operator: identity})
		})
		g.engine.OnClosed(func(chat message.Chat, identity message.Identity) {
			g.publish(events.KeyChatClosed, events.ChatClosed{Chat: chat, Operator: identity})
		})
		g.engine.OnTransferred(func(chat message.Chat, from, to message.Identity) {
			g.publish(events.KeyChatTransferred, events.ChatTransferred{Chat: chat, From: from, To: to})
		})
	}

	return g
}

// Use appends a routing middleware; see the controller package for the
// accepted shapes. Returns the gateway so registrations chain.
func (g *Gateway) Use(mw any) *Gateway {
	g.ctrl.Use(mw)
	return g
}

// Presence exposes the operator presence registry.
func (g *Gateway) Presence() *operator.Presence { return g.presence }

// Engine exposes the assignment engine.
func (g *Gateway) Engine() *operator.Engine { return g.engine }

// ConnectCustomer attaches a pre-authenticated customer connection.
func (g *Gateway) ConnectCustomer(ctx context.Context, conn transport.Conn, sess customer.Session) {
	g.customers.HandleConnection(ctx, conn, sess)
}

// ConnectOperator attaches a pre-authenticated operator connection.
func (g *Gateway) ConnectOperator(ctx context.Context, conn transport.Conn, identity message.Identity) {
	g.operators.HandleConnection(ctx, conn, identity)
}

// ConnectAgent attaches a pre-authenticated agent connection.
func (g *Gateway) ConnectAgent(ctx context.Context, conn transport.Conn, identity message.Identity) {
	g.agents.HandleConnection(ctx, conn, identity)
}

// Close releases the gateway's external collaborators.
func (g *Gateway) Close() error {
	if g.publisher != nil {
		return g.publisher.Close()
	}
	return nil
}

func (g *Gateway) onCustomerMessage(ctx context.Context, chat message.Chat, msg message.Message) {
	g.ensureAssigned(ctx, chat)
	g.ctrl.HandleCustomerMessage(ctx, chat, msg)
}

func (g *Gateway) onOperatorMessage(ctx context.Context, chat message.Chat, msg message.Message) {
	g.ctrl.HandleOperatorMessage(ctx, chat, msg)
}

func (g *Gateway) onAgentMessage(ctx context.Context, msg message.Message) {
	g.ctrl.HandleAgentMessage(ctx, msg)
}

func (g *Gateway) onCustomerTyping(chat message.Chat, identity message.Identity, text string) {
	g.engine.ReceiveTyping(chat, identity, text)
}

func (g *Gateway) onOperatorTyping(chat message.Chat, identity message.Identity, text string) {
	g.customers.ReceiveTyping(chat, identity, text)
}

// onTransferRequest honors an operator's hand-off request when the target
// identity is currently known to the registry.
func (g *Gateway) onTransferRequest(chatID string, from message.Identity, toID string) {
	to, ok := g.presence.Identity(toID)
	if !ok {
		g.logger.Warn("transfer target not connected",
			"chat_id", chatID,
			"from", from.ID,
			"to", toID)
		return
	}
	chat := message.Chat{ID: chatID, AssignedID: from.ID}
	g.engine.Transfer(chat, chat.Room(), from, to)
}

func (g *Gateway) onCloseRequest(chatID string, identity message.Identity) {
	chat := message.Chat{ID: chatID}
	owner := identity
	if assignedID, ok := g.engine.Assigned(chatID); ok {
		if resolved, known := g.presence.Identity(assignedID); known {
			owner = resolved
		}
	}
	g.engine.Close(chat, chat.Room(), owner)
}

func (g *Gateway) onJoinRequest(chatID string, identity message.Identity) {
	chat := message.Chat{ID: chatID}
	g.engine.Open(chat, chat.Room(), identity)
}

func (g *Gateway) onLeaveRequest(chatID string, identity message.Identity) {
	chat := message.Chat{ID: chatID}
	g.engine.Close(chat, chat.Room(), identity)
}

// ensureAssigned kicks off assignment for an unassigned chat. The query
// runs off the caller's goroutine so a slow gather never delays routing,
// and at most one assignment is in flight per chat.
func (g *Gateway) ensureAssigned(ctx context.Context, chat message.Chat) {
	if _, ok := g.engine.Assigned(chat.ID); ok {
		return
	}

	g.mu.Lock()
	if _, inflight := g.assigning[chat.ID]; inflight {
		g.mu.Unlock()
		return
	}
	g.assigning[chat.ID] = struct{}{}
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.assigning, chat.ID)
			g.mu.Unlock()
		}()

		identity, err := g.engine.Assign(ctx, chat, chat.Room())
		if errors.Is(err, operator.ErrNoOperatorAvailable) {
			g.logger.Warn("no operator available", "chat_id", chat.ID)
			return
		}
		if err != nil {
			g.logger.Warn("assignment failed", "chat_id", chat.ID, "error", err)
			return
		}
		g.logger.Info("operator assigned", "chat_id", chat.ID, "operator_id", identity.ID)
	}()
}

func (g *Gateway) publish(key string, data any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := g.publisher.Publish(ctx, key, events.Envelope{Data: data}); err != nil {
			g.logger.Warn("lifecycle publish failed", "key", key, "error", err)
		}
	}()
}
