// ABOUTME: Chat lifecycle event publishing to an AMQP topic exchange.
// ABOUTME: Best-effort: publish failures are logged and never block routing.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/2389/support-gateway/internal/message"
)

// Routing keys for lifecycle events.
const (
	KeyChatAssigned    = "chat.assigned"
	KeyChatClosed      = "chat.closed"
	KeyChatTransferred = "chat.transferred"
)

// Meta carries event identity and provenance.
type Meta struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Envelope is the published frame: meta plus a typed payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ChatAssigned is emitted when a chat gains an operator.
type ChatAssigned struct {
	Chat     message.Chat     `json:"chat"`
	Operator message.Identity `json:"operator"`
}

// ChatClosed is emitted when a chat loses its operator.
type ChatClosed struct {
	Chat     message.Chat     `json:"chat"`
	Operator message.Identity `json:"operator"`
}

// ChatTransferred is emitted when a chat moves between operators.
type ChatTransferred struct {
	Chat message.Chat     `json:"chat"`
	From message.Identity `json:"from"`
	To   message.Identity `json:"to"`
}

// Publisher emits lifecycle envelopes keyed by event type.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

type amqpPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQP connects to the broker and declares a durable topic exchange.
// Pass nil logger for default.
func NewAMQP(url, exchange string, logger *slog.Logger) (Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}

	return &amqpPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "events"),
	}, nil
}

// Publish sends one envelope with the given routing key.
func (p *amqpPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	if env.Meta.ID == "" {
		env.Meta.ID = uuid.NewString()
	}
	if env.Meta.OccurredAt.IsZero() {
		env.Meta.OccurredAt = time.Now()
	}
	if env.Meta.Source == "" {
		env.Meta.Source = "support-gateway"
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    env.Meta.ID,
		Timestamp:    env.Meta.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}

	p.logger.Debug("published", "key", key, "exchange", p.exchange, "event_id", env.Meta.ID)
	return nil
}

func (p *amqpPublisher) Close() error {
	return p.conn.Close()
}
