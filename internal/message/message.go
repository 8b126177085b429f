// ABOUTME: Domain types shared across the gateway: identities, chats, messages.
// ABOUTME: Messages are immutable values; middleware derives new ones, never mutates.

package message

import (
	"fmt"
	"time"
)

// Status describes an operator identity's reachability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
)

// Valid reports whether s is one of the recognized status values.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway:
		return true
	}
	return false
}

// AuthorType identifies which participant class authored a message.
type AuthorType string

const (
	AuthorCustomer AuthorType = "customer"
	AuthorSupport  AuthorType = "support"
	AuthorAgent    AuthorType = "agent"
)

// Audience identifies a routing origin or destination.
type Audience string

const (
	AudienceCustomer Audience = "customer"
	AudienceOperator Audience = "operator"
	AudienceAgent    Audience = "agent"
)

// Identity is a deduplicated participant, independent of how many
// connections currently represent it. The gateway never creates identities
// itself; they arrive from the caller-supplied authenticator.
type Identity struct {
	ID          string `json:"id" msgpack:"id"`
	DisplayName string `json:"display_name" msgpack:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty" msgpack:"avatar_url"`
	Status      Status `json:"status,omitempty" msgpack:"status"`
}

// Chat is one customer conversation and, when assigned, the operator
// identity responsible for it.
type Chat struct {
	ID         string `json:"id" msgpack:"id"`
	AssignedID string `json:"assigned_id,omitempty" msgpack:"assigned_id"`
}

// Room returns the deterministic room name for the chat's membership set.
func (c Chat) Room() string {
	return fmt.Sprintf("customers/%s", c.ID)
}

// Message is one chat message. Values are immutable once constructed:
// transformations allocate a new Message.
type Message struct {
	ID         string         `json:"id" msgpack:"id"`
	ChatID     string         `json:"chat_id" msgpack:"chat_id"`
	Timestamp  int64          `json:"timestamp" msgpack:"timestamp"`
	Text       string         `json:"text" msgpack:"text"`
	AuthorID   string         `json:"author_id" msgpack:"author_id"`
	AuthorType AuthorType     `json:"author_type" msgpack:"author_type"`
	Type       string         `json:"type,omitempty" msgpack:"type"`
	Meta       map[string]any `json:"meta,omitempty" msgpack:"meta"`
}

// WithText returns a copy of m carrying the given text.
func (m Message) WithText(text string) Message {
	m.Text = text
	return m
}

// Availability is an operator's transient bid for a chat: how much work it
// can take against how much it already carries. Valid only for the duration
// of one assignment query.
type Availability struct {
	ID       string `json:"id" msgpack:"id"`
	Capacity int    `json:"capacity" msgpack:"capacity"`
	Load     int    `json:"load" msgpack:"load"`
}

// Spare is the assignment ranking metric.
func (a Availability) Spare() int {
	return a.Capacity - a.Load
}

// Route is one unit of routing work: a message traveling from an origin
// audience toward a destination audience within a chat.
type Route struct {
	Origin      Audience
	Destination Audience
	Chat        Chat
	Message     Message
}

// Now returns the gateway's wire timestamp, milliseconds since the epoch.
func Now() int64 {
	return time.Now().UnixMilli()
}
