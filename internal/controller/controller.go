// ABOUTME: Routing controller: ordered middleware pipeline with veto and fail-soft semantics.
// ABOUTME: Fans inbound messages out as independent (origin, destination) routes.

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/support-gateway/internal/message"
)

// Func is a synchronous middleware. Returning nil vetoes delivery for the
// route.
type Func func(message.Route) *message.Message

// ContextFunc is a context-aware middleware. Returning an error skips the
// stage; returning a nil message vetoes delivery.
type ContextFunc func(context.Context, message.Route) (*message.Message, error)

// NextFunc is a continuation-style middleware. It must invoke next exactly
// once; passing nil vetoes delivery.
type NextFunc func(message.Route, func(*message.Message))

// stage is the canonical contract every middleware shape normalizes to.
type stage func(context.Context, message.Route) (*message.Message, error)

// CustomerReceiver delivers a routed message to a chat's customer side.
type CustomerReceiver interface {
	Receive(chat message.Chat, msg message.Message)
}

// OperatorReceiver delivers a routed message into a chat's operator room.
type OperatorReceiver interface {
	ReceiveMessage(chat message.Chat, msg message.Message)
}

// AgentReceiver delivers a routed message to every connected agent.
type AgentReceiver interface {
	Receive(msg message.Message)
}

// Controller runs every inbound message through the registered middleware
// chain once per route and forwards the surviving message to the route's
// destination. One failing middleware never aborts a chain; a vetoing one
// suppresses delivery for that route only.
type Controller struct {
	mu     sync.RWMutex
	stages []stage

	customers CustomerReceiver
	operators OperatorReceiver
	agents    AgentReceiver
	logger    *slog.Logger
}

// New creates a controller delivering to the given audience surfaces. Pass
// nil logger for default.
func New(customers CustomerReceiver, operators OperatorReceiver, agents AgentReceiver, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		customers: customers,
		operators: operators,
		agents:    agents,
		logger:    logger.With("component", "controller"),
	}
}

// Use appends a middleware to the pipeline and returns the controller so
// registrations chain. It accepts the three middleware shapes (Func,
// ContextFunc, NextFunc, or their underlying function types) and panics on
// anything else, since a mis-typed middleware is a programming error.
func (c *Controller) Use(mw any) *Controller {
	var s stage
	switch fn := mw.(type) {
	case Func:
		s = normalizeFunc(fn)
	case func(message.Route) *message.Message:
		s = normalizeFunc(fn)
	case ContextFunc:
		s = normalizeContext(fn)
	case func(context.Context, message.Route) (*message.Message, error):
		s = normalizeContext(fn)
	case NextFunc:
		s = normalizeNext(fn)
	case func(message.Route, func(*message.Message)):
		s = normalizeNext(fn)
	default:
		panic(fmt.Sprintf("controller: unsupported middleware type %T", mw))
	}

	c.mu.Lock()
	c.stages = append(c.stages, s)
	c.mu.Unlock()
	return c
}

// Len returns the number of registered middlewares.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stages)
}

func normalizeFunc(fn func(message.Route) *message.Message) stage {
	return func(ctx context.Context, r message.Route) (out *message.Message, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("middleware panic: %v", rec)
			}
		}()
		return fn(r), nil
	}
}

func normalizeContext(fn func(context.Context, message.Route) (*message.Message, error)) stage {
	return func(ctx context.Context, r message.Route) (out *message.Message, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("middleware panic: %v", rec)
			}
		}()
		return fn(ctx, r)
	}
}

func normalizeNext(fn func(message.Route, func(*message.Message))) stage {
	return func(ctx context.Context, r message.Route) (out *message.Message, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("middleware panic: %v", rec)
			}
		}()

		done := make(chan *message.Message, 1)
		fn(r, func(m *message.Message) {
			select {
			case done <- m:
			default:
				// next invoked more than once; later calls are ignored
			}
		})

		select {
		case m := <-done:
			return m, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// run executes the pipeline for one route. It returns the final message and
// whether delivery should happen. A stage error logs and passes the
// previous message on unchanged; a nil result stops the chain and vetoes
// delivery.
func (c *Controller) run(ctx context.Context, route message.Route) (message.Message, bool) {
	c.mu.RLock()
	chain := make([]stage, len(c.stages))
	copy(chain, c.stages)
	c.mu.RUnlock()

	msg := route.Message
	for _, s := range chain {
		route.Message = msg
		out, err := s(ctx, route)
		if err != nil {
			c.logger.Warn("middleware failed",
				"origin", route.Origin,
				"destination", route.Destination,
				"chat_id", route.Chat.ID,
				"error", err)
			continue
		}
		if out == nil {
			return msg, false
		}
		msg = *out
	}
	return msg, true
}

// HandleCustomerMessage routes a customer-authored message. It runs three
// independent pipeline passes: one back toward the customer surface for
// echo/observation concerns, one toward the assigned operator's room, and
// one toward the agent surface so automated responders can observe customer
// traffic.
func (c *Controller) HandleCustomerMessage(ctx context.Context, chat message.Chat, msg message.Message) {
	echo := message.Route{
		Origin:      message.AudienceCustomer,
		Destination: message.AudienceCustomer,
		Chat:        chat,
		Message:     msg,
	}
	if out, ok := c.run(ctx, echo); ok {
		c.customers.Receive(chat, out)
	}

	deliver := message.Route{
		Origin:      message.AudienceCustomer,
		Destination: message.AudienceOperator,
		Chat:        chat,
		Message:     msg,
	}
	if out, ok := c.run(ctx, deliver); ok {
		c.operators.ReceiveMessage(chat, out)
	}

	observe := message.Route{
		Origin:      message.AudienceCustomer,
		Destination: message.AudienceAgent,
		Chat:        chat,
		Message:     msg,
	}
	if out, ok := c.run(ctx, observe); ok {
		c.agents.Receive(out)
	}
}

// HandleOperatorMessage routes an operator-authored message back into the
// chat room and onward to the chat's customer side.
func (c *Controller) HandleOperatorMessage(ctx context.Context, chat message.Chat, msg message.Message) {
	room := message.Route{
		Origin:      message.AudienceOperator,
		Destination: message.AudienceOperator,
		Chat:        chat,
		Message:     msg,
	}
	if out, ok := c.run(ctx, room); ok {
		c.operators.ReceiveMessage(chat, out)
	}

	deliver := message.Route{
		Origin:      message.AudienceOperator,
		Destination: message.AudienceCustomer,
		Chat:        chat,
		Message:     msg,
	}
	if out, ok := c.run(ctx, deliver); ok {
		c.customers.Receive(chat, out)
	}
}

// HandleAgentMessage routes an agent-authored message to the agent surface
// and, when it names a chat, into that chat's operator room. The second
// route is how automated reply suggestions reach the assigned operator.
func (c *Controller) HandleAgentMessage(ctx context.Context, msg message.Message) {
	chat := message.Chat{ID: msg.ChatID}

	echo := message.Route{
		Origin:      message.AudienceAgent,
		Destination: message.AudienceAgent,
		Chat:        chat,
		Message:     msg,
	}
	if out, ok := c.run(ctx, echo); ok {
		c.agents.Receive(out)
	}

	if msg.ChatID == "" {
		return
	}
	deliver := message.Route{
		Origin:      message.AudienceAgent,
		Destination: message.AudienceOperator,
		Chat:        chat,
		Message:     msg,
	}
	if out, ok := c.run(ctx, deliver); ok {
		c.operators.ReceiveMessage(chat, out)
	}
}
