// Package controller implements the gateway's message routing pipeline.
//
// # Routes
//
// Every inbound message fans out into one or more (origin, destination)
// routes. Each route runs the registered middleware chain independently:
// a veto or transformation on one route never affects another.
//
//   - customer message: (customer, customer), (customer, operator),
//     (customer, agent)
//   - operator message: (operator, operator), (operator, customer)
//   - agent message: (agent, agent), plus (agent, operator) when the
//     message names a chat
//
// # Middleware
//
// Use accepts three middleware shapes and normalizes them to one internal
// contract:
//
//	ctrl.Use(func(r message.Route) *message.Message { ... })
//	ctrl.Use(func(ctx context.Context, r message.Route) (*message.Message, error) { ... })
//	ctrl.Use(func(r message.Route, next func(*message.Message)) { ... })
//
// Stages run in registration order. A stage that returns an error (or
// panics) is logged and skipped, passing the previous message through
// unchanged. A stage that resolves to nil vetoes the route: iteration
// stops and nothing is delivered.
package controller
