// Package message defines the domain types exchanged between the gateway's
// adapters, controller, and operator engine.
package message
