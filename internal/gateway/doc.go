// Package gateway assembles the support chat router: presence registry,
// assignment engine, routing controller, the three audience adapters, and
// the websocket endpoints that front them. Embedders construct a Gateway,
// register middleware with Use, and either run the HTTP Server or attach
// connections directly with the Connect methods.
package gateway
