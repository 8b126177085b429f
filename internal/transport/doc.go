// Package transport provides the gateway's connection abstraction: named
// events with optional acknowledgement replies over a full-duplex channel,
// plus an explicit room membership set for targeted fan-out.
//
// Two implementations are provided. The websocket connection speaks a
// msgpack envelope over gorilla/websocket and backs the production HTTP
// endpoints. The pipe connection is an in-process pair used by tests and
// embedders; it goes through the same msgpack round-trip so payload
// handling behaves identically on both.
package transport
