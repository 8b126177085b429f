// Package operator implements the operator side of the gateway: the
// presence registry, the chat assignment engine, and the connection
// adapter.
//
// # Presence
//
// Presence is the single source of truth for which operator identities are
// reachable. One identity may hold many simultaneous connections
// (multi-device); join fires on the first connection only and leave on the
// last disconnect only. The online roster, ordered by first-connection
// time, is broadcast to every operator connection whenever it changes.
//
// # Assignment
//
// Engine assigns chats with a bounded scatter/gather: it asks one
// representative connection per online identity for an availability bid
// {id, capacity, load}, waits at most the configured timeout, and picks
// the bid with the most spare capacity (capacity - load). Ties go to the
// earliest bid. Transfer closes the chat for one identity and opens it for
// another under a single lock. Recover restores room membership for a
// reconnecting identity without re-running selection.
//
// # Adapter
//
// Adapter wires an authenticated operator connection's wire events
// (status, message, chat.typing, chat.join/leave/close/transfer) onto the
// registry and caller-supplied hooks. Transfer and close arrive as
// requests; the embedding layer decides whether to honor them.
package operator
