// ABOUTME: Room membership tracking and fan-out for named groups of connections.
// ABOUTME: Membership is an explicit set owned by the caller, not transport magic.

package transport

import (
	"log/slog"
	"sort"
	"sync"
)

// Rooms tracks which connections belong to which named rooms and fans
// events out to all members of a room. All methods are safe for concurrent
// use.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]Conn     // room -> connID -> conn
	joined  map[string]map[string]struct{} // connID -> set of rooms
	logger  *slog.Logger
}

// NewRooms creates an empty membership set. Pass nil logger for default.
func NewRooms(logger *slog.Logger) *Rooms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rooms{
		members: make(map[string]map[string]Conn),
		joined:  make(map[string]map[string]struct{}),
		logger:  logger.With("component", "rooms"),
	}
}

// Join adds the connection to the room. Joining a room twice is a no-op.
func (r *Rooms) Join(room string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[room]; !ok {
		r.members[room] = make(map[string]Conn)
	}
	r.members[room][c.ID()] = c

	if _, ok := r.joined[c.ID()]; !ok {
		r.joined[c.ID()] = make(map[string]struct{})
	}
	r.joined[c.ID()][room] = struct{}{}
}

// Leave removes the connection from the room. Unknown memberships are a
// no-op.
func (r *Rooms) Leave(room string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, c.ID())
}

// LeaveAll removes the connection from every room it joined. Called on
// disconnect.
func (r *Rooms) LeaveAll(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.joined[c.ID()] {
		r.leaveLocked(room, c.ID())
	}
}

func (r *Rooms) leaveLocked(room, connID string) {
	if conns, ok := r.members[room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.members, room)
		}
	}
	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
}

// Members returns the connections currently in the room.
func (r *Rooms) Members(room string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.members[room]))
	for _, c := range r.members[room] {
		conns = append(conns, c)
	}
	return conns
}

// Of returns the sorted room names the connection has joined.
func (r *Rooms) Of(c Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.joined[c.ID()]))
	for room := range r.joined[c.ID()] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Broadcast sends the event to every member of the room. Send failures are
// logged and skipped; a slow or dead member never blocks the others.
func (r *Rooms) Broadcast(room, event string, v any) {
	for _, c := range r.Members(room) {
		if err := c.Send(event, v); err != nil {
			r.logger.Debug("dropped broadcast for member",
				"room", room,
				"event", event,
				"conn_id", c.ID(),
				"error", err)
		}
	}
}
