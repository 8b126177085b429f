// ABOUTME: Presence registry: which operator identities are reachable, through
// ABOUTME: which connections, in what status. Single source of truth for the roster.

package operator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/support-gateway/internal/message"
	"github.com/2389/support-gateway/internal/transport"
)

// ConnEvent describes a join or leave transition for an identity.
type ConnEvent struct {
	ID     string
	ConnID string
}

type presenceEntry struct {
	identity message.Identity
	conns    map[string]transport.Conn
	seq      uint64 // first-connection order, stable across reconnects of a live entry
	first    time.Time

	// leaveTimer is armed when the last connection drops and a reconnect
	// debounce is configured. A reconnect before it fires cancels the leave.
	leaveTimer *time.Timer
	lastConnID string
}

// Presence tracks every operator identity holding at least one live
// connection. It emits join on an identity's first connection, leave when
// its last connection drops, and broadcasts the online roster to every
// operator connection whenever the roster changes.
type Presence struct {
	mu       sync.Mutex
	entries  map[string]*presenceEntry
	byConn   map[string]string // connID -> identityID
	seq      uint64
	debounce time.Duration
	logger   *slog.Logger

	joinFns   []func(ConnEvent)
	leaveFns  []func(ConnEvent)
	rosterFns []func([]message.Identity)
}

// NewPresence creates an empty registry. debounce, when positive, is the
// grace window during which a full disconnect followed by a reconnect of
// the same identity emits neither leave nor join. Pass nil logger for
// default.
func NewPresence(debounce time.Duration, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		entries:  make(map[string]*presenceEntry),
		byConn:   make(map[string]string),
		debounce: debounce,
		logger:   logger.With("component", "presence"),
	}
}

// OnJoin registers a hook for identity join transitions.
func (p *Presence) OnJoin(fn func(ConnEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joinFns = append(p.joinFns, fn)
}

// OnLeave registers a hook for identity leave transitions.
func (p *Presence) OnLeave(fn func(ConnEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaveFns = append(p.leaveFns, fn)
}

// OnRoster registers a hook invoked with the roster on every change.
func (p *Presence) OnRoster(fn func([]message.Identity)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rosterFns = append(p.rosterFns, fn)
}

// Connect registers the connection under the identity. The identity's
// first connection creates its registry entry and emits join; later
// connections grow the set, and rebroadcast the roster when they carry
// changed display fields. Reconnecting within the debounce window cancels
// the pending leave instead of emitting a fresh join.
func (p *Presence) Connect(identity message.Identity, conn transport.Conn) {
	p.mu.Lock()

	e, known := p.entries[identity.ID]
	changed := false
	if known {
		if e.leaveTimer != nil {
			e.leaveTimer.Stop()
			e.leaveTimer = nil
		}
		// Status changes only through SetStatus.
		identity.Status = e.identity.Status
		changed = identity != e.identity
		e.identity = identity
	} else {
		p.seq++
		e = &presenceEntry{
			identity: identity,
			conns:    make(map[string]transport.Conn),
			seq:      p.seq,
			first:    time.Now(),
		}
		p.entries[identity.ID] = e
	}
	e.conns[conn.ID()] = conn
	p.byConn[conn.ID()] = identity.ID
	p.mu.Unlock()

	p.logger.Info("operator connected",
		"operator_id", identity.ID,
		"conn_id", conn.ID(),
		"known", known)

	if !known {
		p.emitJoin(ConnEvent{ID: identity.ID, ConnID: conn.ID()})
		p.broadcastRoster()
	} else if changed {
		// A later device brought fresh display fields; everyone sees them.
		p.broadcastRoster()
	}
}

// Disconnect removes the connection from its identity's set. Dropping the
// last connection emits leave and removes the entry, debounced when a
// grace window is configured. Unknown connections are a no-op.
func (p *Presence) Disconnect(conn transport.Conn) {
	p.mu.Lock()

	identityID, ok := p.byConn[conn.ID()]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.byConn, conn.ID())

	e := p.entries[identityID]
	delete(e.conns, conn.ID())
	if len(e.conns) > 0 {
		p.mu.Unlock()
		return
	}

	e.lastConnID = conn.ID()
	if p.debounce > 0 {
		e.leaveTimer = time.AfterFunc(p.debounce, func() {
			p.finishLeave(identityID)
		})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.finishLeave(identityID)
}

// finishLeave removes the entry if it is still empty and emits leave.
func (p *Presence) finishLeave(identityID string) {
	p.mu.Lock()
	e, ok := p.entries[identityID]
	if !ok || len(e.conns) > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, identityID)
	ev := ConnEvent{ID: identityID, ConnID: e.lastConnID}
	p.mu.Unlock()

	p.logger.Info("operator left", "operator_id", identityID, "conn_id", ev.ConnID)
	p.emitLeave(ev)
	p.broadcastRoster()
}

// SetStatus updates the identity's status and rebroadcasts the roster.
// Unknown identities are a no-op.
func (p *Presence) SetStatus(identityID string, status message.Status) {
	p.mu.Lock()
	e, ok := p.entries[identityID]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.identity.Status = status
	p.mu.Unlock()

	p.broadcastRoster()
}

// Identity returns the tracked identity, if connected.
func (p *Presence) Identity(identityID string) (message.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[identityID]
	if !ok {
		return message.Identity{}, false
	}
	return e.identity, true
}

// OnlineRoster returns the distinct identities currently holding at least
// one connection, ordered by first-connection time.
func (p *Presence) OnlineRoster() []message.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rosterLocked()
}

func (p *Presence) rosterLocked() []message.Identity {
	type ordered struct {
		identity message.Identity
		seq      uint64
	}
	all := make([]ordered, 0, len(p.entries))
	for _, e := range p.entries {
		if len(e.conns) == 0 {
			continue
		}
		all = append(all, ordered{identity: e.identity, seq: e.seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	roster := make([]message.Identity, len(all))
	for i, o := range all {
		roster[i] = o.identity
	}
	return roster
}

// ConnectionsFor returns every live connection for the identity, for
// explicit fan-out of chat lifecycle events.
func (p *Presence) ConnectionsFor(identityID string) []transport.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[identityID]
	if !ok {
		return nil
	}
	conns := make([]transport.Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// representatives returns one connection per online identity, in roster
// order, for availability queries.
func (p *Presence) representatives() []representative {
	p.mu.Lock()
	defer p.mu.Unlock()

	reps := make([]representative, 0, len(p.entries))
	for _, e := range p.entries {
		for _, c := range e.conns {
			reps = append(reps, representative{identity: e.identity, seq: e.seq, conn: c})
			break
		}
	}
	sort.Slice(reps, func(i, j int) bool { return reps[i].seq < reps[j].seq })
	return reps
}

type representative struct {
	identity message.Identity
	seq      uint64
	conn     transport.Conn
}

// broadcastRoster recomputes the roster, notifies hooks, and sends
// operators.online to every operator connection.
func (p *Presence) broadcastRoster() {
	p.mu.Lock()
	roster := p.rosterLocked()
	hooks := p.rosterFns
	targets := make([]transport.Conn, 0, len(p.byConn))
	for _, e := range p.entries {
		for _, c := range e.conns {
			targets = append(targets, c)
		}
	}
	p.mu.Unlock()

	for _, fn := range hooks {
		fn(roster)
	}
	for _, c := range targets {
		if err := c.Send("operators.online", roster); err != nil {
			p.logger.Debug("dropped roster broadcast",
				"conn_id", c.ID(),
				"error", err)
		}
	}
}

func (p *Presence) emitJoin(ev ConnEvent) {
	p.mu.Lock()
	hooks := p.joinFns
	p.mu.Unlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

func (p *Presence) emitLeave(ev ConnEvent) {
	p.mu.Lock()
	hooks := p.leaveFns
	p.mu.Unlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

// OperatorRoom returns the per-identity room name used for init and
// multi-device fan-out at the adapter layer.
func OperatorRoom(identityID string) string {
	return fmt.Sprintf("operators/%s", identityID)
}
