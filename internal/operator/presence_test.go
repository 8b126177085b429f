// ABOUTME: Tests for the presence registry
// ABOUTME: Verifies multi-device tracking, debounced leaves, and roster broadcasts

package operator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/message"
	"github.com/2389/support-gateway/internal/transport"
)

func operatorIdentity(id string) message.Identity {
	return message.Identity{ID: id, DisplayName: "Operator " + id, Status: message.StatusOnline}
}

// device returns a server-side connection for an operator device plus a
// channel of rosters it receives.
func device(t *testing.T) (transport.Conn, <-chan []message.Identity) {
	t.Helper()
	server, peer := transport.NewPipe()

	rosters := make(chan []message.Identity, 8)
	peer.On("operators.online", func(p transport.Payload, _ transport.Reply) {
		var roster []message.Identity
		require.NoError(t, p.Decode(&roster))
		rosters <- roster
	})
	return server, rosters
}

func TestPresence_FirstConnectionEmitsJoin(t *testing.T) {
	p := NewPresence(0, nil)

	var joins []ConnEvent
	p.OnJoin(func(ev ConnEvent) { joins = append(joins, ev) })

	conn, _ := device(t)
	p.Connect(operatorIdentity("op-1"), conn)

	require.Len(t, joins, 1)
	assert.Equal(t, "op-1", joins[0].ID)
	assert.Equal(t, conn.ID(), joins[0].ConnID)
}

func TestPresence_SecondDeviceDoesNotRejoin(t *testing.T) {
	p := NewPresence(0, nil)

	joins := 0
	p.OnJoin(func(ConnEvent) { joins++ })

	first, _ := device(t)
	second, _ := device(t)
	p.Connect(operatorIdentity("op-1"), first)
	p.Connect(operatorIdentity("op-1"), second)

	assert.Equal(t, 1, joins)
	assert.Len(t, p.ConnectionsFor("op-1"), 2)
}

func TestPresence_LeaveOnlyWhenLastConnectionDrops(t *testing.T) {
	p := NewPresence(0, nil)

	var leaves []ConnEvent
	p.OnLeave(func(ev ConnEvent) { leaves = append(leaves, ev) })

	first, _ := device(t)
	second, _ := device(t)
	p.Connect(operatorIdentity("op-1"), first)
	p.Connect(operatorIdentity("op-1"), second)

	p.Disconnect(first)
	assert.Empty(t, leaves)

	_, stillThere := p.Identity("op-1")
	assert.True(t, stillThere)

	p.Disconnect(second)
	require.Len(t, leaves, 1)
	assert.Equal(t, "op-1", leaves[0].ID)

	_, gone := p.Identity("op-1")
	assert.False(t, gone)
}

func TestPresence_DisconnectIsIdempotent(t *testing.T) {
	p := NewPresence(0, nil)

	leaves := 0
	p.OnLeave(func(ConnEvent) { leaves++ })

	conn, _ := device(t)
	p.Connect(operatorIdentity("op-1"), conn)

	p.Disconnect(conn)
	p.Disconnect(conn)
	p.Disconnect(conn)

	assert.Equal(t, 1, leaves)
}

func TestPresence_DisconnectUnknownIsNoOp(t *testing.T) {
	p := NewPresence(0, nil)
	conn, _ := device(t)
	p.Disconnect(conn)
}

func TestPresence_DebounceAbsorbsReconnect(t *testing.T) {
	p := NewPresence(50*time.Millisecond, nil)

	joins, leaves := 0, 0
	p.OnJoin(func(ConnEvent) { joins++ })
	p.OnLeave(func(ConnEvent) { leaves++ })

	first, _ := device(t)
	p.Connect(operatorIdentity("op-1"), first)
	p.Disconnect(first)

	// Reconnect inside the grace window: nobody observes a transition.
	second, _ := device(t)
	p.Connect(operatorIdentity("op-1"), second)

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, joins)
	assert.Equal(t, 0, leaves)
}

func TestPresence_DebouncedLeaveFiresWithoutReconnect(t *testing.T) {
	p := NewPresence(30*time.Millisecond, nil)

	leaveCh := make(chan ConnEvent, 1)
	p.OnLeave(func(ev ConnEvent) { leaveCh <- ev })

	conn, _ := device(t)
	p.Connect(operatorIdentity("op-1"), conn)
	p.Disconnect(conn)

	select {
	case ev := <-leaveCh:
		assert.Equal(t, "op-1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("leave never fired")
	}
}

func TestPresence_RosterOrderedByFirstConnection(t *testing.T) {
	p := NewPresence(0, nil)

	for _, id := range []string{"op-b", "op-a", "op-c"} {
		conn, _ := device(t)
		p.Connect(operatorIdentity(id), conn)
	}

	roster := p.OnlineRoster()
	require.Len(t, roster, 3)
	assert.Equal(t, "op-b", roster[0].ID)
	assert.Equal(t, "op-a", roster[1].ID)
	assert.Equal(t, "op-c", roster[2].ID)
}

func TestPresence_RosterBroadcastReachesEveryDevice(t *testing.T) {
	p := NewPresence(0, nil)

	firstConn, firstRosters := device(t)
	p.Connect(operatorIdentity("op-1"), firstConn)

	// op-1's device hears about op-2 arriving.
	secondConn, _ := device(t)
	p.Connect(operatorIdentity("op-2"), secondConn)

	var last []message.Identity
	for len(firstRosters) > 0 {
		last = <-firstRosters
	}
	require.Len(t, last, 2)
	assert.Equal(t, "op-1", last[0].ID)
	assert.Equal(t, "op-2", last[1].ID)
}

func TestPresence_ChangedDisplayNameRebroadcastsRoster(t *testing.T) {
	p := NewPresence(0, nil)

	firstConn, firstRosters := device(t)
	p.Connect(operatorIdentity("op-1"), firstConn)
	for len(firstRosters) > 0 {
		<-firstRosters
	}

	// A second device connects under a fresh display name.
	renamed := operatorIdentity("op-1")
	renamed.DisplayName = "Operator One (renamed)"
	secondConn, _ := device(t)
	p.Connect(renamed, secondConn)

	var last []message.Identity
	for len(firstRosters) > 0 {
		last = <-firstRosters
	}
	require.Len(t, last, 1)
	assert.Equal(t, "Operator One (renamed)", last[0].DisplayName)
}

func TestPresence_UnchangedSecondDeviceDoesNotRebroadcast(t *testing.T) {
	p := NewPresence(0, nil)

	firstConn, firstRosters := device(t)
	p.Connect(operatorIdentity("op-1"), firstConn)
	for len(firstRosters) > 0 {
		<-firstRosters
	}

	secondConn, _ := device(t)
	p.Connect(operatorIdentity("op-1"), secondConn)

	assert.Empty(t, firstRosters)
}

func TestPresence_SetStatusSurvivesReconnect(t *testing.T) {
	p := NewPresence(0, nil)

	first, _ := device(t)
	p.Connect(operatorIdentity("op-1"), first)
	p.SetStatus("op-1", message.StatusAway)

	// A second device connecting with a fresh identity copy must not
	// clobber the explicit status.
	second, _ := device(t)
	p.Connect(operatorIdentity("op-1"), second)

	identity, ok := p.Identity("op-1")
	require.True(t, ok)
	assert.Equal(t, message.StatusAway, identity.Status)
}

func TestPresence_SetStatusUnknownIsNoOp(t *testing.T) {
	p := NewPresence(0, nil)
	p.SetStatus("ghost", message.StatusAway)
	assert.Empty(t, p.OnlineRoster())
}
