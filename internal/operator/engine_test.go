// ABOUTME: Tests for the assignment engine
// ABOUTME: Verifies availability gathering, selection, lifecycle fan-out, and transfer

package operator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/message"
	"github.com/2389/support-gateway/internal/transport"
)

// bidder is an operator device that answers availability queries with a
// fixed load and capacity, and records lifecycle events.
type bidder struct {
	conn      transport.Conn
	chatOpens chan message.Chat
	chatClose chan message.Chat
	messages  chan ChatMessage
}

func newBidder(t *testing.T, capacity, load int) *bidder {
	t.Helper()
	server, peer := transport.NewPipe()

	b := &bidder{
		conn:      server,
		chatOpens: make(chan message.Chat, 8),
		chatClose: make(chan message.Chat, 8),
		messages:  make(chan ChatMessage, 8),
	}
	peer.On("available", func(_ transport.Payload, reply transport.Reply) {
		reply(message.Availability{Capacity: capacity, Load: load})
	})
	peer.On("chat.open", func(p transport.Payload, _ transport.Reply) {
		var chat message.Chat
		require.NoError(t, p.Decode(&chat))
		b.chatOpens <- chat
	})
	peer.On("chat.close", func(p transport.Payload, _ transport.Reply) {
		var chat message.Chat
		require.NoError(t, p.Decode(&chat))
		b.chatClose <- chat
	})
	peer.On("chat.message", func(p transport.Payload, _ transport.Reply) {
		var cm ChatMessage
		require.NoError(t, p.Decode(&cm))
		b.messages <- cm
	})
	return b
}

// newSlowBidder answers availability queries with a fixed delay, for
// ordering bids deterministically within one gather.
func newSlowBidder(t *testing.T, capacity, load int, delay time.Duration) *bidder {
	t.Helper()
	server, peer := transport.NewPipe()

	b := &bidder{
		conn:      server,
		chatOpens: make(chan message.Chat, 8),
		chatClose: make(chan message.Chat, 8),
		messages:  make(chan ChatMessage, 8),
	}
	peer.On("available", func(_ transport.Payload, reply transport.Reply) {
		time.Sleep(delay)
		reply(message.Availability{Capacity: capacity, Load: load})
	})
	peer.On("chat.open", func(p transport.Payload, _ transport.Reply) {
		var chat message.Chat
		require.NoError(t, p.Decode(&chat))
		b.chatOpens <- chat
	})
	return b
}

// dropout is an operator device that closes its connection instead of
// answering the availability query.
func dropout(t *testing.T) transport.Conn {
	t.Helper()
	server, peer := transport.NewPipe()
	peer.On("available", func(_ transport.Payload, _ transport.Reply) {
		_ = peer.Close()
	})
	return server
}

// silent is an operator device that never answers availability queries.
func silent(t *testing.T) transport.Conn {
	t.Helper()
	server, _ := transport.NewPipe()
	return server
}

func newEngineUnderTest(timeout time.Duration) (*Engine, *Presence, *transport.Rooms) {
	presence := NewPresence(0, nil)
	rooms := transport.NewRooms(nil)
	return NewEngine(presence, rooms, timeout, nil), presence, rooms
}

func TestAssign_PicksMostSpareCapacity(t *testing.T) {
	engine, presence, _ := newEngineUnderTest(time.Second)

	// op-1 has one slot spare, op-2 has three.
	busy := newBidder(t, 5, 4)
	free := newBidder(t, 5, 2)
	presence.Connect(operatorIdentity("op-1"), busy.conn)
	presence.Connect(operatorIdentity("op-2"), free.conn)

	chat := message.Chat{ID: "chat-1"}
	identity, err := engine.Assign(context.Background(), chat, chat.Room())
	require.NoError(t, err)
	assert.Equal(t, "op-2", identity.ID)

	assigned, ok := engine.Assigned("chat-1")
	require.True(t, ok)
	assert.Equal(t, "op-2", assigned)

	// The winner's device gets chat.open with the assignment recorded.
	select {
	case opened := <-free.chatOpens:
		assert.Equal(t, "chat-1", opened.ID)
		assert.Equal(t, "op-2", opened.AssignedID)
	case <-time.After(time.Second):
		t.Fatal("chat.open never arrived")
	}
	assert.Empty(t, busy.chatOpens)
}

func TestAssign_EqualLoadHigherCapacityWins(t *testing.T) {
	engine, presence, _ := newEngineUnderTest(time.Second)

	presence.Connect(operatorIdentity("op-small"), newBidder(t, 5, 5).conn)
	presence.Connect(operatorIdentity("op-big"), newBidder(t, 6, 5).conn)

	chat := message.Chat{ID: "chat-1"}
	identity, err := engine.Assign(context.Background(), chat, chat.Room())
	require.NoError(t, err)
	assert.Equal(t, "op-big", identity.ID)
}

func TestAssign_HigherLoadLosesAtEqualCapacity(t *testing.T) {
	engine, presence, _ := newEngineUnderTest(time.Second)

	presence.Connect(operatorIdentity("op-heavy"), newBidder(t, 6, 5).conn)
	winner := newBidder(t, 6, 1)
	presence.Connect(operatorIdentity("op-light"), winner.conn)

	chat := message.Chat{ID: "chat-1"}
	identity, err := engine.Assign(context.Background(), chat, chat.Room())
	require.NoError(t, err)
	assert.Equal(t, "op-light", identity.ID)
}

func TestAssign_FirstBidWinsEqualSpare(t *testing.T) {
	engine, presence, _ := newEngineUnderTest(time.Second)

	// Both offer two spare slots; the late bidder must not displace the
	// one whose bid arrived first.
	fast := newBidder(t, 4, 2)
	slow := newSlowBidder(t, 4, 2, 80*time.Millisecond)
	presence.Connect(operatorIdentity("op-slow"), slow.conn)
	presence.Connect(operatorIdentity("op-fast"), fast.conn)

	chat := message.Chat{ID: "chat-1"}
	identity, err := engine.Assign(context.Background(), chat, chat.Room())
	require.NoError(t, err)
	assert.Equal(t, "op-fast", identity.ID)
	assert.Empty(t, slow.chatOpens)
}

func TestAssign_DisconnectDuringGatherIsNoBid(t *testing.T) {
	engine, presence, _ := newEngineUnderTest(200 * time.Millisecond)

	presence.Connect(operatorIdentity("op-gone"), dropout(t))
	bid := newBidder(t, 3, 0)
	presence.Connect(operatorIdentity("op-live"), bid.conn)

	chat := message.Chat{ID: "chat-1"}
	identity, err := engine.Assign(context.Background(), chat, chat.Room())
	require.NoError(t, err)
	assert.Equal(t, "op-live", identity.ID)
}

func TestAssign_NoOperatorsOnline(t *testing.T) {
	engine, _, _ := newEngineUnderTest(time.Second)

	chat := message.Chat{ID: "chat-1"}
	_, err := engine.Assign(context.Background(), chat, chat.Room())
	assert.ErrorIs(t, err, ErrNoOperatorAvailable)
}

func TestAssign_SilentOperatorsTimeOut(t *testing.T) {
	engine, presence, _ := newEngineUnderTest(50 * time.Millisecond)

	presence.Connect(operatorIdentity("op-1"), silent(t))

	chat := message.Chat{ID: "chat-1"}
	start := time.Now()
	_, err := engine.Assign(context.Background(), chat, chat.Room())
	assert.ErrorIs(t, err, ErrNoOperatorAvailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAssign_SilentOperatorDoesNotBlockBidders(t *testing.T) {
	engine, presence, _ := newEngineUnderTest(100 * time.Millisecond)

	presence.Connect(operatorIdentity("op-silent"), silent(t))
	bid := newBidder(t, 3, 0)
	presence.Connect(operatorIdentity("op-live"), bid.conn)

	chat := message.Chat{ID: "chat-1"}
	identity, err := engine.Assign(context.Background(), chat, chat.Room())
	require.NoError(t, err)
	assert.Equal(t, "op-live", identity.ID)
}

func TestOpen_EveryDeviceJoinsAndHearsOpenOnce(t *testing.T) {
	engine, presence, rooms := newEngineUnderTest(time.Second)

	first := newBidder(t, 3, 0)
	second := newBidder(t, 3, 0)
	presence.Connect(operatorIdentity("op-1"), first.conn)
	presence.Connect(operatorIdentity("op-1"), second.conn)

	chat := message.Chat{ID: "chat-1"}
	engine.Open(chat, chat.Room(), operatorIdentity("op-1"))

	assert.Len(t, rooms.Members(chat.Room()), 2)
	assert.Len(t, first.chatOpens, 1)
	assert.Len(t, second.chatOpens, 1)
}

func TestClose_ClearsAssignmentAndMembership(t *testing.T) {
	engine, presence, rooms := newEngineUnderTest(time.Second)

	b := newBidder(t, 3, 0)
	presence.Connect(operatorIdentity("op-1"), b.conn)

	chat := message.Chat{ID: "chat-1"}
	engine.Open(chat, chat.Room(), operatorIdentity("op-1"))
	engine.Close(chat, chat.Room(), operatorIdentity("op-1"))

	_, ok := engine.Assigned("chat-1")
	assert.False(t, ok)
	assert.Empty(t, rooms.Members(chat.Room()))
	assert.Len(t, b.chatClose, 1)
}

func TestTransfer_MovesChatBetweenIdentities(t *testing.T) {
	engine, presence, rooms := newEngineUnderTest(time.Second)

	from := newBidder(t, 3, 0)
	to := newBidder(t, 3, 0)
	presence.Connect(operatorIdentity("op-from"), from.conn)
	presence.Connect(operatorIdentity("op-to"), to.conn)

	var transfers int
	engine.OnTransferred(func(_ message.Chat, fromID, toID message.Identity) {
		transfers++
		assert.Equal(t, "op-from", fromID.ID)
		assert.Equal(t, "op-to", toID.ID)
	})

	chat := message.Chat{ID: "chat-1"}
	engine.Open(chat, chat.Room(), operatorIdentity("op-from"))
	engine.Transfer(chat, chat.Room(), operatorIdentity("op-from"), operatorIdentity("op-to"))

	assigned, ok := engine.Assigned("chat-1")
	require.True(t, ok)
	assert.Equal(t, "op-to", assigned)
	assert.Equal(t, 1, transfers)

	assert.Len(t, from.chatClose, 1)
	assert.Len(t, to.chatOpens, 1)

	// Only the new owner remains in the room.
	members := rooms.Members(chat.Room())
	require.Len(t, members, 1)
	assert.Equal(t, to.conn.ID(), members[0].ID())
}

func TestRecover_RestoresMembershipWithoutSelection(t *testing.T) {
	engine, presence, rooms := newEngineUnderTest(time.Second)

	b := newBidder(t, 3, 0)
	presence.Connect(operatorIdentity("op-1"), b.conn)

	chats := []message.Chat{{ID: "chat-1"}, {ID: "chat-2"}}
	engine.Recover(operatorIdentity("op-1"), chats)

	for _, chat := range chats {
		assigned, ok := engine.Assigned(chat.ID)
		require.True(t, ok)
		assert.Equal(t, "op-1", assigned)
		assert.Len(t, rooms.Members(chat.Room()), 1)
	}
	// Recovery is silent: no chat.open replays.
	assert.Empty(t, b.chatOpens)
}

func TestReceiveMessage_BroadcastsIntoChatRoom(t *testing.T) {
	engine, presence, _ := newEngineUnderTest(time.Second)

	b := newBidder(t, 3, 0)
	presence.Connect(operatorIdentity("op-1"), b.conn)

	chat := message.Chat{ID: "chat-1"}
	engine.Open(chat, chat.Room(), operatorIdentity("op-1"))

	msg := message.Message{ID: "m1", ChatID: chat.ID, Text: "hello", AuthorType: message.AuthorCustomer}
	engine.ReceiveMessage(chat, msg)

	select {
	case cm := <-b.messages:
		assert.Equal(t, "hello", cm.Message.Text)
		assert.Equal(t, "chat-1", cm.Chat.ID)
	case <-time.After(time.Second):
		t.Fatal("chat.message never arrived")
	}
}

func TestOnAssignedHookFires(t *testing.T) {
	engine, presence, _ := newEngineUnderTest(time.Second)

	b := newBidder(t, 3, 0)
	presence.Connect(operatorIdentity("op-1"), b.conn)

	assigned := make(chan string, 1)
	engine.OnAssigned(func(_ message.Chat, identity message.Identity) {
		assigned <- identity.ID
	})

	chat := message.Chat{ID: "chat-1"}
	_, err := engine.Assign(context.Background(), chat, chat.Room())
	require.NoError(t, err)
	assert.Equal(t, "op-1", <-assigned)
}
