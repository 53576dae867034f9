package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roomchat/domain"
	"roomchat/rpc"
	"roomchat/search"
)

// testClock hands out strictly increasing milliseconds so event ids and
// timestamps are predictable.
type testClock struct {
	ms int64
}

func (c *testClock) Now() time.Time {
	c.ms++
	return time.UnixMilli(c.ms)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(slog.Default(), domain.NewSnapshot(), nil).WithClock((&testClock{}).Now)
}

func call(t *testing.T, e *Engine, s *Session, method, params string) (any, error) {
	t.Helper()
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	return e.Dispatch(context.Background(), s, method, raw)
}

func mustCall(t *testing.T, e *Engine, s *Session, method, params string) any {
	t.Helper()
	result, err := call(t, e, s, method, params)
	require.NoError(t, err)
	return result
}

func drain(s *Session) []rpc.Notification {
	var out []rpc.Notification
	for {
		select {
		case n := <-s.Outbox():
			out = append(out, n)
		default:
			return out
		}
	}
}

func connect(t *testing.T, e *Engine, username string) *Session {
	t.Helper()
	s := NewSession(256)
	mustCall(t, e, s, "login", fmt.Sprintf(`[%q]`, username))
	return s
}

func TestLogin_Lifecycle(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	s := NewSession(256)
	_, err := call(t, e, s, "getRooms", "")
	req.True(rpc.IsCode(err, rpc.CodeNotLoggedIn))

	mustCall(t, e, s, "login", `["alice"]`)
	req.Equal("alice", s.Username())
	req.Equal(1, e.LiveSessions())

	_, err = call(t, e, s, "login", `["alice"]`)
	req.True(rpc.IsCode(err, rpc.CodeAlreadyLoggedIn))

	mustCall(t, e, s, "logout", "")
	req.Empty(s.Username())
	req.Zero(e.LiveSessions())

	// the user record survives the logout
	result := mustCall(t, e, connect(t, e, "bob"), "getUsers", "")
	req.Equal([]string{"alice", "bob"}, result)
}

func TestDispatch_UnknownMethod(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)
	s := connect(t, e, "alice")

	_, err := call(t, e, s, "teleport", `[]`)
	req.True(rpc.IsCode(err, rpc.CodeMethodNotFound))
}

func TestDispatch_InvalidParams(t *testing.T) {
	e := newTestEngine(t)
	s := connect(t, e, "alice")

	tests := []struct {
		name   string
		method string
		params string
	}{
		{"Login object instead of array", "login", `{"username":"x"}`},
		{"JoinRoom empty array", "joinRoom", `[]`},
		{"JoinRoom empty name", "joinRoom", `[""]`},
		{"SendMessage missing message", "sendMessage", `{"room":"general"}`},
		{"SendMessage positional", "sendMessage", `["general","hi"]`},
		{"SetRoomLastRead missing room", "setRoomLastRead", `{"lastRead":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, e, s, tt.method, tt.params)
			require.True(t, rpc.IsCode(err, rpc.CodeInvalidParams))
		})
	}
}

func TestJoinRoom_FanoutAndEvent(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	mustCall(t, e, alice, "joinRoom", `["general"]`)

	notifications := drain(alice)
	req.Len(notifications, 2)

	req.Equal(MethodJoinRoom, notifications[0].Method)
	join := notifications[0].Params.(JoinRoomNotice)
	req.Equal("general", join.Room)
	req.Equal("alice", join.User)
	req.NotZero(join.LastRead)

	req.Equal(MethodRoomEvent, notifications[1].Method)
	event := notifications[1].Params.(RoomEventNotice)
	req.Equal(domain.EventJoin, event.Type)
	req.Equal("alice", event.Sender)

	// second member: bob gets the member snapshot plus the log, alice
	// only the appended join event
	bob := connect(t, e, "bob")
	mustCall(t, e, bob, "joinRoom", `["general"]`)
	req.Len(drain(bob), 4)

	aliceNotifications := drain(alice)
	req.Len(aliceNotifications, 1)
	req.Equal(MethodRoomEvent, aliceNotifications[0].Method)
	req.Equal(domain.EventJoin, aliceNotifications[0].Params.(RoomEventNotice).Type)
}

func TestJoinRoom_Replay(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	mustCall(t, e, alice, "joinRoom", `["general"]`)
	mustCall(t, e, alice, "sendMessage", `{"room":"general","message":"one"}`)
	mustCall(t, e, alice, "sendMessage", `{"room":"general","message":"two"}`)

	bob := connect(t, e, "bob")
	drain(bob)
	mustCall(t, e, bob, "joinRoom", `["general"]`)
	notifications := drain(bob)

	// member snapshot first, then the history, then bob's own join event
	req.Len(notifications, 6)
	req.Equal(MethodJoinRoom, notifications[0].Method)
	req.Equal("alice", notifications[0].Params.(JoinRoomNotice).User)
	req.Equal(MethodJoinRoom, notifications[1].Method)
	req.Equal("bob", notifications[1].Params.(JoinRoomNotice).User)

	// both notices carry bob's own fresh marker
	req.Equal(notifications[0].Params.(JoinRoomNotice).LastRead,
		notifications[1].Params.(JoinRoomNotice).LastRead)

	var types []domain.EventType
	var ids []int64
	for _, n := range notifications[2:] {
		req.Equal(MethodRoomEvent, n.Method)
		event := n.Params.(RoomEventNotice)
		req.Equal("general", event.Room)
		types = append(types, event.Type)
		ids = append(ids, event.ID)
	}
	req.Equal([]domain.EventType{
		domain.EventJoin, domain.EventMessage, domain.EventMessage, domain.EventJoin,
	}, types)
	req.IsIncreasing(ids)
	req.Equal("bob", notifications[5].Params.(RoomEventNotice).Sender)
}

func TestJoinRoom_Double(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	mustCall(t, e, alice, "joinRoom", `["general"]`)
	drain(alice)

	_, err := call(t, e, alice, "joinRoom", `["general"]`)
	req.True(rpc.IsCode(err, rpc.CodeAlreadyJoined))
	req.Empty(drain(alice))

	snap := e.Snapshot()
	req.Equal([]string{"alice"}, snap.Rooms["general"].MemberNames())
	req.Len(snap.Rooms["general"].Events, 1)
}

func TestMembership_BidirectionalConsistency(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	steps := []struct {
		method string
		params string
	}{
		{"joinRoom", `["general"]`},
		{"joinRoom", `["random"]`},
		{"leaveRoom", `["general"]`},
		{"joinRoom", `["general"]`},
		{"leaveRoom", `["random"]`},
	}
	for _, step := range steps {
		mustCall(t, e, alice, step.method, step.params)

		snap := e.Snapshot()
		user := snap.Users["alice"]
		for roomName := range user.JoinedRooms {
			req.True(snap.Rooms[roomName].HasMember("alice"),
				"user lists %s but room does not list user", roomName)
		}
		for roomName, room := range snap.Rooms {
			if room.HasMember("alice") {
				_, joined := user.JoinedRooms[roomName]
				req.True(joined, "room %s lists user but user does not list room", roomName)
			}
		}
	}
}

func TestLeaveRoom_Errors(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	_, err := call(t, e, alice, "leaveRoom", `["nowhere"]`)
	req.True(rpc.IsCode(err, rpc.CodeNoSuchRoom))

	bob := connect(t, e, "bob")
	mustCall(t, e, bob, "joinRoom", `["general"]`)

	_, err = call(t, e, alice, "leaveRoom", `["general"]`)
	req.True(rpc.IsCode(err, rpc.CodeNotAMember))

	// failed validation must not have touched alice's record
	snap := e.Snapshot()
	req.Empty(snap.Users["alice"].JoinedRooms)
}

func TestLeaveRoom_NoticePrecedesRemoval(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	mustCall(t, e, alice, "joinRoom", `["general"]`)
	drain(alice)

	mustCall(t, e, alice, "leaveRoom", `["general"]`)
	notifications := drain(alice)

	// the leaver still receives the leaveRoom notice; the leave event is
	// fanned out after removal, so it no longer reaches them
	req.Len(notifications, 1)
	req.Equal(MethodLeaveRoom, notifications[0].Method)
	leave := notifications[0].Params.(LeaveRoomNotice)
	req.Equal(LeaveRoomNotice{Room: "general", User: "alice"}, leave)

	snap := e.Snapshot()
	req.Empty(snap.Rooms["general"].MemberNames())
	events := snap.Rooms["general"].Events
	req.Equal(domain.EventLeave, events[len(events)-1].Type)
}

func TestEventIDs_GloballyIncreasing(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	mustCall(t, e, alice, "joinRoom", `["general"]`)
	mustCall(t, e, alice, "joinRoom", `["random"]`)
	mustCall(t, e, alice, "sendMessage", `{"room":"random","message":"one"}`)
	mustCall(t, e, alice, "sendMessage", `{"room":"general","message":"two"}`)
	mustCall(t, e, alice, "leaveRoom", `["random"]`)

	snap := e.Snapshot()
	var all []domain.RoomEvent
	for _, room := range snap.Rooms {
		all = append(all, room.Events...)
	}
	seen := make(map[int64]bool)
	for _, event := range all {
		req.False(seen[event.ID], "event id %d reused", event.ID)
		seen[event.ID] = true
	}
	for _, room := range snap.Rooms {
		for i := 1; i < len(room.Events); i++ {
			req.Greater(room.Events[i].ID, room.Events[i-1].ID)
		}
	}
}

func TestLogin_Replay(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	bob := connect(t, e, "bob")
	mustCall(t, e, alice, "joinRoom", `["general"]`)
	mustCall(t, e, bob, "joinRoom", `["general"]`)
	mustCall(t, e, alice, "sendMessage", `{"room":"general","message":"hello"}`)
	mustCall(t, e, alice, "logout", "")
	drain(alice)

	reconnected := NewSession(256)
	mustCall(t, e, reconnected, "login", `["alice"]`)
	notifications := drain(reconnected)

	// membership snapshot first: one joinRoom per current member, in
	// member order, then the event log in original order
	req.Len(notifications, 5)
	req.Equal(MethodJoinRoom, notifications[0].Method)
	req.Equal("alice", notifications[0].Params.(JoinRoomNotice).User)
	req.Equal(MethodJoinRoom, notifications[1].Method)
	req.Equal("bob", notifications[1].Params.(JoinRoomNotice).User)

	var ids []int64
	var types []domain.EventType
	for _, n := range notifications[2:] {
		req.Equal(MethodRoomEvent, n.Method)
		event := n.Params.(RoomEventNotice)
		req.Equal("general", event.Room)
		ids = append(ids, event.ID)
		types = append(types, event.Type)
	}
	req.Equal([]domain.EventType{domain.EventJoin, domain.EventJoin, domain.EventMessage}, types)
	req.IsIncreasing(ids)
}

func TestSendMessage_PublicRoomErrors(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	_, err := call(t, e, alice, "sendMessage", `{"room":"general","message":"hi"}`)
	req.True(rpc.IsCode(err, rpc.CodeNoSuchRoom))

	bob := connect(t, e, "bob")
	mustCall(t, e, bob, "joinRoom", `["general"]`)
	_, err = call(t, e, alice, "sendMessage", `{"room":"general","message":"hi"}`)
	req.True(rpc.IsCode(err, rpc.CodeNotAMember))
}

func TestSendMessage_DirectAutoJoinsRecipient(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	bob := connect(t, e, "bob")
	roomName := domain.DirectRoomName("alice", "bob")

	mustCall(t, e, alice, "sendMessage",
		fmt.Sprintf(`{"room":%q,"message":"psst"}`, roomName))

	// bob: exactly one joinRoom notice, then the message event
	bobNotifications := drain(bob)
	req.Len(bobNotifications, 2)
	req.Equal(MethodJoinRoom, bobNotifications[0].Method)
	join := bobNotifications[0].Params.(JoinRoomNotice)
	req.Equal(roomName, join.Room)
	req.Equal("alice", join.User)

	req.Equal(MethodRoomEvent, bobNotifications[1].Method)
	event := bobNotifications[1].Params.(RoomEventNotice)
	req.Equal(domain.EventMessage, event.Type)
	req.Equal("psst", event.Message)
	req.Equal("alice", event.Sender)

	// alice never joined the direct room, so she receives nothing
	req.Empty(drain(alice))

	// no join event pollutes a direct room's log
	snap := e.Snapshot()
	room := snap.Rooms[roomName]
	req.Len(room.Events, 1)
	req.Equal([]string{"bob"}, room.MemberNames())
	req.ElementsMatch([]string{"alice", "bob"}, room.Participants)

	// bob's auto-join marker sits just before the message timestamp
	membership := snap.Users["bob"].JoinedRooms[roomName]
	req.Less(membership.LastRead, event.TS)

	// a second message must not repeat the auto-join
	mustCall(t, e, alice, "sendMessage",
		fmt.Sprintf(`{"room":%q,"message":"again"}`, roomName))
	bobNotifications = drain(bob)
	req.Len(bobNotifications, 1)
	req.Equal(MethodRoomEvent, bobNotifications[0].Method)
}

func TestSendMessage_DirectErrors(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")

	// recipient unknown
	_, err := call(t, e, alice, "sendMessage", `{"room":"!alice!ghost","message":"hi"}`)
	req.True(rpc.IsCode(err, rpc.CodeNoSuchUser))

	// sender absent from the composite name
	_, err = call(t, e, alice, "sendMessage", `{"room":"!bob!carol","message":"hi"}`)
	req.True(rpc.IsCode(err, rpc.CodeNoSuchUser))

	// existing direct room rejects a third party by its stored participants
	connect(t, e, "bob")
	mustCall(t, e, alice, "sendMessage", `{"room":"!alice!bob","message":"hi"}`)
	mallory := connect(t, e, "mallory")
	_, err = call(t, e, mallory, "sendMessage", `{"room":"!alice!bob","message":"intrude"}`)
	req.True(rpc.IsCode(err, rpc.CodeNotAMember))
}

func TestSendMessage_MultiSessionDelivery(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	phone := connect(t, e, "alice")
	laptop := connect(t, e, "alice")
	mustCall(t, e, phone, "joinRoom", `["general"]`)
	drain(phone)
	drain(laptop)

	mustCall(t, e, phone, "sendMessage", `{"room":"general","message":"ping"}`)

	for _, s := range []*Session{phone, laptop} {
		notifications := drain(s)
		req.Len(notifications, 1)
		req.Equal(MethodRoomEvent, notifications[0].Method)
		req.Equal("ping", notifications[0].Params.(RoomEventNotice).Message)
	}
}

func TestSetRoomLastRead(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	_, err := call(t, e, alice, "setRoomLastRead", `{"room":"general"}`)
	req.True(rpc.IsCode(err, rpc.CodeNotAMember))

	mustCall(t, e, alice, "joinRoom", `["general"]`)
	phone := connect(t, e, "alice")
	drain(alice)
	drain(phone)

	mustCall(t, e, alice, "setRoomLastRead", `{"room":"general","lastRead":4242}`)

	// every session of the user learns the marker
	for _, s := range []*Session{alice, phone} {
		notifications := drain(s)
		req.Len(notifications, 1)
		req.Equal(MethodLastRead, notifications[0].Method)
		req.Equal(LastReadNotice{Room: "general", LastRead: 4242}, notifications[0].Params.(LastReadNotice))
	}

	snap := e.Snapshot()
	req.Equal(int64(4242), snap.Users["alice"].JoinedRooms["general"].LastRead)

	// omitted marker defaults to now
	mustCall(t, e, alice, "setRoomLastRead", `{"room":"general"}`)
	snap = e.Snapshot()
	req.NotEqual(int64(4242), snap.Users["alice"].JoinedRooms["general"].LastRead)
}

func TestDisconnect_PrunesRoutingOnly(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	phone := connect(t, e, "alice")
	laptop := connect(t, e, "alice")
	bob := connect(t, e, "bob")
	mustCall(t, e, phone, "joinRoom", `["general"]`)
	mustCall(t, e, bob, "joinRoom", `["general"]`)
	drain(phone)
	drain(laptop)
	drain(bob)

	e.Disconnect(phone)

	mustCall(t, e, bob, "sendMessage", `{"room":"general","message":"still there?"}`)
	req.Empty(drain(phone))
	req.Len(drain(laptop), 1)
	req.Len(drain(bob), 1)

	// durable state is untouched by the disconnect
	snap := e.Snapshot()
	req.True(snap.Rooms["general"].HasMember("alice"))
	_, joined := snap.Users["alice"].JoinedRooms["general"]
	req.True(joined)

	e.Disconnect(laptop)
	req.Equal(1, e.LiveSessions())
}

func TestSnapshot_RestoreContinuesSequence(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	mustCall(t, e, alice, "joinRoom", `["general"]`)
	mustCall(t, e, alice, "sendMessage", `{"room":"general","message":"before restart"}`)

	snap := e.Snapshot()
	restored := New(slog.Default(), snap, nil).WithClock((&testClock{ms: 1000}).Now)

	again := NewSession(256)
	mustCall(t, restored, again, "login", `["alice"]`)
	replay := drain(again)
	req.Len(replay, 3) // membership notice + join event + message event

	mustCall(t, restored, again, "sendMessage", `{"room":"general","message":"after restart"}`)
	events := restored.Snapshot().Rooms["general"].Events
	last := events[len(events)-1]
	req.Equal("after restart", last.Message)
	req.Greater(last.ID, events[len(events)-2].ID)
}

func TestSendMessage_CensorApplied(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)
	e.WithCensor(func(text string) string { return "[redacted]" })

	alice := connect(t, e, "alice")
	mustCall(t, e, alice, "joinRoom", `["general"]`)
	drain(alice)

	mustCall(t, e, alice, "sendMessage", `{"room":"general","message":"secret"}`)
	notifications := drain(alice)
	req.Equal("[redacted]", notifications[0].Params.(RoomEventNotice).Message)
}

// stubSearcher returns canned hits regardless of the query.
type stubSearcher struct {
	hits []search.Hit
}

func (s stubSearcher) Search(_ context.Context, _ search.Query) ([]search.Hit, error) {
	return s.hits, nil
}

func TestSearchMessages_VisibilityAndAvailability(t *testing.T) {
	req := require.New(t)
	e := newTestEngine(t)

	alice := connect(t, e, "alice")
	_, err := call(t, e, alice, "searchMessages", `{"query":"hi"}`)
	req.True(rpc.IsCode(err, rpc.CodeMethodNotFound))

	e.WithSearcher(stubSearcher{hits: []search.Hit{
		{Room: "general", ID: 1, Sender: "alice", Message: "hi there"},
		{Room: "!bob!carol", ID: 2, Sender: "bob", Message: "hi secret"},
	}})
	mustCall(t, e, alice, "joinRoom", `["general"]`)

	// hits in rooms the caller never joined are dropped
	result := mustCall(t, e, alice, "searchMessages", `{"query":"hi"}`)
	hits := result.([]search.Hit)
	req.Len(hits, 1)
	req.Equal("general", hits[0].Room)
	req.Equal("hi there", hits[0].Message)
}

func TestAppendEvent_FeedsSinkChannel(t *testing.T) {
	req := require.New(t)
	feed := make(chan domain.LoggedEvent, 8)
	e := New(slog.Default(), domain.NewSnapshot(), feed).WithClock((&testClock{}).Now)

	alice := NewSession(256)
	mustCall(t, e, alice, "login", `["alice"]`)
	mustCall(t, e, alice, "joinRoom", `["general"]`)
	mustCall(t, e, alice, "sendMessage", `{"room":"general","message":"indexed"}`)

	req.Len(feed, 2)
	first := <-feed
	req.Equal(domain.EventJoin, first.Event.Type)
	second := <-feed
	req.Equal("indexed", second.Event.Message)
	req.Equal("general", second.Room)
}
