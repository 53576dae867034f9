package engine

import (
	"github.com/google/uuid"

	"roomchat/domain"
	"roomchat/rpc"
)

// Session is a live connection's transient binding to a user identity plus
// a delivery channel. It is created on connection establishment and
// destroyed on disconnect; the engine owns all mutation of its fields.
type Session struct {
	ID uuid.UUID

	username string
	user     *domain.UserRecord

	outbox chan rpc.Notification
}

// NewSession creates an anonymous session with a reply buffer of the given
// size. The transport drains Outbox; the engine never blocks on it.
func NewSession(buffer int) *Session {
	return &Session{
		ID:     uuid.New(),
		outbox: make(chan rpc.Notification, buffer),
	}
}

// Username returns the bound username, or "" while anonymous.
func (s *Session) Username() string {
	return s.username
}

// Outbox is the stream of notifications owed to the remote peer.
func (s *Session) Outbox() <-chan rpc.Notification {
	return s.outbox
}

// Notify pushes a notification to the session's peer. Delivery is
// best-effort: a full buffer means the peer is too slow and the
// notification is dropped rather than stalling dispatch for others.
func (s *Session) Notify(method string, params any) {
	select {
	case s.outbox <- rpc.NewNotification(method, params):
	default:
	}
}

// Notification methods pushed through a session's reply channel.
const (
	MethodJoinRoom  = "joinRoom"
	MethodLeaveRoom = "leaveRoom"
	MethodRoomEvent = "roomEvent"
	MethodLastRead  = "lastRead"
)

// JoinRoomNotice announces room membership: on join fan-out, on login
// replay (one per current member), and on direct-message auto-join.
type JoinRoomNotice struct {
	Room     string `json:"room"`
	User     string `json:"user"`
	LastRead int64  `json:"lastRead"`
}

// LeaveRoomNotice announces a member leaving, sent before the membership
// is removed so the leaver's own sessions still receive it.
type LeaveRoomNotice struct {
	Room string `json:"room"`
	User string `json:"user"`
}

// RoomEventNotice carries an appended event; the event fields are flattened
// next to the room name on the wire.
type RoomEventNotice struct {
	Room string `json:"room"`
	domain.RoomEvent
}

// LastReadNotice propagates an updated read marker to the user's own
// sessions.
type LastReadNotice struct {
	Room     string `json:"room"`
	LastRead int64  `json:"lastRead"`
}
