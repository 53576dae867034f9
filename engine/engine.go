// Package engine implements the session/room protocol engine: the
// per-connection state machine that validates and executes calls, the room
// membership and event-log model, and the fan-out that routes events to
// every live session of every room member.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"roomchat/domain"
	"roomchat/multimap"
	"roomchat/rpc"
	"roomchat/search"
)

// Searcher answers the searchMessages method. Implemented by the bluge
// index; nil disables the method.
type Searcher interface {
	Search(ctx context.Context, query search.Query) ([]search.Hit, error)
}

// Censor rewrites message text before it enters the event log.
type Censor func(text string) string

// Engine owns all shared state: the user directory, the room store, and
// the session multimap. A single mutex serializes calls so each one is
// applied as one atomic unit, fan-out included. Reply channels are
// non-blocking, so no call ever waits on a slow peer while holding the
// lock.
type Engine struct {
	mu       sync.Mutex
	rooms    domain.Rooms
	users    domain.Users
	sessions *multimap.Multimap[string, *Session]
	seq      int64

	log      *slog.Logger
	now      func() time.Time
	feed     chan<- domain.LoggedEvent
	censor   Censor
	searcher Searcher
}

// New restores an engine from a snapshot. feed receives every appended
// event for out-of-band consumers (may be nil); pushes to it never block.
func New(log *slog.Logger, snap domain.Snapshot, feed chan<- domain.LoggedEvent) *Engine {
	if snap.Rooms == nil {
		snap.Rooms = make(domain.Rooms)
	}
	if snap.Users == nil {
		snap.Users = make(domain.Users)
	}
	return &Engine{
		rooms:    snap.Rooms,
		users:    snap.Users,
		sessions: multimap.New[string, *Session](),
		seq:      snap.NextEventID(),
		log:      log,
		now:      time.Now,
		feed:     feed,
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithCensor installs message moderation.
func (e *Engine) WithCensor(censor Censor) *Engine {
	e.censor = censor
	return e
}

// WithSearcher enables the searchMessages method.
func (e *Engine) WithSearcher(searcher Searcher) *Engine {
	e.searcher = searcher
	return e
}

// Dispatch executes one call against the session. The result is the
// success value to return to the caller (possibly nil); any failure comes
// back as a *rpc.Error, with unexpected faults collapsed to Internal.
func (e *Engine) Dispatch(ctx context.Context, s *Session, method string, params json.RawMessage) (any, error) {
	result, err := e.dispatch(ctx, s, method, params)
	if err != nil {
		rpcErr := rpc.Wrap(err)
		if rpcErr.Code == rpc.CodeInternal && !rpc.IsCode(err, rpc.CodeInternal) {
			e.log.Error("Unexpected dispatch failure", "method", method, "session", s.ID, "err", err)
		}
		return nil, rpcErr
	}
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, s *Session, method string, params json.RawMessage) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if method != "login" && s.username == "" {
		return nil, rpc.ErrNotLoggedIn
	}

	switch method {
	case "login":
		username, err := decodePositionalString(params)
		if err != nil {
			return nil, err
		}
		return nil, e.login(s, username)

	case "logout":
		e.logout(s)
		return nil, nil

	case "getRooms":
		names := lo.Keys(e.rooms)
		sort.Strings(names)
		return names, nil

	case "getUsers":
		names := lo.Keys(e.users)
		sort.Strings(names)
		return names, nil

	case "joinRoom":
		roomName, err := decodePositionalString(params)
		if err != nil {
			return nil, err
		}
		return nil, e.joinRoom(s, roomName)

	case "leaveRoom":
		roomName, err := decodePositionalString(params)
		if err != nil {
			return nil, err
		}
		return nil, e.leaveRoom(s, roomName)

	case "sendMessage":
		var p sendMessageParams
		if err := decodeObject(params, &p); err != nil {
			return nil, err
		}
		return nil, e.sendMessage(s, p)

	case "setRoomLastRead":
		var p setRoomLastReadParams
		if err := decodeObject(params, &p); err != nil {
			return nil, err
		}
		return nil, e.setRoomLastRead(s, p)

	case "searchMessages":
		var p searchMessagesParams
		if err := decodeObject(params, &p); err != nil {
			return nil, err
		}
		return e.searchMessages(ctx, s, p)

	default:
		return nil, rpc.ErrMethodNotFound
	}
}

// login binds the session to a username and replays state: for every room
// the user had joined, the current member list as synthetic joinRoom
// notifications, then the room's full event log in original order.
func (e *Engine) login(s *Session, username string) error {
	if s.username != "" {
		return rpc.ErrAlreadyLoggedIn
	}

	user := e.users.GetOrCreate(username)
	s.username = username
	s.user = user
	e.sessions.Put(username, s)

	roomNames := lo.Keys(user.JoinedRooms)
	sort.Strings(roomNames)
	for _, roomName := range roomNames {
		room, ok := e.rooms[roomName]
		if !ok {
			// A direct room the peer has not materialized yet.
			continue
		}
		lastRead := user.JoinedRooms[roomName].LastRead
		for _, member := range room.MemberNames() {
			s.Notify(MethodJoinRoom, JoinRoomNotice{Room: roomName, User: member, LastRead: lastRead})
		}
		for _, event := range room.Events {
			s.Notify(MethodRoomEvent, RoomEventNotice{Room: roomName, RoomEvent: event})
		}
	}
	return nil
}

// logout unbinds the session. The UserRecord persists; only routing state
// is cleared.
func (e *Engine) logout(s *Session) {
	e.sessions.Delete(s.username, s)
	s.username = ""
	s.user = nil
}

// joinRoom adds the membership, then replays the room to the joining
// session the same way login does: one joinRoom notice per current member
// (self included) carrying the joiner's fresh marker, then the full event
// log. Other members learn of the join from the appended join event.
func (e *Engine) joinRoom(s *Session, roomName string) error {
	if _, joined := s.user.JoinedRooms[roomName]; joined {
		return rpc.ErrAlreadyJoined
	}

	lastRead := e.now().UnixMilli()
	s.user.JoinedRooms[roomName] = domain.Membership{LastRead: lastRead}
	room := e.rooms.GetOrCreate(roomName)
	room.AddMember(s.username)

	for _, member := range room.MemberNames() {
		s.Notify(MethodJoinRoom, JoinRoomNotice{Room: roomName, User: member, LastRead: lastRead})
	}
	for _, event := range room.Events {
		s.Notify(MethodRoomEvent, RoomEventNotice{Room: roomName, RoomEvent: event})
	}

	if !room.IsDirect() {
		e.appendEvent(room, domain.EventJoin, s.username, "")
	}
	return nil
}

func (e *Engine) leaveRoom(s *Session, roomName string) error {
	room, ok := e.rooms[roomName]
	if !ok {
		return rpc.ErrNoSuchRoom
	}
	if !room.HasMember(s.username) {
		return rpc.ErrNotAMember
	}

	// The leaver's own sessions must see the notice, so it goes out
	// before the membership is removed.
	e.broadcast(room, MethodLeaveRoom, LeaveRoomNotice{Room: roomName, User: s.username})

	delete(s.user.JoinedRooms, roomName)
	room.RemoveMember(s.username)

	if !room.IsDirect() {
		e.appendEvent(room, domain.EventLeave, s.username, "")
	}
	return nil
}

func (e *Engine) sendMessage(s *Session, p sendMessageParams) error {
	var room *domain.Room

	if domain.IsDirectRoomName(p.Room) {
		var err error
		room, err = e.ensureDirectRoom(s, p.Room)
		if err != nil {
			return err
		}
	} else {
		var ok bool
		room, ok = e.rooms[p.Room]
		if !ok {
			return rpc.ErrNoSuchRoom
		}
		if _, joined := s.user.JoinedRooms[p.Room]; !joined {
			return rpc.ErrNotAMember
		}
	}

	text := p.Message
	if e.censor != nil {
		text = e.censor(text)
	}
	e.appendEvent(room, domain.EventMessage, s.username, text)
	return nil
}

// ensureDirectRoom materializes a direct room on first message and
// auto-joins the recipient, who never sent an explicit joinRoom. The
// recipient comes from the stored participants when the room exists;
// only a not-yet-created room falls back to deriving it from the name.
func (e *Engine) ensureDirectRoom(s *Session, roomName string) (*domain.Room, error) {
	room := e.rooms[roomName]

	var peer string
	if room != nil && len(room.Participants) == 2 {
		a, b := room.Participants[0], room.Participants[1]
		switch s.username {
		case a:
			peer = b
		case b:
			peer = a
		default:
			return nil, rpc.ErrNotAMember
		}
	} else {
		var ok bool
		peer, ok = domain.DirectPeer(roomName, s.username)
		if !ok {
			return nil, rpc.ErrNoSuchUser
		}
	}

	recipient, ok := e.users[peer]
	if !ok {
		return nil, rpc.ErrNoSuchUser
	}

	if _, joined := recipient.JoinedRooms[roomName]; !joined {
		lastRead := e.now().UnixMilli() - 1
		recipient.JoinedRooms[roomName] = domain.Membership{LastRead: lastRead}
		room = e.rooms.GetOrCreate(roomName)
		room.Participants = []string{s.username, peer}
		room.AddMember(peer)
		e.broadcast(room, MethodJoinRoom, JoinRoomNotice{Room: roomName, User: s.username, LastRead: lastRead})
	} else if room == nil {
		room = e.rooms.GetOrCreate(roomName)
	}
	return room, nil
}

func (e *Engine) setRoomLastRead(s *Session, p setRoomLastReadParams) error {
	if _, joined := s.user.JoinedRooms[p.Room]; !joined {
		return rpc.ErrNotAMember
	}
	if _, ok := e.rooms[p.Room]; !ok {
		return rpc.ErrNotAMember
	}

	lastRead := e.now().UnixMilli()
	if p.LastRead != nil {
		lastRead = *p.LastRead
	}
	s.user.JoinedRooms[p.Room] = domain.Membership{LastRead: lastRead}

	// Every live session of the user learns the new marker, so other
	// devices stay in sync.
	for _, sess := range e.sessions.Get(s.username) {
		sess.Notify(MethodLastRead, LastReadNotice{Room: p.Room, LastRead: lastRead})
	}
	return nil
}

func (e *Engine) searchMessages(ctx context.Context, s *Session, p searchMessagesParams) (any, error) {
	if e.searcher == nil {
		return nil, rpc.ErrMethodNotFound
	}
	limit := p.Limit
	if limit == 0 {
		limit = 10
	}
	hits, err := e.searcher.Search(ctx, search.Query{Terms: p.Query, Room: p.Room, Limit: limit})
	if err != nil {
		return nil, err
	}
	// The index spans every room; hits outside the caller's joined rooms
	// must not leak, direct rooms of other users included.
	return lo.Filter(hits, func(hit search.Hit, _ int) bool {
		_, joined := s.user.JoinedRooms[hit.Room]
		return joined
	}), nil
}

// appendEvent assigns the next global sequence id, appends the event to
// the room's log, fans it out to every member's live sessions, and feeds
// out-of-band consumers.
func (e *Engine) appendEvent(room *domain.Room, eventType domain.EventType, sender, message string) {
	event := domain.RoomEvent{
		ID:      e.seq,
		TS:      e.now().UnixMilli(),
		Type:    eventType,
		Sender:  sender,
		Message: message,
	}
	e.seq++
	room.Append(event)

	e.broadcast(room, MethodRoomEvent, RoomEventNotice{Room: room.Name, RoomEvent: event})

	select {
	case e.feed <- domain.LoggedEvent{Room: room.Name, Event: event}:
	default:
		if e.feed != nil {
			e.log.Debug("Event feed full, sink delivery skipped", "room", room.Name, "id", event.ID)
		}
	}
}

// broadcast delivers one notification to every live session of every room
// member. Best-effort per session; a member with no live sessions silently
// receives nothing.
func (e *Engine) broadcast(room *domain.Room, method string, params any) {
	for _, member := range room.MemberNames() {
		for _, sess := range e.sessions.Get(member) {
			sess.Notify(method, params)
		}
	}
}

// Disconnect removes the session from the multimap so subsequent fan-out
// skips it. Equivalent to an implicit logout for routing purposes; the
// UserRecord and room memberships are untouched.
func (e *Engine) Disconnect(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.username != "" {
		e.sessions.Delete(s.username, s)
		s.username = ""
		s.user = nil
	}
}

// Snapshot exports a deep copy of the durable state for the persistence
// collaborator.
func (e *Engine) Snapshot() domain.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := domain.NewSnapshot()
	for name, room := range e.rooms {
		snap.Rooms[name] = room.Clone()
	}
	for name, user := range e.users {
		snap.Users[name] = user.Clone()
	}
	return snap
}

// LiveSessions reports how many usernames currently have at least one
// connected session.
func (e *Engine) LiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions.Len()
}
