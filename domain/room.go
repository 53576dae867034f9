// Package domain contains core concepts of the messaging system:
// rooms, users, room events, and the snapshot shape they persist as.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"sort"
	"strings"
)

// DirectRoomSigil prefixes room names that denote a private conversation
// between exactly two users, e.g. "!alice!bob".
const DirectRoomSigil = "!"

// Room is a named container of members and an ordered, append-only event
// log. Events are never reordered or pruned within the process lifetime.
type Room struct {
	Name    string          `json:"name"`
	Members map[string]bool `json:"users"`
	Events  []RoomEvent     `json:"roomEvents"`

	// Participants holds the two identities of a direct room, recorded
	// explicitly at creation so the recipient never has to be re-derived
	// from the name once the room exists. Empty for public rooms.
	Participants []string `json:"participants,omitempty"`
}

// NewRoom creates an empty room. For direct room names the participants
// are pre-filled from the name when it parses cleanly; callers that know
// the identities (first direct message) overwrite them with the
// authoritative pair.
func NewRoom(name string) *Room {
	r := &Room{
		Name:    name,
		Members: make(map[string]bool),
	}
	if IsDirectRoomName(name) {
		if parts := strings.Split(strings.TrimPrefix(name, DirectRoomSigil), DirectRoomSigil); len(parts) == 2 {
			r.Participants = parts
		}
	}
	return r
}

func (r *Room) IsDirect() bool {
	return IsDirectRoomName(r.Name)
}

// AddMember is idempotent.
func (r *Room) AddMember(username string) {
	if r.Members == nil {
		r.Members = make(map[string]bool)
	}
	r.Members[username] = true
}

func (r *Room) RemoveMember(username string) {
	delete(r.Members, username)
}

func (r *Room) HasMember(username string) bool {
	return r.Members[username]
}

// MemberNames returns the member set in sorted order so that fan-out and
// replay are deterministic.
func (r *Room) MemberNames() []string {
	names := make([]string, 0, len(r.Members))
	for name := range r.Members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Append adds an event to the log. Events are immutable once appended.
func (r *Room) Append(event RoomEvent) {
	r.Events = append(r.Events, event)
}

// Clone returns a deep copy, used when exporting a snapshot while the
// engine keeps mutating the live room.
func (r *Room) Clone() *Room {
	clone := &Room{
		Name:    r.Name,
		Members: make(map[string]bool, len(r.Members)),
		Events:  append([]RoomEvent(nil), r.Events...),
	}
	for name := range r.Members {
		clone.Members[name] = true
	}
	if r.Participants != nil {
		clone.Participants = append([]string(nil), r.Participants...)
	}
	return clone
}

// IsDirectRoomName reports whether name denotes a direct-message room.
func IsDirectRoomName(name string) bool {
	return strings.HasPrefix(name, DirectRoomSigil)
}

// DirectRoomName derives the canonical room name for a private
// conversation between two users. The participants are sorted so both
// sides compute the same name.
func DirectRoomName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return DirectRoomSigil + a + DirectRoomSigil + b
}

// DirectPeer derives the other participant of a direct room from its name
// by stripping the self identity out of the composite. It is only used
// when the room does not exist yet; existing rooms carry Participants.
// Returns false when self does not appear in the name or the remainder is
// empty.
func DirectPeer(name, self string) (string, bool) {
	if !IsDirectRoomName(name) {
		return "", false
	}
	stripped := strings.Replace(name, DirectRoomSigil+self, "", 1)
	if stripped == name {
		return "", false
	}
	peer := strings.TrimPrefix(stripped, DirectRoomSigil)
	if peer == "" || strings.Contains(peer, DirectRoomSigil) {
		return "", false
	}
	return peer, true
}

// Rooms is the room store, keyed by room name.
type Rooms map[string]*Room

// GetOrCreate returns the room with the given name, creating an empty one
// if absent. Lazy creation is part of the store's contract: rooms
// materialize on first join or first direct message.
func (rs Rooms) GetOrCreate(name string) *Room {
	room, ok := rs[name]
	if !ok {
		room = NewRoom(name)
		rs[name] = room
	}
	return room
}
