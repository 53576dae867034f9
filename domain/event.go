package domain

// EventType tags the variant of a RoomEvent.
type EventType string

const (
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
	EventMessage EventType = "message"
)

// RoomEvent is an immutable record of something that happened in a room.
// IDs come from a single process-wide sequence, so ordering is globally
// comparable across rooms, not just within one log.
type RoomEvent struct {
	ID      int64     `json:"id"`
	TS      int64     `json:"ts"`
	Type    EventType `json:"type"`
	Sender  string    `json:"sender"`
	Message string    `json:"message,omitempty"`
}

// LoggedEvent pairs an appended event with the room it belongs to, for
// consumers outside the dispatch path (sinks, indexes).
type LoggedEvent struct {
	Room  string
	Event RoomEvent
}
