package domain

// Snapshot is the serializable state of the whole engine. The storage
// collaborator owns versioning and file layout; the engine only exports
// and imports this value.
type Snapshot struct {
	Rooms Rooms `json:"rooms"`
	Users Users `json:"users"`
}

func NewSnapshot() Snapshot {
	return Snapshot{
		Rooms: make(Rooms),
		Users: make(Users),
	}
}

// NextEventID returns the smallest event id that is safe to assign after
// restoring this snapshot: one past the largest id in any room's log.
func (s Snapshot) NextEventID() int64 {
	var next int64
	for _, room := range s.Rooms {
		for _, event := range room.Events {
			if event.ID >= next {
				next = event.ID + 1
			}
		}
	}
	return next
}
