package domain

// Membership is the per-room metadata a user keeps for a joined room.
type Membership struct {
	// LastRead is a unix-millisecond read marker maintained by the
	// user's clients.
	LastRead int64 `json:"lastRead"`
}

// UserRecord is the persistent state of a username. Records are created
// lazily on first login and never deleted.
type UserRecord struct {
	JoinedRooms map[string]Membership `json:"joinedRooms"`
}

func NewUserRecord() *UserRecord {
	return &UserRecord{JoinedRooms: make(map[string]Membership)}
}

func (u *UserRecord) Clone() *UserRecord {
	clone := &UserRecord{JoinedRooms: make(map[string]Membership, len(u.JoinedRooms))}
	for room, m := range u.JoinedRooms {
		clone.JoinedRooms[room] = m
	}
	return clone
}

// Users is the user directory, keyed by username.
type Users map[string]*UserRecord

// GetOrCreate returns the record for username, creating an empty one on
// first login.
func (us Users) GetOrCreate(username string) *UserRecord {
	user, ok := us[username]
	if !ok {
		user = NewUserRecord()
		us[username] = user
	}
	return user
}
