package rooms

// RoomSnapshot is the resolved head of a room as one peer sees it: the
// graph extremities, the depth of the deepest extremity, and the resolved
// state at that frontier in both id and content form.
type RoomSnapshot struct {
	LatestEventIDs []string
	GraphDepth     int64
	States         StateMap
	StateContents  StateContents
}

// NewRoomSnapshot returns the empty snapshot of a room with no events.
func NewRoomSnapshot() *RoomSnapshot {
	return &RoomSnapshot{
		States:        make(StateMap),
		StateContents: make(StateContents),
	}
}

// IsEmpty reports whether the snapshot describes a room with no events yet.
func (s *RoomSnapshot) IsEmpty() bool {
	return len(s.LatestEventIDs) == 0
}
