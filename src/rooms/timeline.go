package rooms

// TimelineIterator walks the timeline chain of one room. It starts at the
// room's latest timeline event and moves along the previous/next links the
// saver maintains.
type TimelineIterator struct {
	store   *EventStore
	roomID  string
	eventID string
}

// NewTimelineIterator positions an iterator at the room's latest timeline
// event. It returns nil when the room has no timeline yet.
func NewTimelineIterator(store *EventStore, roomID string) (*TimelineIterator, error) {
	batchID, err := store.CurrentBatchID()
	if err != nil {
		return nil, err
	}
	latest, err := store.BatchLatestEventIDs(batchID)
	if err != nil {
		return nil, err
	}
	eventID, ok := latest[roomID]
	if !ok {
		return nil, nil
	}
	return &TimelineIterator{store: store, roomID: roomID, eventID: eventID}, nil
}

// EventID returns the id of the timeline event the iterator is on.
func (it *TimelineIterator) EventID() string {
	return it.eventID
}

// Event loads the event the iterator is on.
func (it *TimelineIterator) Event() (*Event, error) {
	return it.store.LoadEvent(it.roomID, it.eventID)
}

// MoveBackward steps to the previous timeline event, returning false at
// the start of the chain.
func (it *TimelineIterator) MoveBackward() (bool, error) {
	rec, err := it.store.TimelineRecord(it.roomID, it.eventID)
	if err != nil {
		return false, err
	}
	if rec.PreviousEventID == "" {
		return false, nil
	}
	it.eventID = rec.PreviousEventID
	return true, nil
}

// MoveForward steps to the next timeline event, returning false at the end
// of the chain.
func (it *TimelineIterator) MoveForward() (bool, error) {
	rec, err := it.store.TimelineRecord(it.roomID, it.eventID)
	if err != nil {
		return false, err
	}
	if rec.NextEventID == "" {
		return false, nil
	}
	it.eventID = rec.NextEventID
	return true, nil
}

// LatestTimelineEvents returns up to limit timeline events of a room,
// newest first.
func LatestTimelineEvents(store *EventStore, roomID string, limit int) ([]*Event, error) {
	it, err := NewTimelineIterator(store, roomID)
	if err != nil || it == nil {
		return nil, err
	}
	var events []*Event
	for len(events) < limit {
		ev, err := it.Event()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		moved, err := it.MoveBackward()
		if err != nil {
			return nil, err
		}
		if !moved {
			break
		}
	}
	return events, nil
}
