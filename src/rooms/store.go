package rooms

import "github.com/chatmesh/chatmesh/src/common"

// RoomEventStore is the read view of one room's persisted event graph. The
// state resolver, the receiver and the backfiller all work against this
// interface so they can run over the durable store, a write session or an
// overlay holding not-yet-persisted events.
type RoomEventStore interface {
	// Creator returns the sender of the room's creation event.
	Creator() (string, error)

	// HasEvent reports whether the event is present in the room graph.
	HasEvent(eventID string) (bool, error)

	// LoadEvent returns the event with the given id. Missing events are a
	// KeyNotFound store error.
	LoadEvent(eventID string) (*Event, error)

	// LoadStates returns the resolved state after the given event was
	// applied, as recorded when the event was stored.
	LoadStates(eventID string) (StateMap, error)

	// MissingEventIDs filters the given ids down to those not present in
	// the room graph, preserving order.
	MissingEventIDs(eventIDs []string) ([]string, error)
}

// TryLoadEvent loads an event, mapping KeyNotFound to a false flag.
func TryLoadEvent(store RoomEventStore, eventID string) (*Event, bool, error) {
	ev, err := store.LoadEvent(eventID)
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return ev, true, nil
}

// LoadSnapshot reconstructs the snapshot rooted at a single event: that
// event as sole extremity, with the state recorded for it.
func LoadSnapshot(store RoomEventStore, eventID string) (*RoomSnapshot, error) {
	ev, err := store.LoadEvent(eventID)
	if err != nil {
		return nil, err
	}
	states, err := store.LoadStates(eventID)
	if err != nil {
		return nil, err
	}
	contents, err := loadStateContents(store, states)
	if err != nil {
		return nil, err
	}
	return &RoomSnapshot{
		LatestEventIDs: []string{eventID},
		GraphDepth:     ev.Depth,
		States:         states,
		StateContents:  contents,
	}, nil
}

// loadStateContents dereferences a state map into the contents of its
// defining events.
func loadStateContents(store RoomEventStore, states StateMap) (StateContents, error) {
	contents := make(StateContents, len(states))
	for key, eventID := range states {
		ev, err := store.LoadEvent(eventID)
		if err != nil {
			return nil, err
		}
		contents[key] = ev.Content
	}
	return contents, nil
}
