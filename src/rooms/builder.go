package rooms

// RoomEventStoreBuilder overlays not-yet-persisted events on top of a base
// RoomEventStore. The receiver stages a whole batch in a builder so that
// later events in the batch can resolve state through earlier ones before
// anything is committed.
type RoomEventStoreBuilder struct {
	base      RoomEventStore
	newEvents map[string]*Event
	newStates map[string]StateMap
}

// NewRoomEventStoreBuilder wraps a base store with an empty overlay.
func NewRoomEventStoreBuilder(base RoomEventStore) *RoomEventStoreBuilder {
	return &RoomEventStoreBuilder{
		base:      base,
		newEvents: make(map[string]*Event),
		newStates: make(map[string]StateMap),
	}
}

// AddEvent stages an event and the state resolved after it.
func (b *RoomEventStoreBuilder) AddEvent(eventID string, ev *Event, states StateMap) {
	b.newEvents[eventID] = ev
	b.newStates[eventID] = states
}

// NewEvents returns the staged events.
func (b *RoomEventStoreBuilder) NewEvents() map[string]*Event {
	return b.newEvents
}

// NewStates returns the staged per-event states.
func (b *RoomEventStoreBuilder) NewStates() map[string]StateMap {
	return b.newStates
}

// Creator implements RoomEventStore.
func (b *RoomEventStoreBuilder) Creator() (string, error) {
	creator, err := b.base.Creator()
	if err == nil {
		return creator, nil
	}
	for _, ev := range b.newEvents {
		if ev.EventType == EventTypeCreate {
			return ev.Sender, nil
		}
	}
	return "", err
}

// HasEvent implements RoomEventStore.
func (b *RoomEventStoreBuilder) HasEvent(eventID string) (bool, error) {
	if _, ok := b.newEvents[eventID]; ok {
		return true, nil
	}
	return b.base.HasEvent(eventID)
}

// LoadEvent implements RoomEventStore.
func (b *RoomEventStoreBuilder) LoadEvent(eventID string) (*Event, error) {
	if ev, ok := b.newEvents[eventID]; ok {
		return ev, nil
	}
	return b.base.LoadEvent(eventID)
}

// LoadStates implements RoomEventStore.
func (b *RoomEventStoreBuilder) LoadStates(eventID string) (StateMap, error) {
	if states, ok := b.newStates[eventID]; ok {
		return states, nil
	}
	return b.base.LoadStates(eventID)
}

// MissingEventIDs implements RoomEventStore.
func (b *RoomEventStoreBuilder) MissingEventIDs(eventIDs []string) ([]string, error) {
	var unknown []string
	for _, id := range eventIDs {
		if _, ok := b.newEvents[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return b.base.MissingEventIDs(unknown)
}
