package rooms

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/chatmesh/chatmesh/src/peers"
)

// Receiver errors recorded per event. ReceiveEvents never fails a whole
// batch because of one bad event; each event gets its own verdict.
var (
	ErrBadSender     = errors.New("sender does not match origin")
	ErrBadSignature  = errors.New("signature verification failed")
	ErrBadHash       = errors.New("hash verification failed")
	ErrNotResolved   = errors.New("ancestors not available")
	ErrEventRejected = errors.New("rejected")
)

// Receiver ingests batches of remote events for one room. Events are
// validated (sender, signature, hash), topologically sorted so ancestors
// land first, re-authorized at both their claimed and their actual graph
// position, and handed to the saver in one batch.
type Receiver struct {
	roomID    string
	peerStore *peers.PeerStore
	roomStore RoomEventStore
	saver     *EventSaver
	logger    *logrus.Entry
}

// NewReceiver creates a Receiver for one room.
func NewReceiver(roomID string, peerStore *peers.PeerStore, roomStore RoomEventStore, saver *EventSaver, logger *logrus.Entry) *Receiver {
	return &Receiver{
		roomID:    roomID,
		peerStore: peerStore,
		roomStore: roomStore,
		saver:     saver,
		logger:    logger,
	}
}

// ValidateSender checks that the event's sender belongs to the peer that
// claims to have originated it.
func ValidateSender(ev *Event) bool {
	sender, ok := ParseUserID(ev.Sender)
	if !ok {
		return false
	}
	return sender.PeerID == ev.Origin
}

func (r *Receiver) verifySignature(ev *Event) bool {
	peer, ok := r.peerStore.Get(ev.Origin)
	if !ok {
		return false
	}
	return VerifyEventSignature(ev, peer)
}

// ReceiveEvents validates, orders, authorizes and saves a batch of remote
// events. The result maps each event id to nil on acceptance or the reason
// it was dropped. Events for other rooms and events without a usable id
// are ignored entirely.
func (r *Receiver) ReceiveEvents(evs []*Event) (map[string]error, error) {
	verdicts := make(map[string]error)
	events := make(map[string]*Event)

	for _, ev := range evs {
		if ev.RoomID != r.roomID {
			continue
		}
		eventID, ok := EventID(ev)
		if !ok {
			continue
		}
		if !ValidateSender(ev) {
			verdicts[eventID] = ErrBadSender
			continue
		}
		if !r.verifySignature(ev) {
			verdicts[eventID] = ErrBadSignature
			continue
		}
		if !VerifyHash(ev) {
			verdicts[eventID] = ErrBadHash
			continue
		}
		verdicts[eventID] = nil
		events[eventID] = ev
	}

	// Partial graph over the batch: edges from each event to the batch
	// members among its ancestors.
	children := make(map[string]map[string]struct{}, len(events))
	parentCounts := make(map[string]int, len(events))
	for eventID := range events {
		children[eventID] = make(map[string]struct{})
		parentCounts[eventID] = 0
	}
	for eventID, ev := range events {
		for _, ancestorID := range ev.Ancestors() {
			if _, ok := children[ancestorID]; ok {
				children[ancestorID][eventID] = struct{}{}
				parentCounts[eventID]++
			}
		}
	}

	// Ancestors outside the batch must already be stored; events depending
	// on unknown ancestors stay unresolved, as do their descendants.
	var outside []string
	seenOutside := make(map[string]struct{})
	for _, ev := range events {
		for _, ancestorID := range ev.Ancestors() {
			if _, ok := events[ancestorID]; ok {
				continue
			}
			if _, ok := seenOutside[ancestorID]; ok {
				continue
			}
			seenOutside[ancestorID] = struct{}{}
			outside = append(outside, ancestorID)
		}
	}
	missingList, err := r.roomStore.MissingEventIDs(outside)
	if err != nil {
		return nil, err
	}
	missing := make(map[string]struct{}, len(missingList))
	for _, id := range missingList {
		missing[id] = struct{}{}
	}

	var sorted []string
	frontier := make([]string, 0, len(events))
	for eventID, count := range parentCounts {
		if count == 0 {
			frontier = append(frontier, eventID)
		}
	}
	for len(frontier) > 0 {
		var next []string
		for _, eventID := range frontier {
			ev := events[eventID]
			unresolved := false
			for _, ancestorID := range ev.Ancestors() {
				if _, ok := missing[ancestorID]; ok {
					unresolved = true
					break
				}
			}
			if unresolved {
				continue
			}
			for childID := range children[eventID] {
				parentCounts[childID]--
				if parentCounts[childID] == 0 {
					next = append(next, childID)
				}
			}
			sorted = append(sorted, eventID)
		}
		frontier = next
	}
	sortedSet := make(map[string]struct{}, len(sorted))
	for _, id := range sorted {
		sortedSet[id] = struct{}{}
	}
	for eventID := range events {
		if _, ok := sortedSet[eventID]; !ok {
			verdicts[eventID] = ErrNotResolved
		}
	}

	// Authorize in order, staging accepted events so later ones resolve
	// state through them.
	builder := NewRoomEventStoreBuilder(r.roomStore)
	resolver := NewStateResolver(builder)
	rejected := make(map[string]struct{})
	var accepted []string
	for _, eventID := range sorted {
		ev := events[eventID]
		newStates, ok, err := r.authorize(resolver, rejected, eventID, ev)
		if err != nil {
			return nil, err
		}
		if !ok {
			rejected[eventID] = struct{}{}
			verdicts[eventID] = ErrEventRejected
			continue
		}
		builder.AddEvent(eventID, ev, newStates)
		accepted = append(accepted, eventID)
	}

	if err := r.saver.SaveBatch(r.roomID, accepted, builder.NewEvents(), builder.NewStates()); err != nil {
		return nil, err
	}
	return verdicts, nil
}

// authorize checks one event at both graph positions it claims: the state
// its auth_events resolve to, and the state its prev_events resolve to. At
// both, the cited auth_events must be exactly the ones the current state
// selects, and the authorization rules must pass.
func (r *Receiver) authorize(resolver *StateResolver, rejected map[string]struct{}, eventID string, ev *Event) (StateMap, bool, error) {
	for _, ancestorID := range ev.Ancestors() {
		if _, ok := rejected[ancestorID]; ok {
			return nil, false, nil
		}
	}
	if hasDuplicates(ev.AuthEvents) || hasDuplicates(ev.PrevEvents) {
		return nil, false, nil
	}
	sender, ok := ParseUserID(ev.Sender)
	if !ok {
		return nil, false, nil
	}

	// The creation event is its own root: no ancestors, authorized against
	// the empty state.
	if ev.EventType == EventTypeCreate && len(ev.AuthEvents) == 0 && len(ev.PrevEvents) == 0 {
		if !NewAuthorizer(StateContents{}).Authorize(ev.EventType, ev.StateKey, sender, ev.Content) {
			return nil, false, nil
		}
		key, _ := ev.RoomStateKey()
		return StateMap{key: eventID}, true, nil
	}
	if len(ev.AuthEvents) == 0 || len(ev.PrevEvents) == 0 {
		return nil, false, nil
	}

	ok, _, err := r.authorizeAt(resolver, ev.AuthEvents, ev)
	if err != nil || !ok {
		return nil, false, err
	}
	ok, statesBefore, err := r.authorizeAt(resolver, ev.PrevEvents, ev)
	if err != nil || !ok {
		return nil, false, err
	}
	newStates := statesBefore
	if key, isState := ev.RoomStateKey(); isState {
		newStates = statesBefore.Copy()
		newStates[key] = eventID
	}
	return newStates, true, nil
}

// authorizeAt resolves state at the given extremities and checks the event
// against it: cited auth_events must match the expected selection, and the
// rules must allow the event.
func (r *Receiver) authorizeAt(resolver *StateResolver, extremities []string, ev *Event) (bool, StateMap, error) {
	states, err := resolver.ResolveState(extremities)
	if err != nil {
		return false, nil, err
	}
	sender, _ := ParseUserID(ev.Sender)
	expected := AuthorizationEventIDs(states, ev.EventType, ev.StateKey, sender, ev.Content)
	if !sameSet(expected, ev.AuthEvents) {
		return false, nil, nil
	}
	contents, err := loadStateContents(resolver.store, states)
	if err != nil {
		return false, nil, err
	}
	if !NewAuthorizer(contents).Authorize(ev.EventType, ev.StateKey, sender, ev.Content) {
		return false, nil, nil
	}
	return true, states, nil
}

func hasDuplicates(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}

func sameSet(a, b []string) bool {
	setA := make(map[string]struct{}, len(a))
	for _, id := range a {
		setA[id] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, id := range b {
		setB[id] = struct{}{}
	}
	if len(setA) != len(setB) {
		return false
	}
	for id := range setA {
		if _, ok := setB[id]; !ok {
			return false
		}
	}
	return true
}
