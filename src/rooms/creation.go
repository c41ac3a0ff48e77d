package rooms

import (
	"encoding/json"

	"github.com/chatmesh/chatmesh/src/common"
	"github.com/chatmesh/chatmesh/src/peers"
)

// AuthorizationEventIDs selects, from the current resolved state, the ids a
// new event must cite as its auth_events: the creation event, the power
// levels event, the sender's membership, and for membership changes the
// target's membership and the join rules.
func AuthorizationEventIDs(states StateMap, eventType string, stateKey *string, sender UserID, content json.RawMessage) []string {
	if eventType == EventTypeCreate {
		return []string{}
	}
	var ids []string
	add := func(key RoomStateKey) {
		if id, ok := states[key]; ok {
			ids = append(ids, id)
		}
	}
	add(RoomStateKey{EventType: EventTypeCreate, StateKey: ""})
	add(RoomStateKey{EventType: EventTypePowerLevels, StateKey: ""})
	add(RoomStateKey{EventType: EventTypeMember, StateKey: sender.String()})
	if eventType == EventTypeMember && stateKey != nil {
		if *stateKey != sender.String() {
			add(RoomStateKey{EventType: EventTypeMember, StateKey: *stateKey})
		}
		var member MemberContent
		if decodeStrict(content, &member) {
			switch member.Membership {
			case MembershipJoin, MembershipInvite, MembershipKnock:
				add(RoomStateKey{EventType: EventTypeJoinRules, StateKey: ""})
			}
		}
	}
	return ids
}

// NewEvent hashes and signs a new event on top of a room snapshot and
// returns it together with the advanced snapshot. The returned snapshot is
// provisional: it lets a caller chain several events before any of them are
// persisted, as when creating a room. The event is not authorized here;
// authorization happens on the save path.
func NewEvent(
	snapshot *RoomSnapshot,
	identity *peers.LocalIdentity,
	roomID string,
	eventType string,
	stateKey *string,
	sender UserID,
	content json.RawMessage,
	timestamp int64,
	redacts string,
	unsigned json.RawMessage,
) (*Event, *RoomSnapshot, error) {
	if eventType != EventTypeCreate && snapshot.IsEmpty() {
		return nil, nil, common.NewStoreErr("RoomSnapshot", common.NoRoom, roomID)
	}
	prevEvents := snapshot.LatestEventIDs
	if prevEvents == nil {
		prevEvents = []string{}
	}
	ev := &Event{
		AuthEvents:     AuthorizationEventIDs(snapshot.States, eventType, stateKey, sender, content),
		Content:        content,
		Depth:          snapshot.GraphDepth + 1,
		Origin:         identity.ID,
		OriginServerTS: timestamp,
		PrevEvents:     prevEvents,
		Redacts:        redacts,
		RoomID:         roomID,
		Sender:         sender.String(),
		ServerKeys:     identity.ServerKeys(),
		StateKey:       stateKey,
		EventType:      eventType,
		Unsigned:       unsigned,
	}
	if ev.AuthEvents == nil {
		ev.AuthEvents = []string{}
	}
	if err := UpdateHash(ev); err != nil {
		return nil, nil, err
	}
	if err := SignEvent(ev, identity); err != nil {
		return nil, nil, err
	}
	eventID := MustEventID(ev)

	next := &RoomSnapshot{
		LatestEventIDs: []string{eventID},
		GraphDepth:     ev.Depth,
		States:         snapshot.States,
		StateContents:  snapshot.StateContents,
	}
	if key, ok := ev.RoomStateKey(); ok {
		next.States = snapshot.States.Copy()
		next.States[key] = eventID
		next.StateContents = snapshot.StateContents.Copy()
		next.StateContents[key] = ev.Content
	}
	return ev, next, nil
}
