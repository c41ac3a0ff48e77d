package rooms

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chatmesh/chatmesh/src/common"
)

// EventSaver owns the single commit path of the engine. Every event, local
// or remote, lands through Save or SaveBatch: the event and its state map
// are persisted first, authorization is evaluated against the snapshot,
// and only authorized events advance the snapshot, the user's room ledger
// and the timeline. Everything inside one call commits atomically.
//
// Unauthorized events are still persisted. They stay part of the graph so
// that descendants citing them can be validated, they just never
// contribute to a snapshot.
type EventSaver struct {
	logger             *logrus.Entry
	store              *EventStore
	localUser          UserID
	timelineNotifier   *TimelineNotifier
	membershipNotifier *MembershipNotifier
}

// NewEventSaver creates an EventSaver for the local user.
func NewEventSaver(
	store *EventStore,
	localUser UserID,
	timelineNotifier *TimelineNotifier,
	membershipNotifier *MembershipNotifier,
	logger *logrus.Entry,
) *EventSaver {
	return &EventSaver{
		logger:             logger,
		store:              store,
		localUser:          localUser,
		timelineNotifier:   timelineNotifier,
		membershipNotifier: membershipNotifier,
	}
}

// advanceSnapshot folds a newly authorized event into the snapshot: the
// event replaces its prev_events among the extremities and the state at
// the new frontier is re-resolved.
func advanceSnapshot(roomStore RoomEventStore, snapshot *RoomSnapshot, eventID string, ev *Event) (*RoomSnapshot, error) {
	prev := make(map[string]struct{}, len(ev.PrevEvents))
	for _, id := range ev.PrevEvents {
		prev[id] = struct{}{}
	}
	latest := []string{}
	for _, id := range snapshot.LatestEventIDs {
		if _, ok := prev[id]; !ok {
			latest = append(latest, id)
		}
	}
	latest = addUnique(latest, eventID)

	resolver := NewStateResolver(roomStore)
	states, err := resolver.ResolveState(latest)
	if err != nil {
		return nil, err
	}
	var depth int64
	for _, id := range latest {
		latestEvent, err := roomStore.LoadEvent(id)
		if err != nil {
			return nil, err
		}
		if latestEvent.Depth > depth {
			depth = latestEvent.Depth
		}
	}
	contents, err := loadStateContents(roomStore, states)
	if err != nil {
		return nil, err
	}
	return &RoomSnapshot{
		LatestEventIDs: latest,
		GraphDepth:     depth,
		States:         states,
		StateContents:  contents,
	}, nil
}

// saveOne persists one event inside a session and, if it is authorized
// against the current snapshot, advances and persists the snapshot. It
// returns the advanced snapshot and whether the event was authorized;
// duplicates return authorized=false with a nil error.
func (s *EventSaver) saveOne(
	session *StoreSession,
	snapshot *RoomSnapshot,
	roomID, eventID string,
	ev *Event,
	states StateMap,
) (*RoomSnapshot, bool, error) {
	s.logger.WithFields(logrus.Fields{
		"room_id":  roomID,
		"event_id": eventID,
		"type":     ev.EventType,
	}).Debug("Saving event")

	exists, err := session.HasEvent(roomID, eventID)
	if err != nil {
		return snapshot, false, err
	}
	if exists {
		s.logger.WithField("event_id", eventID).Debug("Event already exists")
		return snapshot, false, nil
	}

	hasRoom, err := session.HasRoom(roomID)
	if err != nil {
		return snapshot, false, err
	}
	if !hasRoom {
		if ev.EventType != EventTypeCreate {
			return snapshot, false, common.NewStoreErr("EventSaver", common.NoCreator, roomID)
		}
		if err := session.SetCreator(roomID, ev.Sender); err != nil {
			return snapshot, false, err
		}
	}
	if err := session.PutEvent(roomID, eventID, ev, states); err != nil {
		return snapshot, false, err
	}

	sender, ok := ParseUserID(ev.Sender)
	if !ok {
		s.logger.WithField("event_id", eventID).Warn("Event sender does not parse")
		return snapshot, false, nil
	}
	authorizer := NewAuthorizer(snapshot.StateContents)
	if !authorizer.Authorize(ev.EventType, ev.StateKey, sender, ev.Content) {
		s.logger.WithFields(logrus.Fields{
			"room_id":  roomID,
			"event_id": eventID,
			"type":     ev.EventType,
		}).Warn("Event not authorized at current state")
		return snapshot, false, nil
	}

	next, err := advanceSnapshot(session.ForRoom(roomID), snapshot, eventID, ev)
	if err != nil {
		return snapshot, false, err
	}
	if err := session.PutSnapshot(roomID, next); err != nil {
		return snapshot, false, err
	}
	return next, true, nil
}

// updateUserRooms folds the local user's membership, as recorded in the
// snapshot, into the room ledger.
func (s *EventSaver) updateUserRooms(session *StoreSession, roomID string, snapshot *RoomSnapshot) error {
	key := RoomStateKey{EventType: EventTypeMember, StateKey: s.localUser.String()}
	content, ok := snapshot.StateContents[key]
	if !ok {
		return nil
	}
	var member MemberContent
	if !decodeStrict(content, &member) {
		return nil
	}
	rooms, err := session.UserRooms()
	if err != nil {
		return err
	}
	switch member.Membership {
	case MembershipJoin:
		rooms.Joined = addUnique(rooms.Joined, roomID)
		rooms.Left = removeString(rooms.Left, roomID)
		delete(rooms.Invites, roomID)
	case MembershipLeave, MembershipBan:
		rooms.Joined = removeString(rooms.Joined, roomID)
		rooms.Left = addUnique(rooms.Left, roomID)
		delete(rooms.Invites, roomID)
		delete(rooms.Knocks, roomID)
	default:
		return nil
	}
	return session.PutUserRooms(rooms)
}

// appendTimeline links new events into the room's timeline chain and
// writes a fresh batch pointing at the new latest event of each room.
func appendTimeline(session *StoreSession, roomID string, eventIDs []string) error {
	currentBatchID, err := session.CurrentBatchID()
	if err != nil {
		return err
	}
	latestByRoom, err := session.BatchLatestEventIDs(currentBatchID)
	if err != nil {
		return err
	}
	for _, eventID := range eventIDs {
		previousEventID := latestByRoom[roomID]
		if previousEventID != "" {
			rec, err := session.TimelineRecord(roomID, previousEventID)
			if err != nil {
				return err
			}
			rec.NextEventID = eventID
			if err := session.PutTimelineRecord(roomID, previousEventID, rec); err != nil {
				return err
			}
		}
		rec := &TimelineRecord{PreviousEventID: previousEventID}
		if err := session.PutTimelineRecord(roomID, eventID, rec); err != nil {
			return err
		}
		latestByRoom[roomID] = eventID
	}
	return session.PutBatch(uuid.NewString(), latestByRoom)
}

// joinedMembers lists the peers joined to the room in the given snapshot.
func joinedMembers(snapshot *RoomSnapshot) []string {
	var members []string
	for key, content := range snapshot.StateContents {
		if key.EventType != EventTypeMember {
			continue
		}
		var member MemberContent
		if !decodeStrict(content, &member) {
			continue
		}
		if member.Membership != MembershipJoin {
			continue
		}
		if user, ok := ParseUserID(key.StateKey); ok {
			members = append(members, user.PeerID)
		}
	}
	return members
}

// Save persists a single event. Saving an already-stored event is a no-op.
func (s *EventSaver) Save(roomID, eventID string, ev *Event, states StateMap) error {
	return s.SaveBatch(roomID, []string{eventID}, map[string]*Event{eventID: ev}, map[string]StateMap{eventID: states})
}

// SaveBatch persists an ordered batch of events for one room in a single
// atomic commit. Events must arrive ancestors first; each is authorized
// against the snapshot as advanced by the ones before it.
func (s *EventSaver) SaveBatch(roomID string, eventIDs []string, events map[string]*Event, states map[string]StateMap) error {
	var snapshot *RoomSnapshot
	var newEventIDs []string
	sawMember := false

	err := s.store.Update(func(session *StoreSession) error {
		var err error
		snapshot, err = session.Snapshot(roomID)
		if err != nil {
			return err
		}
		for _, eventID := range eventIDs {
			ev := events[eventID]
			next, authorized, err := s.saveOne(session, snapshot, roomID, eventID, ev, states[eventID])
			if err != nil {
				return err
			}
			snapshot = next
			if authorized {
				newEventIDs = append(newEventIDs, eventID)
				if ev.EventType == EventTypeMember {
					sawMember = true
				}
			}
		}
		if len(newEventIDs) == 0 {
			return nil
		}
		if err := s.updateUserRooms(session, roomID, snapshot); err != nil {
			return err
		}
		return appendTimeline(session, roomID, newEventIDs)
	})
	if err != nil {
		return err
	}
	if len(newEventIDs) == 0 {
		return nil
	}
	s.timelineNotifier.Notify()
	if sawMember {
		s.membershipNotifier.Notify(MembershipUpdate{
			RoomID:  roomID,
			Members: joinedMembers(snapshot),
		})
	}
	return nil
}

// newBatch rotates the timeline batch so sync consumers see a change even
// when no room event was appended.
func newBatch(session *StoreSession) error {
	currentBatchID, err := session.CurrentBatchID()
	if err != nil {
		return err
	}
	latestByRoom, err := session.BatchLatestEventIDs(currentBatchID)
	if err != nil {
		return err
	}
	return session.PutBatch(uuid.NewString(), latestByRoom)
}

// SaveInvite records an out-of-room invite with its stripped state.
func (s *EventSaver) SaveInvite(roomID string, states []StrippedStateEvent) error {
	err := s.store.Update(func(session *StoreSession) error {
		rooms, err := session.UserRooms()
		if err != nil {
			return err
		}
		if states == nil {
			states = []StrippedStateEvent{}
		}
		rooms.Invites[roomID] = states
		if err := session.PutUserRooms(rooms); err != nil {
			return err
		}
		return newBatch(session)
	})
	if err != nil {
		return err
	}
	s.timelineNotifier.Notify()
	return nil
}

// RejectInvite flips the local user's stripped membership in a pending
// invite to leave.
func (s *EventSaver) RejectInvite(roomID string) error {
	found := false
	err := s.store.Update(func(session *StoreSession) error {
		rooms, err := session.UserRooms()
		if err != nil {
			return err
		}
		states, ok := rooms.Invites[roomID]
		if ok {
			rooms.Invites[roomID] = replaceOwnMembership(states, s.localUser, &found, s.logger)
			if err := session.PutUserRooms(rooms); err != nil {
				return err
			}
		}
		if !found {
			return nil
		}
		return newBatch(session)
	})
	if err != nil {
		return err
	}
	if !found {
		s.logger.WithField("room_id", roomID).Warn("Invite not found")
		return nil
	}
	s.timelineNotifier.Notify()
	return nil
}

// SaveKnock records a pending knock with its stripped state.
func (s *EventSaver) SaveKnock(roomID string, states []StrippedStateEvent) error {
	err := s.store.Update(func(session *StoreSession) error {
		rooms, err := session.UserRooms()
		if err != nil {
			return err
		}
		if states == nil {
			states = []StrippedStateEvent{}
		}
		rooms.Knocks[roomID] = states
		if err := session.PutUserRooms(rooms); err != nil {
			return err
		}
		return newBatch(session)
	})
	if err != nil {
		return err
	}
	s.timelineNotifier.Notify()
	return nil
}

// RetractKnock flips the local user's stripped membership in a pending
// knock to leave.
func (s *EventSaver) RetractKnock(roomID string) error {
	found := false
	err := s.store.Update(func(session *StoreSession) error {
		rooms, err := session.UserRooms()
		if err != nil {
			return err
		}
		states, ok := rooms.Knocks[roomID]
		if ok {
			rooms.Knocks[roomID] = replaceOwnMembership(states, s.localUser, &found, s.logger)
			if err := session.PutUserRooms(rooms); err != nil {
				return err
			}
		}
		if !found {
			return nil
		}
		return newBatch(session)
	})
	if err != nil {
		return err
	}
	if !found {
		s.logger.WithField("room_id", roomID).Warn("Knock not found")
		return nil
	}
	s.timelineNotifier.Notify()
	return nil
}

// Forget drops a left room from the ledger.
func (s *EventSaver) Forget(roomID string) error {
	found := false
	err := s.store.Update(func(session *StoreSession) error {
		rooms, err := session.UserRooms()
		if err != nil {
			return err
		}
		for _, id := range rooms.Left {
			if id == roomID {
				found = true
			}
		}
		if !found {
			return nil
		}
		rooms.Left = removeString(rooms.Left, roomID)
		if err := session.PutUserRooms(rooms); err != nil {
			return err
		}
		return newBatch(session)
	})
	if err != nil {
		return err
	}
	if !found {
		s.logger.WithField("room_id", roomID).Warn("Room not found in left rooms")
		return nil
	}
	s.timelineNotifier.Notify()
	return nil
}

// replaceOwnMembership rewrites the local user's stripped membership to
// leave, keeping every other entry.
func replaceOwnMembership(states []StrippedStateEvent, localUser UserID, found *bool, logger *logrus.Entry) []StrippedStateEvent {
	userID := localUser.String()
	result := make([]StrippedStateEvent, 0, len(states))
	for _, state := range states {
		if state.EventType == EventTypeMember && state.StateKey == userID {
			if *found {
				logger.Warn("Multiple member events encountered")
				continue
			}
			*found = true
			result = append(result, StrippedStateEvent{
				Content:   mustMarshalJSON(&MemberContent{Membership: MembershipLeave}),
				Sender:    userID,
				StateKey:  userID,
				EventType: EventTypeMember,
			})
		} else {
			result = append(result, state)
		}
	}
	return result
}
