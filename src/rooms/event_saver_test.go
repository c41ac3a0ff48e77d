package rooms

import (
	"testing"
)

func TestSaveIsIdempotent(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	room := newTestRoom(t, alice)
	room.bootstrap(t, alice)

	notifier := room.saver.timelineNotifier.Subscribe()
	drain(notifier)

	eventID, ev := room.addEvent(t, alice, EventTypeName, StringPtr(""), map[string]string{"name": "general"})
	select {
	case <-notifier:
	default:
		t.Fatal("no timeline notification after save")
	}

	before, err := room.store.Snapshot(room.roomID)
	if err != nil {
		t.Fatal(err)
	}
	if err := room.saver.Save(room.roomID, eventID, ev, room.snapshot.States); err != nil {
		t.Fatal(err)
	}
	after, err := room.store.Snapshot(room.roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(before.LatestEventIDs) != len(after.LatestEventIDs) || before.GraphDepth != after.GraphDepth {
		t.Fatal("duplicate save changed the snapshot")
	}
	select {
	case <-notifier:
		t.Fatal("duplicate save produced a timeline notification")
	default:
	}
}

func TestSaveRequiresCreationFirst(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	room := newTestRoom(t, alice)

	ev := &Event{
		AuthEvents:     []string{},
		Content:        mustContents(t, &MemberContent{Membership: MembershipJoin}),
		Depth:          1,
		Origin:         alice.identity.ID,
		OriginServerTS: 1,
		PrevEvents:     []string{},
		RoomID:         room.roomID,
		Sender:         alice.user.String(),
		StateKey:       StringPtr(alice.user.String()),
		EventType:      EventTypeMember,
	}
	if err := UpdateHash(ev); err != nil {
		t.Fatal(err)
	}
	err := room.saver.Save(room.roomID, MustEventID(ev), ev, StateMap{})
	if err == nil {
		t.Fatal("saving a non-creation event into an empty room succeeded")
	}
	if ok, _ := room.store.HasRoom(room.roomID); ok {
		t.Fatal("failed save left the room behind")
	}
}

func TestUnauthorizedEventPersistedWithoutEffect(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	mallory := newTestIdentity(t, "mallory")
	room := newTestRoom(t, alice)
	room.bootstrap(t, alice)

	before, err := room.store.Snapshot(room.roomID)
	if err != nil {
		t.Fatal(err)
	}
	// Mallory never joined, so her name update is unauthorized.
	ev := room.makeEvent(t, mallory, EventTypeName, StringPtr(""), map[string]string{"name": "pwned"})
	eventID := MustEventID(ev)
	if err := room.saver.Save(room.roomID, eventID, ev, room.snapshot.States); err != nil {
		t.Fatal(err)
	}

	stored, err := room.store.HasEvent(room.roomID, eventID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored {
		t.Fatal("unauthorized event was not persisted")
	}
	after, err := room.store.Snapshot(room.roomID)
	if err != nil {
		t.Fatal(err)
	}
	if !equalStringSets(before.LatestEventIDs, after.LatestEventIDs) {
		t.Fatal("unauthorized event advanced the snapshot")
	}
}

func TestSaveUpdatesUserRoomsAndNotifiesMembership(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	room := newTestRoom(t, alice)
	updates := room.saver.membershipNotifier.Subscribe()
	room.bootstrap(t, alice)

	rooms, err := room.store.UserRooms()
	if err != nil {
		t.Fatal(err)
	}
	if !rooms.IsJoined(room.roomID) {
		t.Fatal("room not recorded as joined after creator join")
	}
	select {
	case update := <-updates:
		if update.RoomID != room.roomID || len(update.Members) != 1 || update.Members[0] != alice.identity.ID {
			t.Fatalf("unexpected membership update: %+v", update)
		}
	default:
		t.Fatal("no membership update after join")
	}

	room.addEvent(t, alice, EventTypeMember, StringPtr(alice.user.String()), &MemberContent{Membership: MembershipLeave})
	rooms, err = room.store.UserRooms()
	if err != nil {
		t.Fatal(err)
	}
	if rooms.IsJoined(room.roomID) {
		t.Fatal("room still joined after leave")
	}
	if len(rooms.Left) != 1 || rooms.Left[0] != room.roomID {
		t.Fatal("room not recorded as left")
	}

	if err := room.saver.Forget(room.roomID); err != nil {
		t.Fatal(err)
	}
	rooms, err = room.store.UserRooms()
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms.Left) != 0 {
		t.Fatal("room not forgotten")
	}
}

func TestSaveAppendsTimeline(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	room := newTestRoom(t, alice)
	room.bootstrap(t, alice)

	first, _ := room.addEvent(t, alice, EventTypeMessage, nil, map[string]string{"body": "one"})
	second, _ := room.addEvent(t, alice, EventTypeMessage, nil, map[string]string{"body": "two"})

	events, err := LatestTimelineEvents(room.store, room.roomID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 timeline events, got %d", len(events))
	}
	if MustEventID(events[0]) != second || MustEventID(events[1]) != first {
		t.Fatal("timeline order wrong")
	}

	it, err := NewTimelineIterator(room.store, room.roomID)
	if err != nil {
		t.Fatal(err)
	}
	if it.EventID() != second {
		t.Fatal("iterator not positioned at latest event")
	}
	moved, err := it.MoveBackward()
	if err != nil || !moved {
		t.Fatal("could not move backward")
	}
	moved, err = it.MoveForward()
	if err != nil || !moved {
		t.Fatal("could not move forward")
	}
	if it.EventID() != second {
		t.Fatal("forward link broken")
	}
}

func TestInviteAndKnockFlows(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	room := newTestRoom(t, alice)

	invite := []StrippedStateEvent{
		{
			Content:   mustContents(t, &MemberContent{Membership: MembershipInvite}),
			Sender:    "@bob:peer-b",
			StateKey:  alice.user.String(),
			EventType: EventTypeMember,
		},
	}
	if err := room.saver.SaveInvite("!other:peer-b", invite); err != nil {
		t.Fatal(err)
	}
	rooms, err := room.store.UserRooms()
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms.Invites["!other:peer-b"]) != 1 {
		t.Fatal("invite not recorded")
	}

	if err := room.saver.RejectInvite("!other:peer-b"); err != nil {
		t.Fatal(err)
	}
	rooms, err = room.store.UserRooms()
	if err != nil {
		t.Fatal(err)
	}
	var member MemberContent
	states := rooms.Invites["!other:peer-b"]
	if len(states) != 1 || !decodeStrict(states[0].Content, &member) || member.Membership != MembershipLeave {
		t.Fatal("rejected invite not flipped to leave")
	}

	if err := room.saver.SaveKnock("!knock:peer-c", nil); err != nil {
		t.Fatal(err)
	}
	rooms, err = room.store.UserRooms()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := rooms.Knocks["!knock:peer-c"]; !ok {
		t.Fatal("knock not recorded")
	}
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func equalStringSets(a, b []string) bool {
	return sameSet(a, b)
}
