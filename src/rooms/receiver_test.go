package rooms

import (
	"reflect"
	"testing"

	"github.com/chatmesh/chatmesh/src/common"
	"github.com/chatmesh/chatmesh/src/storage"
)

// buildSourceRoom makes a room on one node with events from two users and
// returns the room plus the events in creation order.
func buildSourceRoom(t *testing.T) (*testRoom, *testIdentity, *testIdentity, []*Event) {
	t.Helper()
	alice := newTestIdentity(t, "alice")
	bob := newTestIdentity(t, "bob")
	room := newTestRoom(t, alice)
	room.peerStore.Put(bob.identity.AsPeer())

	var events []*Event
	record := func(id string, ev *Event) {
		events = append(events, ev)
	}
	record(room.addEvent(t, alice, EventTypeCreate, StringPtr(""), &CreateContent{Creator: alice.user.String()}))
	record(room.addEvent(t, alice, EventTypeMember, StringPtr(alice.user.String()), &MemberContent{Membership: MembershipJoin}))
	record(room.addEvent(t, alice, EventTypePowerLevels, StringPtr(""), &PowerLevelsContent{
		Users: map[string]int{alice.user.String(): 100},
	}))
	record(room.addEvent(t, alice, EventTypeJoinRules, StringPtr(""), &JoinRulesContent{JoinRule: JoinRulePublic}))
	record(room.addEvent(t, bob, EventTypeMember, StringPtr(bob.user.String()), &MemberContent{Membership: MembershipJoin}))
	record(room.addEvent(t, bob, EventTypeMessage, nil, map[string]string{"body": "hello"}))
	return room, alice, bob, events
}

// newReplicaReceiver makes an empty replica of the room on a second node.
func newReplicaReceiver(t *testing.T, source *testRoom, local *testIdentity) (*Receiver, *EventStore) {
	t.Helper()
	store, err := NewEventStore(storage.NewInmemStore(), 1000, common.NewTestEntry(t, "event-store"))
	if err != nil {
		t.Fatal(err)
	}
	saver := NewEventSaver(
		store,
		local.user,
		NewTimelineNotifier(),
		NewMembershipNotifier(),
		common.NewTestEntry(t, "event-saver"),
	)
	receiver := NewReceiver(
		source.roomID,
		source.peerStore,
		store.ForRoom(source.roomID),
		saver,
		common.NewTestEntry(t, "receiver"),
	)
	return receiver, store
}

func TestReceiveEventsOutOfOrder(t *testing.T) {
	source, _, bob, events := buildSourceRoom(t)
	receiver, replica := newReplicaReceiver(t, source, bob)

	// Feed the batch newest-first; the receiver must still land ancestors
	// before descendants.
	reversed := make([]*Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		reversed = append(reversed, events[i])
	}
	verdicts, err := receiver.ReceiveEvents(reversed)
	if err != nil {
		t.Fatal(err)
	}
	for eventID, verdict := range verdicts {
		if verdict != nil {
			t.Fatalf("event %s rejected: %v", eventID, verdict)
		}
	}

	sourceSnapshot, err := source.store.Snapshot(source.roomID)
	if err != nil {
		t.Fatal(err)
	}
	replicaSnapshot, err := replica.Snapshot(source.roomID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(sourceSnapshot.States, replicaSnapshot.States) {
		t.Fatalf("replica state diverges: %v vs %v", sourceSnapshot.States, replicaSnapshot.States)
	}
	if !equalStringSets(sourceSnapshot.LatestEventIDs, replicaSnapshot.LatestEventIDs) {
		t.Fatal("replica extremities diverge")
	}
}

func TestReceiveRejectsTamperedEvent(t *testing.T) {
	source, _, bob, events := buildSourceRoom(t)
	receiver, _ := newReplicaReceiver(t, source, bob)

	tampered := *events[len(events)-1]
	tampered.Content = []byte(`{"body":"forged"}`)
	verdicts, err := receiver.ReceiveEvents([]*Event{&tampered})
	if err != nil {
		t.Fatal(err)
	}
	eventID := MustEventID(&tampered)
	if verdicts[eventID] != ErrBadHash {
		t.Fatalf("expected hash rejection, got %v", verdicts[eventID])
	}
}

func TestReceiveRejectsUnknownOrigin(t *testing.T) {
	source, _, bob, events := buildSourceRoom(t)
	receiver, _ := newReplicaReceiver(t, source, bob)
	source.peerStore.Remove(bob.identity.ID)

	message := events[len(events)-1]
	verdicts, err := receiver.ReceiveEvents([]*Event{message})
	if err != nil {
		t.Fatal(err)
	}
	if verdicts[MustEventID(message)] != ErrBadSignature {
		t.Fatal("event from unknown peer accepted")
	}
}

func TestReceiveRejectsMismatchedSender(t *testing.T) {
	source, alice, bob, _ := buildSourceRoom(t)
	receiver, _ := newReplicaReceiver(t, source, bob)

	// An event claiming alice as sender but originating from bob's peer.
	forged := source.makeEvent(t, alice, EventTypeMessage, nil, map[string]string{"body": "hi"})
	forged.Origin = bob.identity.ID
	if err := UpdateHash(forged); err != nil {
		t.Fatal(err)
	}
	if err := SignEvent(forged, bob.identity); err != nil {
		t.Fatal(err)
	}
	verdicts, err := receiver.ReceiveEvents([]*Event{forged})
	if err != nil {
		t.Fatal(err)
	}
	if verdicts[MustEventID(forged)] != ErrBadSender {
		t.Fatal("sender/origin mismatch accepted")
	}
}

func TestReceiveUnresolvedWithoutAncestors(t *testing.T) {
	source, _, bob, events := buildSourceRoom(t)
	receiver, _ := newReplicaReceiver(t, source, bob)

	message := events[len(events)-1]
	verdicts, err := receiver.ReceiveEvents([]*Event{message})
	if err != nil {
		t.Fatal(err)
	}
	if verdicts[MustEventID(message)] != ErrNotResolved {
		t.Fatalf("expected unresolved verdict, got %v", verdicts[MustEventID(message)])
	}
}

func TestReceiveIgnoresForeignRoom(t *testing.T) {
	source, _, bob, events := buildSourceRoom(t)
	receiver, _ := newReplicaReceiver(t, source, bob)

	foreign := *events[len(events)-1]
	foreign.RoomID = "!elsewhere:peer-x"
	verdicts, err := receiver.ReceiveEvents([]*Event{&foreign})
	if err != nil {
		t.Fatal(err)
	}
	if len(verdicts) != 0 {
		t.Fatalf("foreign room event produced verdicts: %v", verdicts)
	}
}
