package rooms

import (
	"reflect"
	"testing"
)

// forkRoom bootstraps a room, joins a second user, and returns the room
// with its working snapshot positioned at the join.
func forkRoom(t *testing.T) (*testRoom, *testIdentity, *testIdentity) {
	t.Helper()
	alice := newTestIdentity(t, "alice")
	bob := newTestIdentity(t, "bob")
	room := newTestRoom(t, alice)
	room.bootstrap(t, alice)
	room.addEvent(t, bob, EventTypeMember, StringPtr(bob.user.String()), &MemberContent{Membership: MembershipJoin})
	return room, alice, bob
}

func TestResolveSingleExtremity(t *testing.T) {
	room, alice, _ := forkRoom(t)
	nameID, _ := room.addEvent(t, alice, EventTypeName, StringPtr(""), map[string]string{"name": "general"})

	resolver := NewStateResolver(room.store.ForRoom(room.roomID))
	states, err := resolver.ResolveState([]string{nameID})
	if err != nil {
		t.Fatal(err)
	}
	if states[RoomStateKey{EventType: EventTypeName, StateKey: ""}] != nameID {
		t.Fatal("single extremity state does not contain the event")
	}
}

func TestResolveEmptyExtremities(t *testing.T) {
	room, _, _ := forkRoom(t)
	resolver := NewStateResolver(room.store.ForRoom(room.roomID))
	if _, err := resolver.ResolveState(nil); err == nil {
		t.Fatal("expected error for empty extremity list")
	}
}

func TestResolveConflictOrderIndependent(t *testing.T) {
	room, alice, _ := forkRoom(t)
	base := room.snapshot

	evA, snapA := room.makeEventAt(t, alice, base, EventTypeName, StringPtr(""), map[string]string{"name": "first"})
	evB, snapB := room.makeEventAt(t, alice, base, EventTypeName, StringPtr(""), map[string]string{"name": "second"})
	idA := room.saveAt(t, evA, snapA)
	idB := room.saveAt(t, evB, snapB)

	resolver := NewStateResolver(room.store.ForRoom(room.roomID))
	statesAB, err := resolver.ResolveState([]string{idA, idB})
	if err != nil {
		t.Fatal(err)
	}
	statesBA, err := resolver.ResolveState([]string{idB, idA})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(statesAB, statesBA) {
		t.Fatalf("resolution depends on extremity order: %v vs %v", statesAB, statesBA)
	}

	// Same timestamps excluded by construction; the later event wins.
	nameKey := RoomStateKey{EventType: EventTypeName, StateKey: ""}
	if statesAB[nameKey] != idB {
		t.Fatalf("expected %s to win, got %s", idB, statesAB[nameKey])
	}
}

func TestResolveBanBeatsSelfLeave(t *testing.T) {
	room, alice, bob := forkRoom(t)
	base := room.snapshot

	leave, snapLeave := room.makeEventAt(t, bob, base, EventTypeMember, StringPtr(bob.user.String()), &MemberContent{Membership: MembershipLeave})
	ban, snapBan := room.makeEventAt(t, alice, base, EventTypeMember, StringPtr(bob.user.String()), &MemberContent{Membership: MembershipBan})
	leaveID := room.saveAt(t, leave, snapLeave)
	banID := room.saveAt(t, ban, snapBan)

	resolver := NewStateResolver(room.store.ForRoom(room.roomID))
	memberKey := RoomStateKey{EventType: EventTypeMember, StateKey: bob.user.String()}
	for _, extremities := range [][]string{{leaveID, banID}, {banID, leaveID}} {
		states, err := resolver.ResolveState(extremities)
		if err != nil {
			t.Fatal(err)
		}
		if states[memberKey] != banID {
			t.Fatalf("expected ban to win for extremities %v, got %s", extremities, states[memberKey])
		}
	}

	// The saver resolved the same winner into the room snapshot.
	snapshot, err := room.store.Snapshot(room.roomID)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.States[memberKey] != banID {
		t.Fatal("room snapshot does not reflect the resolved ban")
	}
	if !reflect.DeepEqual(snapshot.StateContents[memberKey], ban.Content) {
		t.Fatal("snapshot state contents diverge from resolved states")
	}
}

func TestResolveUnconflictedMerge(t *testing.T) {
	room, alice, _ := forkRoom(t)
	base := room.snapshot

	// Two branches touching different state keys: both survive the merge.
	name, snapName := room.makeEventAt(t, alice, base, EventTypeName, StringPtr(""), map[string]string{"name": "general"})
	topic, snapTopic := room.makeEventAt(t, alice, base, EventTypeTopic, StringPtr(""), map[string]string{"topic": "all things"})
	nameID := room.saveAt(t, name, snapName)
	topicID := room.saveAt(t, topic, snapTopic)

	snapshot, err := room.store.Snapshot(room.roomID)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.States[RoomStateKey{EventType: EventTypeName, StateKey: ""}] != nameID {
		t.Fatal("name lost in merge")
	}
	if snapshot.States[RoomStateKey{EventType: EventTypeTopic, StateKey: ""}] != topicID {
		t.Fatal("topic lost in merge")
	}
	if len(snapshot.LatestEventIDs) != 2 {
		t.Fatalf("expected 2 extremities, got %d", len(snapshot.LatestEventIDs))
	}
}
