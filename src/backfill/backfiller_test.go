package backfill

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chatmesh/chatmesh/src/common"
	"github.com/chatmesh/chatmesh/src/crypto/keys"
	"github.com/chatmesh/chatmesh/src/federation"
	"github.com/chatmesh/chatmesh/src/net"
	"github.com/chatmesh/chatmesh/src/peers"
	"github.com/chatmesh/chatmesh/src/rooms"
	"github.com/chatmesh/chatmesh/src/storage"
)

type testNode struct {
	identity    *peers.LocalIdentity
	user        rooms.UserID
	store       *rooms.EventStore
	saver       *rooms.EventSaver
	peerStore   *peers.PeerStore
	memberStore *peers.MemberStore
	backfiller  *Backfiller
}

func newTestNode(t *testing.T, localpart string, router *net.InmemRouter) *testNode {
	t.Helper()
	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	identity := peers.NewLocalIdentity(priv)
	user := rooms.NewUserID(localpart, identity.ID)
	store, err := rooms.NewEventStore(storage.NewInmemStore(), 1000, common.NewTestEntry(t, "event-store"))
	if err != nil {
		t.Fatal(err)
	}
	saver := rooms.NewEventSaver(
		store,
		user,
		rooms.NewTimelineNotifier(),
		rooms.NewMembershipNotifier(),
		common.NewTestEntry(t, "event-saver"),
	)
	peerStore := peers.NewPeerStore()
	peerStore.Put(identity.AsPeer())
	memberStore := peers.NewMemberStore()
	handler := federation.NewHandler(identity, store, saver, peerStore, common.NewTestEntry(t, "federation"))
	transport := router.AddPeer(identity.ID, handler, identity.ServerKeys())
	return &testNode{
		identity:    identity,
		user:        user,
		store:       store,
		saver:       saver,
		peerStore:   peerStore,
		memberStore: memberStore,
		backfiller:  NewBackfiller(identity, store, saver, peerStore, memberStore, transport, common.NewTestEntry(t, "backfill")),
	}
}

type sourceRoom struct {
	roomID    string
	events    []*rooms.Event
	eventIDs  []string
	snapshot  *rooms.RoomSnapshot
	timestamp int64
}

// appendEvent creates and saves one event on a node's copy of the room.
func appendEvent(t *testing.T, node *testNode, room *sourceRoom, eventType string, stateKey *string, content interface{}) {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	room.timestamp++
	ev, next, err := rooms.NewEvent(room.snapshot, node.identity, room.roomID, eventType, stateKey, node.user, raw, room.timestamp, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	room.snapshot = next
	eventID := rooms.MustEventID(ev)
	if err := node.saver.Save(room.roomID, eventID, ev, room.snapshot.States); err != nil {
		t.Fatal(err)
	}
	room.events = append(room.events, ev)
	room.eventIDs = append(room.eventIDs, eventID)
}

// buildSourceRoom creates a room on the given node: creation, the node's
// own join, power levels, public join rules and a handful of messages.
func buildSourceRoom(t *testing.T, node *testNode, messages int) *sourceRoom {
	t.Helper()
	room := &sourceRoom{
		roomID:    "!room:" + node.identity.ID,
		snapshot:  rooms.NewRoomSnapshot(),
		timestamp: 1000,
	}
	creator := node.user.String()
	appendEvent(t, node, room, rooms.EventTypeCreate, rooms.StringPtr(""), &rooms.CreateContent{Creator: creator})
	appendEvent(t, node, room, rooms.EventTypeMember, rooms.StringPtr(creator), &rooms.MemberContent{Membership: rooms.MembershipJoin})
	appendEvent(t, node, room, rooms.EventTypePowerLevels, rooms.StringPtr(""), &rooms.PowerLevelsContent{Users: map[string]int{creator: 100}})
	appendEvent(t, node, room, rooms.EventTypeJoinRules, rooms.StringPtr(""), &rooms.JoinRulesContent{JoinRule: rooms.JoinRulePublic})
	for i := 0; i < messages; i++ {
		appendEvent(t, node, room, rooms.EventTypeMessage, nil, map[string]string{"body": "hello"})
	}
	return room
}

// seedReplica feeds the first n source events into the replica through its
// receiver and registers the source as a known member peer.
func seedReplica(t *testing.T, replica, source *testNode, room *sourceRoom, n int) {
	t.Helper()
	replica.peerStore.Put(source.identity.AsPeer())
	replica.memberStore.AddMember(room.roomID, source.identity.ID)
	receiver := rooms.NewReceiver(room.roomID, replica.peerStore, replica.store.ForRoom(room.roomID), replica.saver, common.NewTestEntry(t, "receiver"))
	verdicts, err := receiver.ReceiveEvents(room.events[:n])
	if err != nil {
		t.Fatal(err)
	}
	for eventID, verdict := range verdicts {
		if verdict != nil {
			t.Fatalf("seed event %s rejected: %v", eventID, verdict)
		}
	}
}

func assertHasEvents(t *testing.T, node *testNode, room *sourceRoom) {
	t.Helper()
	roomStore := node.store.ForRoom(room.roomID)
	for _, eventID := range room.eventIDs {
		ok, err := roomStore.HasEvent(eventID)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("event %s missing after backfill", eventID)
		}
	}
	snapshot, err := node.store.Snapshot(room.roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot.LatestEventIDs) != 1 || snapshot.LatestEventIDs[0] != room.eventIDs[len(room.eventIDs)-1] {
		t.Fatalf("unexpected extremities after backfill: %v", snapshot.LatestEventIDs)
	}
}

func TestBackfillFillsGap(t *testing.T) {
	router := net.NewInmemRouter()
	source := newTestNode(t, "alice", router)
	replica := newTestNode(t, "bob", router)

	room := buildSourceRoom(t, source, 3)
	seedReplica(t, replica, source, room, 3)

	// The replica learns about the newest event only; its ancestors have
	// to be fetched from the source.
	latest := room.events[len(room.events)-1]
	if err := replica.backfiller.Backfill(context.Background(), []*rooms.Event{latest}); err != nil {
		t.Fatal(err)
	}
	assertHasEvents(t, replica, room)
}

func TestBackfillRemovesStaleMembers(t *testing.T) {
	router := net.NewInmemRouter()
	source := newTestNode(t, "alice", router)
	replica := newTestNode(t, "bob", router)
	outsider := newTestNode(t, "carol", router)

	room := buildSourceRoom(t, source, 2)
	seedReplica(t, replica, source, room, 3)

	// One member peer is offline, another answers for a user that never
	// joined the room. Both get dropped, and the gap still fills from the
	// remaining good peer.
	replica.memberStore.AddMember(room.roomID, "ghost-peer")
	replica.memberStore.AddMember(room.roomID, outsider.identity.ID)

	latest := room.events[len(room.events)-1]
	if err := replica.backfiller.Backfill(context.Background(), []*rooms.Event{latest}); err != nil {
		t.Fatal(err)
	}
	assertHasEvents(t, replica, room)

	for _, peerID := range replica.memberStore.Members(room.roomID) {
		if peerID == "ghost-peer" || peerID == outsider.identity.ID {
			t.Fatalf("stale member %s not removed", peerID)
		}
	}
}

func TestBackfillBootstrapsFromInvite(t *testing.T) {
	router := net.NewInmemRouter()
	source := newTestNode(t, "alice", router)
	replica := newTestNode(t, "bob", router)

	room := buildSourceRoom(t, source, 0)
	appendEvent(t, source, room, rooms.EventTypeMember, rooms.StringPtr(replica.user.String()), &rooms.MemberContent{
		Membership: rooms.MembershipInvite,
	})

	// The replica knows nothing about the room except the invite event and
	// which peer it came from.
	replica.memberStore.AddMember(room.roomID, source.identity.ID)
	invite := room.events[len(room.events)-1]
	if err := replica.backfiller.Backfill(context.Background(), []*rooms.Event{invite}); err != nil {
		t.Fatal(err)
	}
	assertHasEvents(t, replica, room)

	snapshot, err := replica.store.Snapshot(room.roomID)
	if err != nil {
		t.Fatal(err)
	}
	assertMembership := func(user rooms.UserID, want string) {
		key := rooms.RoomStateKey{EventType: rooms.EventTypeMember, StateKey: user.String()}
		content, ok := snapshot.StateContents[key]
		if !ok {
			t.Fatalf("no membership for %s", user.String())
		}
		decoded, ok := rooms.DecodeControlContent(rooms.EventTypeMember, content)
		if !ok || decoded.(*rooms.MemberContent).Membership != want {
			t.Fatalf("wrong membership for %s", user.String())
		}
	}
	assertMembership(source.user, rooms.MembershipJoin)
	assertMembership(replica.user, rooms.MembershipInvite)

	plKey := rooms.RoomStateKey{EventType: rooms.EventTypePowerLevels, StateKey: ""}
	content, ok := snapshot.StateContents[plKey]
	if !ok {
		t.Fatal("power levels missing from resolved state")
	}
	decoded, _ := rooms.DecodeControlContent(rooms.EventTypePowerLevels, content)
	if decoded.(*rooms.PowerLevelsContent).Users[source.user.String()] != 100 {
		t.Fatal("creator power level not resolved")
	}
}

func TestPullLatestEvents(t *testing.T) {
	router := net.NewInmemRouter()
	source := newTestNode(t, "alice", router)
	replica := newTestNode(t, "bob", router)

	room := buildSourceRoom(t, source, 3)
	seedReplica(t, replica, source, room, 3)

	if err := replica.backfiller.PullLatestEvents(context.Background(), room.roomID, source.identity.ID); err != nil {
		t.Fatal(err)
	}
	assertHasEvents(t, replica, room)
}

func TestPullLatestEventsUpToDate(t *testing.T) {
	router := net.NewInmemRouter()
	source := newTestNode(t, "alice", router)
	replica := newTestNode(t, "bob", router)

	room := buildSourceRoom(t, source, 1)
	seedReplica(t, replica, source, room, len(room.events))

	if err := replica.backfiller.PullLatestEvents(context.Background(), room.roomID, source.identity.ID); err != nil {
		t.Fatal(err)
	}
	assertHasEvents(t, replica, room)
}

func TestFilterAncestorsDropsUnrelated(t *testing.T) {
	e1 := &rooms.Event{EventType: rooms.EventTypeMessage}
	e2 := &rooms.Event{EventType: rooms.EventTypeMessage, PrevEvents: []string{"$e1"}}
	e3 := &rooms.Event{EventType: rooms.EventTypeMessage, PrevEvents: []string{"$e2"}}
	unrelated := &rooms.Event{EventType: rooms.EventTypeMessage, PrevEvents: []string{"$elsewhere"}}

	received := map[string]*rooms.Event{
		"$e1":        e1,
		"$e2":        e2,
		"$unrelated": unrelated,
	}
	result := filterAncestors([]*rooms.Event{e3}, received)
	if len(result) != 2 {
		t.Fatalf("expected 2 ancestors, got %d", len(result))
	}
	if _, ok := result["$unrelated"]; ok {
		t.Fatal("unrelated event survived the filter")
	}
}
