package rooms

import (
	"encoding/json"
	"testing"

	"github.com/chatmesh/chatmesh/src/common"
	"github.com/chatmesh/chatmesh/src/crypto/keys"
	"github.com/chatmesh/chatmesh/src/peers"
	"github.com/chatmesh/chatmesh/src/storage"
)

type testIdentity struct {
	identity *peers.LocalIdentity
	user     UserID
}

func newTestIdentity(t *testing.T, local string) *testIdentity {
	t.Helper()
	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	identity := peers.NewLocalIdentity(priv)
	return &testIdentity{
		identity: identity,
		user:     NewUserID(local, identity.ID),
	}
}

type testRoom struct {
	store     *EventStore
	saver     *EventSaver
	peerStore *peers.PeerStore
	roomID    string
	snapshot  *RoomSnapshot
	timestamp int64
}

func newTestRoom(t *testing.T, creator *testIdentity) *testRoom {
	t.Helper()
	store, err := NewEventStore(storage.NewInmemStore(), 1000, common.NewTestEntry(t, "event-store"))
	if err != nil {
		t.Fatal(err)
	}
	saver := NewEventSaver(
		store,
		creator.user,
		NewTimelineNotifier(),
		NewMembershipNotifier(),
		common.NewTestEntry(t, "event-saver"),
	)
	peerStore := peers.NewPeerStore()
	peerStore.Put(creator.identity.AsPeer())
	return &testRoom{
		store:     store,
		saver:     saver,
		peerStore: peerStore,
		roomID:    "!room:" + creator.identity.ID,
		snapshot:  NewRoomSnapshot(),
		timestamp: 1000,
	}
}

// makeEventAt creates, hashes and signs an event on an explicit snapshot
// without saving it, for building forked branches.
func (r *testRoom) makeEventAt(t *testing.T, id *testIdentity, snapshot *RoomSnapshot, eventType string, stateKey *string, content interface{}) (*Event, *RoomSnapshot) {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	r.timestamp++
	ev, next, err := NewEvent(snapshot, id.identity, r.roomID, eventType, stateKey, id.user, raw, r.timestamp, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	return ev, next
}

// makeEvent creates, hashes and signs an event on the room's working
// snapshot without saving it.
func (r *testRoom) makeEvent(t *testing.T, id *testIdentity, eventType string, stateKey *string, content interface{}) *Event {
	t.Helper()
	ev, next := r.makeEventAt(t, id, r.snapshot, eventType, stateKey, content)
	r.snapshot = next
	return ev
}

// saveAt saves an event created against an explicit snapshot.
func (r *testRoom) saveAt(t *testing.T, ev *Event, snapshot *RoomSnapshot) string {
	t.Helper()
	eventID := MustEventID(ev)
	if err := r.saver.Save(r.roomID, eventID, ev, snapshot.States); err != nil {
		t.Fatal(err)
	}
	return eventID
}

// addEvent creates an event and saves it through the saver.
func (r *testRoom) addEvent(t *testing.T, id *testIdentity, eventType string, stateKey *string, content interface{}) (string, *Event) {
	t.Helper()
	ev := r.makeEvent(t, id, eventType, stateKey, content)
	eventID := MustEventID(ev)
	if err := r.saver.Save(r.roomID, eventID, ev, r.snapshot.States); err != nil {
		t.Fatal(err)
	}
	return eventID, ev
}

// bootstrap writes the standard opening sequence of a room: creation, the
// creator's join, power levels and public join rules.
func (r *testRoom) bootstrap(t *testing.T, creator *testIdentity) {
	t.Helper()
	r.addEvent(t, creator, EventTypeCreate, StringPtr(""), &CreateContent{Creator: creator.user.String()})
	r.addEvent(t, creator, EventTypeMember, StringPtr(creator.user.String()), &MemberContent{Membership: MembershipJoin})
	r.addEvent(t, creator, EventTypePowerLevels, StringPtr(""), &PowerLevelsContent{
		Users: map[string]int{creator.user.String(): 100},
	})
	r.addEvent(t, creator, EventTypeJoinRules, StringPtr(""), &JoinRulesContent{JoinRule: JoinRulePublic})
}

func mustContents(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}
