package federation

import (
	"encoding/json"
	"testing"

	"github.com/chatmesh/chatmesh/src/common"
	"github.com/chatmesh/chatmesh/src/crypto/keys"
	"github.com/chatmesh/chatmesh/src/peers"
	"github.com/chatmesh/chatmesh/src/rooms"
	"github.com/chatmesh/chatmesh/src/storage"
)

type fixture struct {
	identity  *peers.LocalIdentity
	user      rooms.UserID
	store     *rooms.EventStore
	saver     *rooms.EventSaver
	peerStore *peers.PeerStore
	handler   *Handler
	roomID    string
	snapshot  *rooms.RoomSnapshot
	timestamp int64
	eventIDs  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	identity := peers.NewLocalIdentity(priv)
	user := rooms.NewUserID("alice", identity.ID)
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
	f := &fixture{
		identity:  identity,
		user:      user,
		store:     store,
		saver:     saver,
		peerStore: peerStore,
		handler:   NewHandler(identity, store, saver, peerStore, common.NewTestEntry(t, "federation")),
		roomID:    "!room:" + identity.ID,
		snapshot:  rooms.NewRoomSnapshot(),
		timestamp: 1000,
	}
	f.addEvent(t, rooms.EventTypeCreate, rooms.StringPtr(""), &rooms.CreateContent{Creator: user.String()})
	f.addEvent(t, rooms.EventTypeMember, rooms.StringPtr(user.String()), &rooms.MemberContent{Membership: rooms.MembershipJoin})
	f.addEvent(t, rooms.EventTypeJoinRules, rooms.StringPtr(""), &rooms.JoinRulesContent{JoinRule: rooms.JoinRulePublic})
	f.addEvent(t, rooms.EventTypeMessage, nil, map[string]string{"body": "hello"})
	return f
}

func (f *fixture) addEvent(t *testing.T, eventType string, stateKey *string, content interface{}) {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	f.timestamp++
	ev, next, err := rooms.NewEvent(f.snapshot, f.identity, f.roomID, eventType, stateKey, f.user, raw, f.timestamp, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	f.snapshot = next
	eventID := rooms.MustEventID(ev)
	if err := f.saver.Save(f.roomID, eventID, ev, f.snapshot.States); err != nil {
		t.Fatal(err)
	}
	f.eventIDs = append(f.eventIDs, eventID)
}

func TestSignAndVerifyRequest(t *testing.T) {
	f := newFixture(t)
	req, err := SignRequest(f.identity, "POST", GetMissingEventsPath(f.roomID), "dest-peer", &GetMissingEventsRequest{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyRequest(req, f.identity.AsPeer()) {
		t.Fatal("request signature did not verify")
	}

	req.Destination = "other-peer"
	if VerifyRequest(req, f.identity.AsPeer()) {
		t.Fatal("tampered request verified")
	}
}

func TestHandleRejectsUnsignedRequest(t *testing.T) {
	f := newFixture(t)
	req, err := SignRequest(f.identity, "POST", GetMissingEventsPath(f.roomID), f.identity.ID, &GetMissingEventsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	req.URI = BackfillPath(f.roomID)
	if _, err := f.handler.HandleRequest(req); err != ErrBadRequestSignature {
		t.Fatalf("expected signature rejection, got %v", err)
	}
}

func TestHandleRejectsMisdirectedRequest(t *testing.T) {
	source := newFixture(t)
	replica := newFixture(t)

	// A validly signed envelope addressed to a third peer must not
	// authenticate when replayed to the replica.
	req, err := SignRequest(source.identity, "GET", BackfillPath(source.roomID), "third-peer", &BackfillRequest{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyRequest(req, source.identity.AsPeer()) {
		t.Fatal("request signature did not verify")
	}
	if _, err := replica.handler.HandleRequest(req); err != ErrBadRequestSignature {
		t.Fatalf("expected misdirected request rejection, got %v", err)
	}

	// The same envelope addressed to the replica goes through.
	req, err = SignRequest(source.identity, "GET", BackfillPath(source.roomID), replica.identity.ID, &BackfillRequest{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := replica.handler.HandleRequest(req); err != nil {
		t.Fatal(err)
	}
}

func TestHandleTrustOnFirstUse(t *testing.T) {
	f := newFixture(t)

	priv, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	stranger := peers.NewLocalIdentity(priv)
	req, err := SignRequest(stranger, "GET", BackfillPath(f.roomID), f.identity.ID, &BackfillRequest{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.handler.HandleRequest(req); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.peerStore.Get(stranger.ID); !ok {
		t.Fatal("origin peer not recorded after first contact")
	}
}

func TestGetMissingEventsPaging(t *testing.T) {
	f := newFixture(t)
	latest := f.snapshot.LatestEventIDs

	resp, err := f.handler.GetMissingEvents(f.roomID, &GetMissingEventsRequest{
		LatestEvents: latest,
		Limit:        2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(resp.Events))
	}

	// Earliest frontier cuts the walk short.
	resp, err = f.handler.GetMissingEvents(f.roomID, &GetMissingEventsRequest{
		EarliestEvents: []string{f.eventIDs[0]},
		LatestEvents:   latest,
		Limit:          100,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range resp.Events {
		if rooms.MustEventID(ev) == f.eventIDs[0] {
			t.Fatal("earliest event included in response")
		}
	}
}

func TestBackfillReturnsTimeline(t *testing.T) {
	f := newFixture(t)
	resp, err := f.handler.Backfill(f.roomID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.PDUs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(resp.PDUs))
	}
	if rooms.MustEventID(resp.PDUs[0]) != f.eventIDs[len(f.eventIDs)-1] {
		t.Fatal("backfill not newest first")
	}
	if resp.Origin != f.identity.ID {
		t.Fatal("backfill origin not set")
	}
}

func TestPushEventsRoundTrip(t *testing.T) {
	source := newFixture(t)
	replica := newFixture(t)

	// Collect the source room's events and push them to the replica.
	var events []*rooms.Event
	roomStore := source.store.ForRoom(source.roomID)
	for _, eventID := range source.eventIDs {
		ev, err := roomStore.LoadEvent(eventID)
		if err != nil {
			t.Fatal(err)
		}
		events = append(events, ev)
	}
	req, err := SignRequest(source.identity, "PUT", PushEventsPath(source.roomID), replica.identity.ID, &PushEventsRequest{Events: events})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := replica.handler.HandleRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	var resp PushEventsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Errors) != 0 {
		t.Fatalf("push produced errors: %v", resp.Errors)
	}
	for _, eventID := range source.eventIDs {
		ok, err := replica.store.HasEvent(source.roomID, eventID)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("event %s not replicated", eventID)
		}
	}
}
