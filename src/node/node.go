// Package node assembles the pieces of a chatmesh server: identity, event
// store, saver, federation handler, transport and backfiller. A running
// node pushes its latest events to member peers whenever its timeline
// advances, and periodically pulls from them to reconcile anything a push
// did not deliver.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chatmesh/chatmesh/src/backfill"
	"github.com/chatmesh/chatmesh/src/config"
	"github.com/chatmesh/chatmesh/src/federation"
	"github.com/chatmesh/chatmesh/src/net"
	"github.com/chatmesh/chatmesh/src/peers"
	"github.com/chatmesh/chatmesh/src/rooms"
	"github.com/chatmesh/chatmesh/src/storage"
)

// Node is a single chatmesh server acting for one local user.
type Node struct {
	conf     *config.Config
	logger   *logrus.Entry
	identity *peers.LocalIdentity
	user     rooms.UserID

	store       *rooms.EventStore
	saver       *rooms.EventSaver
	peerStore   *peers.PeerStore
	memberStore *peers.MemberStore
	handler     *federation.Handler

	trans      net.Transport
	backfiller *backfill.Backfiller

	timelineCh   <-chan struct{}
	membershipCh <-chan rooms.MembershipUpdate

	// createMu serializes local event creation, which reads the room
	// snapshot and appends on top of it.
	createMu sync.Mutex

	wg           sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewNode creates a node from a config, a signing identity and a backing
// key-value store. The transport is attached separately with SetTransport
// because registering with a transport requires the node's request handler.
func NewNode(conf *config.Config, identity *peers.LocalIdentity, kv storage.Store) (*Node, error) {
	logger := conf.Logger()
	user := rooms.NewUserID(conf.Moniker, identity.ID)

	store, err := rooms.NewEventStore(kv, conf.CacheSize, logger.WithField("component", "event-store"))
	if err != nil {
		return nil, err
	}

	timeline := rooms.NewTimelineNotifier()
	membership := rooms.NewMembershipNotifier()
	saver := rooms.NewEventSaver(store, user, timeline, membership, logger.WithField("component", "event-saver"))

	peerStore := peers.NewPeerStore()
	peerStore.Put(identity.AsPeer())

	node := &Node{
		conf:         conf,
		logger:       logger,
		identity:     identity,
		user:         user,
		store:        store,
		saver:        saver,
		peerStore:    peerStore,
		memberStore:  peers.NewMemberStore(),
		handler:      federation.NewHandler(identity, store, saver, peerStore, logger.WithField("component", "federation")),
		timelineCh:   timeline.Subscribe(),
		membershipCh: membership.Subscribe(),
		shutdownCh:   make(chan struct{}),
	}
	// Rejoin the overlay of every room that survived a restart.
	if err := node.bootstrapMembers(); err != nil {
		return nil, err
	}
	return node, nil
}

// bootstrapMembers fills the member store from the persisted room states.
func (n *Node) bootstrapMembers() error {
	roomIDs, err := n.store.Rooms()
	if err != nil {
		return err
	}
	for _, roomID := range roomIDs {
		snapshot, err := n.store.Snapshot(roomID)
		if err != nil {
			return err
		}
		for _, peerID := range joinedPeers(snapshot) {
			if peerID != n.identity.ID {
				n.memberStore.AddMember(roomID, peerID)
			}
		}
	}
	return nil
}

// SetTransport attaches the transport the node uses to reach peers. It must
// be called before Run.
func (n *Node) SetTransport(trans net.Transport) {
	n.trans = trans
	n.backfiller = backfill.NewBackfiller(
		n.identity,
		n.store,
		n.saver,
		n.peerStore,
		n.memberStore,
		trans,
		n.logger.WithField("component", "backfill"),
	)
}

// HandleRequest implements net.RequestHandler by delegating to the
// federation handler.
func (n *Node) HandleRequest(req *federation.SignedRequest) (json.RawMessage, error) {
	return n.handler.HandleRequest(req)
}

// ID returns the node's peer id.
func (n *Node) ID() string {
	return n.identity.ID
}

// User returns the node's local user id.
func (n *Node) User() rooms.UserID {
	return n.user
}

// Store exposes the room event store for read access.
func (n *Node) Store() *rooms.EventStore {
	return n.store
}

// MemberStore exposes the room membership overlay.
func (n *Node) MemberStore() *peers.MemberStore {
	return n.memberStore
}

// Run starts the background services: the event pushing service waking on
// timeline updates, the membership tracker, and the periodic pull that
// reconciles rooms with member peers.
func (n *Node) Run() {
	if n.trans == nil {
		n.logger.Error("Run called without a transport")
		return
	}
	n.logger.WithFields(logrus.Fields{
		"id":   n.identity.ID,
		"user": n.user.String(),
	}).Info("Node starting")
	n.wg.Add(1)
	go n.serviceLoop()
}

func (n *Node) serviceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.conf.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.timelineCh:
			n.pushRooms()
		case update := <-n.membershipCh:
			n.applyMembership(update)
		case <-ticker.C:
			n.pullRooms()
		case <-n.shutdownCh:
			return
		}
	}
}

// applyMembership reconciles the member store with the joined members of a
// room after a saved membership change.
func (n *Node) applyMembership(update rooms.MembershipUpdate) {
	current := make(map[string]struct{}, len(update.Members))
	for _, peerID := range update.Members {
		current[peerID] = struct{}{}
		if peerID != n.identity.ID {
			n.memberStore.AddMember(update.RoomID, peerID)
		}
	}
	for _, peerID := range n.memberStore.Members(update.RoomID) {
		if _, ok := current[peerID]; !ok {
			n.memberStore.RemoveMember(update.RoomID, peerID)
		}
	}
}

// pushRooms sends the latest timeline events of every room to its member
// peers. Receivers discard duplicates, so pushing a recent window rather
// than tracking per-peer cursors is safe.
func (n *Node) pushRooms() {
	roomIDs, err := n.store.Rooms()
	if err != nil {
		n.logger.WithError(err).Error("Error listing rooms")
		return
	}
	for _, roomID := range roomIDs {
		events, err := rooms.LatestTimelineEvents(n.store, roomID, federation.DefaultBackfillLimit)
		if err != nil {
			n.logger.WithField("room_id", roomID).WithError(err).Error("Error loading timeline")
			continue
		}
		if len(events) == 0 {
			continue
		}
		// Oldest first, so receivers see ancestors before descendants.
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
		n.pushEvents(roomID, events)
	}
}

func (n *Node) pushEvents(roomID string, events []*rooms.Event) {
	// Invited users' peers get the push too; that is how an invite reaches
	// a peer that does not replicate the room yet.
	members := n.memberStore.Members(roomID)
	if snapshot, err := n.store.Snapshot(roomID); err == nil {
		for _, peerID := range invitedPeers(snapshot) {
			if peerID != n.identity.ID && !contains(members, peerID) {
				members = append(members, peerID)
			}
		}
	}
	if len(members) == 0 {
		return
	}
	group := new(errgroup.Group)
	group.SetLimit(backfill.MaxConcurrentPeers)
	for _, peerID := range members {
		peerID := peerID
		group.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), n.conf.PushTimeout)
			defer cancel()
			req, err := federation.SignRequest(n.identity, "PUT", federation.PushEventsPath(roomID), peerID, &federation.PushEventsRequest{Events: events})
			if err != nil {
				return err
			}
			raw, err := n.trans.Send(ctx, peerID, req)
			if err != nil {
				n.logger.WithField("peer", peerID).WithError(err).Debug("Error pushing events")
				return nil
			}
			var resp federation.PushEventsResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				n.logger.WithField("peer", peerID).WithError(err).Warn("Error decoding push response")
				return nil
			}
			for eventID, reason := range resp.Errors {
				n.logger.WithFields(logrus.Fields{
					"peer":     peerID,
					"event_id": eventID,
					"error":    reason,
				}).Warn("Event rejected by peer")
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		n.logger.WithField("room_id", roomID).WithError(err).Error("Error pushing events")
	}
}

// pullRooms asks the member peers of every room for their latest events.
func (n *Node) pullRooms() {
	roomIDs, err := n.store.Rooms()
	if err != nil {
		n.logger.WithError(err).Error("Error listing rooms")
		return
	}
	for _, roomID := range roomIDs {
		for _, peerID := range n.memberStore.Members(roomID) {
			ctx, cancel := context.WithTimeout(context.Background(), n.conf.PushTimeout)
			err := n.backfiller.PullLatestEvents(ctx, roomID, peerID)
			cancel()
			if err != nil {
				n.logger.WithFields(logrus.Fields{
					"room_id": roomID,
					"peer":    peerID,
				}).WithError(err).Debug("Error pulling events")
			}
		}
	}
}

// Sync runs one immediate pull round outside the ticker schedule.
func (n *Node) Sync() {
	n.pullRooms()
}

// Shutdown stops the background services, closes the transport and the
// store. It blocks until all goroutines have drained.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Info("Node shutting down")
		close(n.shutdownCh)
		n.wg.Wait()
		if n.trans != nil {
			if err := n.trans.Close(); err != nil {
				n.logger.WithError(err).Error("Error closing transport")
			}
		}
		if err := n.store.Close(); err != nil {
			n.logger.WithError(err).Error("Error closing store")
		}
	})
}

// CreateRoom creates a new room with the local user as creator: creation
// event, the creator's join, power levels granting the creator full control,
// public join rules and, if name is not empty, a room name.
func (n *Node) CreateRoom(name string) (string, error) {
	n.createMu.Lock()
	defer n.createMu.Unlock()

	roomID := fmt.Sprintf("!%s:%s", uuid.NewString(), n.identity.ID)
	creator := n.user.String()
	if _, err := n.appendEvent(roomID, rooms.EventTypeCreate, rooms.StringPtr(""), &rooms.CreateContent{Creator: creator}); err != nil {
		return "", err
	}
	if _, err := n.appendEvent(roomID, rooms.EventTypeMember, rooms.StringPtr(creator), &rooms.MemberContent{Membership: rooms.MembershipJoin}); err != nil {
		return "", err
	}
	creatorLevel := 100
	if _, err := n.appendEvent(roomID, rooms.EventTypePowerLevels, rooms.StringPtr(""), &rooms.PowerLevelsContent{
		Users: map[string]int{creator: creatorLevel},
	}); err != nil {
		return "", err
	}
	if _, err := n.appendEvent(roomID, rooms.EventTypeJoinRules, rooms.StringPtr(""), &rooms.JoinRulesContent{JoinRule: rooms.JoinRulePublic}); err != nil {
		return "", err
	}
	if name != "" {
		if _, err := n.appendEvent(roomID, rooms.EventTypeName, rooms.StringPtr(""), map[string]string{"name": name}); err != nil {
			return "", err
		}
	}
	n.logger.WithField("room_id", roomID).Info("Room created")
	return roomID, nil
}

// SendMessage appends a message event to a room's timeline and returns its
// event id.
func (n *Node) SendMessage(roomID, body string) (string, error) {
	n.createMu.Lock()
	defer n.createMu.Unlock()
	return n.appendEvent(roomID, rooms.EventTypeMessage, nil, map[string]string{
		"msgtype": "m.text",
		"body":    body,
	})
}

// InviteUser invites another user into a room.
func (n *Node) InviteUser(roomID string, target rooms.UserID) (string, error) {
	n.createMu.Lock()
	defer n.createMu.Unlock()
	return n.appendEvent(roomID, rooms.EventTypeMember, rooms.StringPtr(target.String()), &rooms.MemberContent{
		Membership: rooms.MembershipInvite,
	})
}

// JoinRoom appends the local user's join event to a room the node already
// replicates.
func (n *Node) JoinRoom(roomID string) (string, error) {
	n.createMu.Lock()
	defer n.createMu.Unlock()
	return n.appendEvent(roomID, rooms.EventTypeMember, rooms.StringPtr(n.user.String()), &rooms.MemberContent{
		Membership: rooms.MembershipJoin,
	})
}

// LeaveRoom appends the local user's leave event.
func (n *Node) LeaveRoom(roomID string) (string, error) {
	n.createMu.Lock()
	defer n.createMu.Unlock()
	return n.appendEvent(roomID, rooms.EventTypeMember, rooms.StringPtr(n.user.String()), &rooms.MemberContent{
		Membership: rooms.MembershipLeave,
	})
}

func (n *Node) appendEvent(roomID, eventType string, stateKey *string, content interface{}) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	snapshot, err := n.store.Snapshot(roomID)
	if err != nil {
		return "", err
	}
	ev, next, err := rooms.NewEvent(snapshot, n.identity, roomID, eventType, stateKey, n.user, raw, time.Now().UnixMilli(), "", nil)
	if err != nil {
		return "", err
	}
	eventID := rooms.MustEventID(ev)
	if err := n.saver.Save(roomID, eventID, ev, next.States); err != nil {
		return "", err
	}
	return eventID, nil
}

func joinedPeers(snapshot *rooms.RoomSnapshot) []string {
	return memberPeers(snapshot, rooms.MembershipJoin)
}

func invitedPeers(snapshot *rooms.RoomSnapshot) []string {
	return memberPeers(snapshot, rooms.MembershipInvite)
}

func memberPeers(snapshot *rooms.RoomSnapshot, membership string) []string {
	var peerIDs []string
	seen := make(map[string]struct{})
	for key, content := range snapshot.StateContents {
		if key.EventType != rooms.EventTypeMember {
			continue
		}
		decoded, ok := rooms.DecodeControlContent(key.EventType, content)
		if !ok {
			continue
		}
		if decoded.(*rooms.MemberContent).Membership != membership {
			continue
		}
		user, ok := rooms.ParseUserID(key.StateKey)
		if !ok {
			continue
		}
		if _, dup := seen[user.PeerID]; !dup {
			seen[user.PeerID] = struct{}{}
			peerIDs = append(peerIDs, user.PeerID)
		}
	}
	return peerIDs
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
