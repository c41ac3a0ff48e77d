// Package backfill reconciles local room replicas with remote peers. When
// events arrive whose ancestors are missing, the backfiller locates a
// bounded set of member peers, pages the gap out of them, and feeds
// everything through the room's receiver so the usual validation and
// authorization applies.
package backfill

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chatmesh/chatmesh/src/federation"
	"github.com/chatmesh/chatmesh/src/net"
	"github.com/chatmesh/chatmesh/src/peers"
	"github.com/chatmesh/chatmesh/src/rooms"
)

// MaxDestinations bounds how many member peers one backfill round talks
// to; probing stops as soon as this many answer.
const MaxDestinations = 3

// MaxConcurrentPeers bounds concurrent peer probes and fetches.
const MaxConcurrentPeers = 3

// Backfiller fills gaps in room graphs from member peers.
type Backfiller struct {
	identity    *peers.LocalIdentity
	store       *rooms.EventStore
	saver       *rooms.EventSaver
	peerStore   *peers.PeerStore
	memberStore *peers.MemberStore
	transport   net.Transport
	logger      *logrus.Entry
}

// NewBackfiller creates a Backfiller.
func NewBackfiller(
	identity *peers.LocalIdentity,
	store *rooms.EventStore,
	saver *rooms.EventSaver,
	peerStore *peers.PeerStore,
	memberStore *peers.MemberStore,
	transport net.Transport,
	logger *logrus.Entry,
) *Backfiller {
	return &Backfiller{
		identity:    identity,
		store:       store,
		saver:       saver,
		peerStore:   peerStore,
		memberStore: memberStore,
		transport:   transport,
		logger:      logger,
	}
}

// getMissingEvents runs one get_missing_events page against a peer.
func (b *Backfiller) getMissingEvents(ctx context.Context, roomID, destination string, req *federation.GetMissingEventsRequest) ([]*rooms.Event, error) {
	signed, err := federation.SignRequest(b.identity, "POST", federation.GetMissingEventsPath(roomID), destination, req)
	if err != nil {
		return nil, err
	}
	raw, err := b.transport.Send(ctx, destination, signed)
	if err != nil {
		b.logger.WithField("destination", destination).WithError(err).Debug("Error fetching events")
		return nil, err
	}
	var resp federation.GetMissingEventsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		b.logger.WithField("destination", destination).WithError(err).Warn("Error decoding events")
		return nil, err
	}
	return resp.Events, nil
}

// filterAncestors keeps only received events reachable backwards from the
// given frontier. A peer cannot smuggle unrelated events into a backfill
// response; anything not an ancestor of what we asked about is dropped.
func filterAncestors(frontier []*rooms.Event, received map[string]*rooms.Event) map[string]*rooms.Event {
	result := make(map[string]*rooms.Event)
	for len(frontier) > 0 {
		var next []*rooms.Event
		for _, ev := range frontier {
			for _, ancestorID := range ev.Ancestors() {
				receivedEvent, ok := received[ancestorID]
				if !ok {
					continue
				}
				if _, seen := result[ancestorID]; seen {
					continue
				}
				result[ancestorID] = receivedEvent
				next = append(next, receivedEvent)
			}
		}
		frontier = next
	}
	return result
}

// FetchMissingEvents pages the ancestors of the given events out of one
// peer until nothing is missing or the peer stops yielding new events.
// Hashes are re-verified; events that fail drop out before they can poison
// the walk.
func (b *Backfiller) FetchMissingEvents(ctx context.Context, roomID, destination string, earliest []string, pdus []*rooms.Event) ([]*rooms.Event, error) {
	b.logger.WithField("room_id", roomID).Debug("Fetching missing events")

	roomStore := b.store.ForRoom(roomID)
	var received []*rooms.Event
	receivedIDs := make(map[string]struct{})
	frontier := make(map[string]*rooms.Event, len(pdus))
	for _, ev := range pdus {
		frontier[rooms.MustEventID(ev)] = ev
	}
	missing, err := roomStore.MissingEventIDs(ancestorsOf(pdus))
	if err != nil {
		return nil, err
	}
	for len(frontier) > 0 && len(missing) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req := &federation.GetMissingEventsRequest{
			EarliestEvents: earliest,
			LatestEvents:   idsOf(frontier),
			Limit:          federation.DefaultMissingEventsLimit,
		}
		page, err := b.getMissingEvents(ctx, roomID, destination, req)
		if err != nil {
			return nil, err
		}
		pageEvents := make(map[string]*rooms.Event, len(page))
		for _, ev := range page {
			if !rooms.VerifyHash(ev) {
				b.logger.Warn("Event hash not valid")
				continue
			}
			pageEvents[rooms.MustEventID(ev)] = ev
		}
		pageEvents = filterAncestors(eventsOf(frontier), pageEvents)
		if len(pageEvents) == 0 {
			b.logger.Debug("Received no new events")
			break
		}
		for eventID, ev := range pageEvents {
			if _, ok := receivedIDs[eventID]; !ok {
				receivedIDs[eventID] = struct{}{}
				received = append(received, ev)
			}
		}

		wanted := ancestorsOf(eventsOf(pageEvents))
		wanted = append(wanted, missing...)
		var unknown []string
		for _, id := range dedupe(wanted) {
			if _, ok := receivedIDs[id]; !ok {
				unknown = append(unknown, id)
			}
		}
		missing, err = roomStore.MissingEventIDs(unknown)
		if err != nil {
			return nil, err
		}
		if len(missing) == 0 {
			b.logger.Debug("All missing events found")
			break
		}
		missingSet := make(map[string]struct{}, len(missing))
		for _, id := range missing {
			missingSet[id] = struct{}{}
		}
		// The next frontier: events whose ancestors are still missing.
		next := make(map[string]*rooms.Event)
		for eventID, ev := range frontier {
			if anyIn(ev.Ancestors(), missingSet) {
				next[eventID] = ev
			}
		}
		for eventID, ev := range pageEvents {
			if anyIn(ev.Ancestors(), missingSet) {
				next[eventID] = ev
			}
		}
		frontier = next
	}
	b.logger.WithFields(logrus.Fields{
		"destination": destination,
		"count":       len(received),
	}).Debug("Fetched events")
	return received, nil
}

// findDestinations probes the room's member peers concurrently and emits
// up to MaxDestinations verified ones. Peers that no longer answer for a
// joined member are dropped from the member store.
func (b *Backfiller) findDestinations(ctx context.Context, roomID string, members map[string]struct{}) <-chan string {
	out := make(chan string, MaxDestinations)
	probeCtx, cancel := context.WithCancel(ctx)
	group, probeCtx := errgroup.WithContext(probeCtx)
	group.SetLimit(MaxConcurrentPeers)

	var mu sync.Mutex
	distinct := make(map[string]struct{})

	go func() {
		defer close(out)
		defer cancel()
		for _, peerID := range b.memberStore.Members(roomID) {
			peerID := peerID
			if probeCtx.Err() != nil {
				break
			}
			group.Go(func() error {
				serverKeys, err := b.transport.ServerKeys(probeCtx, peerID)
				if err != nil || serverKeys == nil {
					if probeCtx.Err() == nil {
						b.logger.WithField("peer", peerID).Warn("Identity not found")
						b.memberStore.RemoveMember(roomID, peerID)
					}
					return nil
				}
				// An empty member set means we do not replicate the room
				// yet (bootstrap from an invite); any responsive peer from
				// the member store is acceptable then.
				if _, ok := members[serverKeys.Server]; !ok && len(members) > 0 {
					b.logger.WithFields(logrus.Fields{
						"peer":    peerID,
						"room_id": roomID,
					}).Warn("Peer is not a member")
					b.memberStore.RemoveMember(roomID, peerID)
					return nil
				}
				b.peerStore.Put(peers.NewPeer(serverKeys.Server, serverKeys))
				mu.Lock()
				_, seen := distinct[serverKeys.Server]
				if !seen {
					distinct[serverKeys.Server] = struct{}{}
				}
				quotaReached := len(distinct) >= MaxDestinations
				mu.Unlock()
				if !seen {
					select {
					case out <- serverKeys.Server:
					case <-probeCtx.Done():
						return nil
					}
				}
				if quotaReached {
					cancel()
				}
				return nil
			})
		}
		_ = group.Wait()
	}()
	return out
}

// Backfill fetches the missing ancestors of the given events from room
// members and runs everything through the receiver. Termination is
// bounded: at most MaxDestinations peers are consulted, each page is
// capped, and a peer that stops yielding new events ends its walk.
func (b *Backfiller) Backfill(ctx context.Context, pdus []*rooms.Event) error {
	if len(pdus) == 0 {
		return nil
	}
	roomID := pdus[0].RoomID
	if len(b.memberStore.Members(roomID)) == 0 {
		b.logger.WithField("room_id", roomID).Debug("No member peers known")
		return nil
	}
	snapshot, err := b.store.Snapshot(roomID)
	if err != nil {
		return err
	}
	members := joinedPeerIDs(snapshot)

	destinations := b.findDestinations(ctx, roomID, members)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(MaxConcurrentPeers)
	for destination := range destinations {
		destination := destination
		group.Go(func() error {
			received, err := b.FetchMissingEvents(ctx, roomID, destination, snapshot.LatestEventIDs, pdus)
			if err != nil {
				b.logger.WithField("destination", destination).WithError(err).Debug("Error getting missing events")
				return nil
			}
			if len(received) == 0 {
				return nil
			}
			b.receive(roomID, append(received, pdus...))
			return nil
		})
	}
	return group.Wait()
}

// PullLatestEvents asks one peer for its latest timeline events and
// reconciles anything unknown, gap included.
func (b *Backfiller) PullLatestEvents(ctx context.Context, roomID, destination string) error {
	signed, err := federation.SignRequest(b.identity, "GET", federation.BackfillPath(roomID), destination, &federation.BackfillRequest{
		Limit: federation.DefaultBackfillLimit,
	})
	if err != nil {
		return err
	}
	raw, err := b.transport.Send(ctx, destination, signed)
	if err != nil {
		b.logger.WithField("destination", destination).WithError(err).Debug("Error fetching events")
		return nil
	}
	var resp federation.BackfillResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		b.logger.WithField("destination", destination).WithError(err).Warn("Error decoding events")
		return nil
	}
	newEvents := make(map[string]*rooms.Event, len(resp.PDUs))
	for _, ev := range resp.PDUs {
		if !rooms.VerifyHash(ev) {
			b.logger.Warn("Event hash not valid")
			continue
		}
		newEvents[rooms.MustEventID(ev)] = ev
	}
	roomStore := b.store.ForRoom(roomID)
	missing, err := roomStore.MissingEventIDs(idsOf(newEvents))
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	b.logger.WithFields(logrus.Fields{
		"destination": destination,
		"count":       len(missing),
	}).Debug("Backfilling unresolved events")
	snapshot, err := b.store.Snapshot(roomID)
	if err != nil {
		return err
	}
	pdus := make([]*rooms.Event, 0, len(missing))
	for _, eventID := range missing {
		pdus = append(pdus, newEvents[eventID])
	}
	received, err := b.FetchMissingEvents(ctx, roomID, destination, snapshot.LatestEventIDs, pdus)
	if err != nil {
		return err
	}
	b.receive(roomID, append(received, pdus...))
	return nil
}

// receive pushes fetched events through the room's receiver and logs any
// per-event rejections.
func (b *Backfiller) receive(roomID string, events []*rooms.Event) {
	receiver := rooms.NewReceiver(roomID, b.peerStore, b.store.ForRoom(roomID), b.saver, b.logger)
	verdicts, err := receiver.ReceiveEvents(events)
	if err != nil {
		b.logger.WithField("room_id", roomID).WithError(err).Warn("Error receiving events")
		return
	}
	for eventID, verdict := range verdicts {
		if verdict != nil {
			b.logger.WithFields(logrus.Fields{
				"event_id": eventID,
				"error":    verdict,
			}).Warn("Error receiving event")
		}
	}
}

func joinedPeerIDs(snapshot *rooms.RoomSnapshot) map[string]struct{} {
	members := make(map[string]struct{})
	for key, content := range snapshot.StateContents {
		if key.EventType != rooms.EventTypeMember {
			continue
		}
		decoded, ok := rooms.DecodeControlContent(key.EventType, content)
		if !ok {
			continue
		}
		member := decoded.(*rooms.MemberContent)
		if member.Membership != rooms.MembershipJoin {
			continue
		}
		if user, ok := rooms.ParseUserID(key.StateKey); ok {
			members[user.PeerID] = struct{}{}
		}
	}
	return members
}

func ancestorsOf(events []*rooms.Event) []string {
	var ids []string
	for _, ev := range events {
		ids = append(ids, ev.Ancestors()...)
	}
	return dedupe(ids)
}

func eventsOf(m map[string]*rooms.Event) []*rooms.Event {
	events := make([]*rooms.Event, 0, len(m))
	for _, ev := range m {
		events = append(events, ev)
	}
	return events
}

func idsOf(m map[string]*rooms.Event) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var result []string
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	return result
}

func anyIn(ids []string, set map[string]struct{}) bool {
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
