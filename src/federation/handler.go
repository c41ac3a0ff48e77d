package federation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chatmesh/chatmesh/src/peers"
	"github.com/chatmesh/chatmesh/src/rooms"
)

// ErrBadRequestSignature rejects envelopes whose origin cannot be verified.
var ErrBadRequestSignature = errors.New("request signature verification failed")

// Handler answers federation requests against the local store. It trusts a
// peer on first use: an unknown origin is admitted when the envelope's
// embedded key bundle belongs to the origin and verifies the envelope, and
// the bundle is recorded in the peer store for future events.
type Handler struct {
	identity  *peers.LocalIdentity
	store     *rooms.EventStore
	saver     *rooms.EventSaver
	peerStore *peers.PeerStore
	logger    *logrus.Entry
}

// NewHandler creates a Handler.
func NewHandler(identity *peers.LocalIdentity, store *rooms.EventStore, saver *rooms.EventSaver, peerStore *peers.PeerStore, logger *logrus.Entry) *Handler {
	return &Handler{
		identity:  identity,
		store:     store,
		saver:     saver,
		peerStore: peerStore,
		logger:    logger,
	}
}

// authenticate verifies the envelope and returns the origin peer. A request
// addressed to another peer is rejected even when its signature is valid, so
// a captured envelope cannot be replayed elsewhere.
func (h *Handler) authenticate(req *SignedRequest) (*peers.Peer, error) {
	if req.Destination != h.identity.ID {
		return nil, ErrBadRequestSignature
	}
	peer, ok := h.peerStore.Get(req.Origin)
	if !ok {
		if req.ServerKeys == nil || req.ServerKeys.Server != req.Origin {
			return nil, ErrBadRequestSignature
		}
		peer = peers.NewPeer(req.Origin, req.ServerKeys)
	}
	if !VerifyRequest(req, peer) {
		return nil, ErrBadRequestSignature
	}
	if !ok {
		h.peerStore.Put(peer)
	}
	return peer, nil
}

// HandleRequest authenticates and dispatches one federation request,
// returning the JSON response body.
func (h *Handler) HandleRequest(req *SignedRequest) (json.RawMessage, error) {
	if _, err := h.authenticate(req); err != nil {
		return nil, err
	}
	if roomID, ok := roomOf(req.URI, GetMissingEventsPrefix); ok {
		var body GetMissingEventsRequest
		if err := json.Unmarshal(req.Content, &body); err != nil {
			return nil, err
		}
		resp, err := h.GetMissingEvents(roomID, &body)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
	if roomID, ok := roomOf(req.URI, BackfillPrefix); ok {
		var body BackfillRequest
		if len(req.Content) > 0 {
			if err := json.Unmarshal(req.Content, &body); err != nil {
				return nil, err
			}
		}
		resp, err := h.Backfill(roomID, body.Limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
	if roomID, ok := roomOf(req.URI, PushEventsPrefix); ok {
		var body PushEventsRequest
		if err := json.Unmarshal(req.Content, &body); err != nil {
			return nil, err
		}
		resp, err := h.PushEvents(roomID, body.Events)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
	return nil, ErrUnknownEndpoint{URI: req.URI}
}

// GetMissingEvents walks the graph backwards from latest_events, stopping
// at earliest_events, and returns up to limit events per page. Callers page
// by moving their latest frontier backwards between calls.
func (h *Handler) GetMissingEvents(roomID string, req *GetMissingEventsRequest) (*GetMissingEventsResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > DefaultMissingEventsLimit {
		limit = DefaultMissingEventsLimit
	}
	earliest := make(map[string]struct{}, len(req.EarliestEvents))
	for _, id := range req.EarliestEvents {
		earliest[id] = struct{}{}
	}
	roomStore := h.store.ForRoom(roomID)

	visited := make(map[string]struct{})
	frontier := []string{}
	for _, id := range req.LatestEvents {
		if _, ok := earliest[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		frontier = append(frontier, id)
	}
	var events []*rooms.Event
	for len(frontier) > 0 && len(events) < limit {
		var next []string
		for _, eventID := range frontier {
			ev, ok, err := rooms.TryLoadEvent(roomStore, eventID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if ev.Depth < req.MinDepth {
				continue
			}
			events = append(events, ev)
			if len(events) >= limit {
				break
			}
			for _, ancestorID := range ev.Ancestors() {
				if _, ok := earliest[ancestorID]; ok {
					continue
				}
				if _, ok := visited[ancestorID]; ok {
					continue
				}
				visited[ancestorID] = struct{}{}
				next = append(next, ancestorID)
			}
		}
		frontier = next
	}
	return &GetMissingEventsResponse{Events: events}, nil
}

// Backfill returns the room's latest timeline events, newest first.
func (h *Handler) Backfill(roomID string, limit int) (*BackfillResponse, error) {
	if limit <= 0 || limit > DefaultMissingEventsLimit {
		limit = DefaultBackfillLimit
	}
	events, err := rooms.LatestTimelineEvents(h.store, roomID, limit)
	if err != nil {
		return nil, err
	}
	return &BackfillResponse{
		Origin:         h.identity.ID,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           events,
	}, nil
}

// PushEvents runs pushed events through the room's receiver.
func (h *Handler) PushEvents(roomID string, events []*rooms.Event) (*PushEventsResponse, error) {
	receiver := rooms.NewReceiver(roomID, h.peerStore, h.store.ForRoom(roomID), h.saver, h.logger)
	verdicts, err := receiver.ReceiveEvents(events)
	if err != nil {
		return nil, err
	}
	resp := &PushEventsResponse{Errors: make(map[string]string)}
	for eventID, verdict := range verdicts {
		if verdict != nil {
			resp.Errors[eventID] = verdict.Error()
		}
	}
	return resp, nil
}
