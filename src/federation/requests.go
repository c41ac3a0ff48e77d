package federation

import (
	"fmt"
	"strings"

	"github.com/chatmesh/chatmesh/src/rooms"
)

// Federation endpoint prefixes. The URI of a SignedRequest is one of these
// followed by the room id.
const (
	GetMissingEventsPrefix = "/federation/v1/get_missing_events/"
	BackfillPrefix         = "/federation/v1/backfill/"
	PushEventsPrefix       = "/federation/v1/push_events/"
)

// DefaultMissingEventsLimit caps how many events one get_missing_events
// page returns.
const DefaultMissingEventsLimit = 100

// DefaultBackfillLimit caps how many timeline events one backfill query
// returns.
const DefaultBackfillLimit = 20

// GetMissingEventsPath builds the target of a get_missing_events query.
func GetMissingEventsPath(roomID string) string {
	return GetMissingEventsPrefix + roomID
}

// BackfillPath builds the target of a backfill query.
func BackfillPath(roomID string) string {
	return BackfillPrefix + roomID
}

// PushEventsPath builds the target of an event push.
func PushEventsPath(roomID string) string {
	return PushEventsPrefix + roomID
}

// roomOf extracts the room id from a request target with the given prefix.
func roomOf(uri, prefix string) (string, bool) {
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	roomID := strings.TrimPrefix(uri, prefix)
	if roomID == "" {
		return "", false
	}
	return roomID, true
}

// GetMissingEventsRequest asks a peer for the events between two frontiers
// of the room graph: everything reachable backwards from latest_events that
// is not reachable from earliest_events, up to limit per page.
type GetMissingEventsRequest struct {
	EarliestEvents []string `json:"earliest_events"`
	LatestEvents   []string `json:"latest_events"`
	Limit          int      `json:"limit"`
	MinDepth       int64    `json:"min_depth"`
}

// GetMissingEventsResponse carries one page of missing events.
type GetMissingEventsResponse struct {
	Events []*rooms.Event `json:"events"`
}

// BackfillRequest asks a peer for its latest timeline events.
type BackfillRequest struct {
	Limit int `json:"limit"`
}

// BackfillResponse carries a peer's latest timeline events, newest first.
type BackfillResponse struct {
	Origin         string         `json:"origin"`
	OriginServerTS int64          `json:"origin_server_ts"`
	PDUs           []*rooms.Event `json:"pdus"`
}

// PushEventsRequest carries events pushed by their origin to room members.
type PushEventsRequest struct {
	Events []*rooms.Event `json:"events"`
}

// PushEventsResponse reports per-event rejections, keyed by event id.
type PushEventsResponse struct {
	Errors map[string]string `json:"errors,omitempty"`
}

// ErrUnknownEndpoint is returned for request targets no handler serves.
type ErrUnknownEndpoint struct {
	URI string
}

func (e ErrUnknownEndpoint) Error() string {
	return fmt.Sprintf("unknown federation endpoint: %s", e.URI)
}
