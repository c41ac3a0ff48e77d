// Package rooms implements the room event graph engine: content-addressed
// event storage, cryptographic event identity, the authorization rule
// engine, state resolution, event creation and the single commit path.
//
// A room is a DAG of immutable, hash-identified events replicated between
// peers. Each peer authorizes every mutation locally using only data already
// present in its replica; there is no central authority.
package rooms

import (
	"bytes"
	"encoding/json"

	"github.com/chatmesh/chatmesh/src/peers"
)

// RoomStateKey identifies one piece of durable room state: the pair of event
// type and state key. The state key is empty for singleton state (creation,
// power levels) and a user identifier for per-user state (membership).
type RoomStateKey struct {
	EventType string `json:"type"`
	StateKey  string `json:"state_key"`
}

// StateMap maps each piece of room state to the id of the event that defines
// it.
type StateMap map[RoomStateKey]string

// Copy creates a clone of a StateMap.
func (m StateMap) Copy() StateMap {
	res := make(StateMap, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}

// StateContents maps each piece of room state to the content of its defining
// event. It is always the dereferenced form of a StateMap; the two must
// never diverge.
type StateContents map[RoomStateKey]json.RawMessage

// Copy creates a clone of a StateContents map.
func (m StateContents) Copy() StateContents {
	res := make(StateContents, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}

// Signatures maps peer id to key id to an unpadded base64 signature.
type Signatures map[string]map[string]string

// Event is the persistent data unit of a room: immutable once hashed. The
// field order follows the wire format; the JSON form of an Event, minus its
// hashes, signatures and unsigned fields, is the input to identity hashing.
type Event struct {
	AuthEvents     []string          `json:"auth_events"`
	Content        json.RawMessage   `json:"content"`
	Depth          int64             `json:"depth"`
	Hashes         map[string]string `json:"hashes,omitempty"`
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PrevEvents     []string          `json:"prev_events"`
	Redacts        string            `json:"redacts,omitempty"`
	RoomID         string            `json:"room_id"`
	Sender         string            `json:"sender"`
	ServerKeys     *peers.ServerKeys `json:"server_keys,omitempty"`
	Signatures     Signatures        `json:"signatures,omitempty"`
	StateKey       *string           `json:"state_key,omitempty"`
	EventType      string            `json:"type"`
	Unsigned       json.RawMessage   `json:"unsigned,omitempty"`
}

// IsState reports whether the event carries a state key. Presence of the
// field, even empty, marks a state event.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// RoomStateKey returns the state key pair of a state event.
func (e *Event) RoomStateKey() (RoomStateKey, bool) {
	if e.StateKey == nil {
		return RoomStateKey{}, false
	}
	return RoomStateKey{EventType: e.EventType, StateKey: *e.StateKey}, true
}

// Ancestors returns the ids referenced by the event's auth_events and
// prev_events, deduplicated.
func (e *Event) Ancestors() []string {
	seen := make(map[string]struct{}, len(e.AuthEvents)+len(e.PrevEvents))
	var res []string
	for _, ids := range [][]string{e.AuthEvents, e.PrevEvents} {
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				res = append(res, id)
			}
		}
	}
	return res
}

// Marshal returns the JSON encoding of the event.
func (e *Event) Marshal() ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal converts a JSON encoded event.
func (e *Event) Unmarshal(data []byte) error {
	return json.Unmarshal(data, e)
}

// StrippedStateEvent is the abbreviated state event that travels with
// out-of-room invites and knocks: enough for a client to display the room
// without holding its graph.
type StrippedStateEvent struct {
	Content   json.RawMessage `json:"content"`
	Sender    string          `json:"sender"`
	StateKey  string          `json:"state_key"`
	EventType string          `json:"type"`
}

// StringPtr is a convenience for filling the optional state key.
func StringPtr(s string) *string {
	return &s
}
