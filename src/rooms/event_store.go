package rooms

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/chatmesh/chatmesh/src/common"
	"github.com/chatmesh/chatmesh/src/storage"
)

const (
	creatorPrefix   = "creator"
	eventPrefix     = "event"
	statesPrefix    = "states"
	snapshotPrefix  = "snapshot"
	timelinePrefix  = "timeline"
	batchPrefix     = "batch"
	userRoomsKey    = "user_rooms"
	currentBatchKey = "current_batch"
)

func creatorKey(roomID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", creatorPrefix, roomID))
}

func eventKey(roomID, eventID string) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s", eventPrefix, roomID, eventID))
}

func statesKey(roomID, eventID string) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s", statesPrefix, roomID, eventID))
}

func snapshotKey(roomID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", snapshotPrefix, roomID))
}

func timelineKey(roomID, eventID string) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s", timelinePrefix, roomID, eventID))
}

func batchKey(batchID string) []byte {
	return []byte(fmt.Sprintf("%s_%s", batchPrefix, batchID))
}

type stateEntry struct {
	EventType string `json:"type"`
	StateKey  string `json:"state_key"`
	EventID   string `json:"event_id"`
}

type snapshotStateEntry struct {
	EventType string          `json:"type"`
	StateKey  string          `json:"state_key"`
	EventID   string          `json:"event_id"`
	Content   json.RawMessage `json:"content"`
}

type snapshotRecord struct {
	LatestEventIDs []string             `json:"latest_event_ids"`
	GraphDepth     int64                `json:"graph_depth"`
	States         []snapshotStateEntry `json:"states"`
}

// TimelineRecord links a timeline event to its neighbors in the room,
// forming a chain clients can page through in either direction.
type TimelineRecord struct {
	PreviousEventID string `json:"previous_event_id,omitempty"`
	NextEventID     string `json:"next_event_id,omitempty"`
}

// UserRooms is the local user's room ledger: rooms joined and left, plus
// pending invites and knocks with their stripped state.
type UserRooms struct {
	Joined  []string                        `json:"joined"`
	Left    []string                        `json:"left"`
	Invites map[string][]StrippedStateEvent `json:"invites"`
	Knocks  map[string][]StrippedStateEvent `json:"knocks"`
}

// NewUserRooms returns an empty ledger.
func NewUserRooms() *UserRooms {
	return &UserRooms{
		Invites: make(map[string][]StrippedStateEvent),
		Knocks:  make(map[string][]StrippedStateEvent),
	}
}

// IsJoined reports whether the user is currently joined to the room.
func (u *UserRooms) IsJoined(roomID string) bool {
	for _, id := range u.Joined {
		if id == roomID {
			return true
		}
	}
	return false
}

func addUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeString(ids []string, id string) []string {
	res := ids[:0]
	for _, existing := range ids {
		if existing != id {
			res = append(res, existing)
		}
	}
	return res
}

func encodeStateMap(states StateMap) ([]byte, error) {
	entries := make([]stateEntry, 0, len(states))
	for key, eventID := range states {
		entries = append(entries, stateEntry{
			EventType: key.EventType,
			StateKey:  key.StateKey,
			EventID:   eventID,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EventType != entries[j].EventType {
			return entries[i].EventType < entries[j].EventType
		}
		return entries[i].StateKey < entries[j].StateKey
	})
	return json.Marshal(entries)
}

func decodeStateMap(data []byte) (StateMap, error) {
	var entries []stateEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	states := make(StateMap, len(entries))
	for _, e := range entries {
		states[RoomStateKey{EventType: e.EventType, StateKey: e.StateKey}] = e.EventID
	}
	return states, nil
}

func encodeSnapshot(snapshot *RoomSnapshot) ([]byte, error) {
	rec := snapshotRecord{
		LatestEventIDs: snapshot.LatestEventIDs,
		GraphDepth:     snapshot.GraphDepth,
	}
	for key, eventID := range snapshot.States {
		rec.States = append(rec.States, snapshotStateEntry{
			EventType: key.EventType,
			StateKey:  key.StateKey,
			EventID:   eventID,
			Content:   snapshot.StateContents[key],
		})
	}
	sort.Slice(rec.States, func(i, j int) bool {
		if rec.States[i].EventType != rec.States[j].EventType {
			return rec.States[i].EventType < rec.States[j].EventType
		}
		return rec.States[i].StateKey < rec.States[j].StateKey
	})
	return json.Marshal(rec)
}

func decodeSnapshot(data []byte) (*RoomSnapshot, error) {
	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	snapshot := NewRoomSnapshot()
	snapshot.LatestEventIDs = rec.LatestEventIDs
	snapshot.GraphDepth = rec.GraphDepth
	for _, e := range rec.States {
		key := RoomStateKey{EventType: e.EventType, StateKey: e.StateKey}
		snapshot.States[key] = e.EventID
		snapshot.StateContents[key] = e.Content
	}
	return snapshot, nil
}

// EventStore is the content-addressed room event store. It persists every
// room's graph, per-event resolved state, snapshots, the local user's room
// ledger and the timeline chain in one key-value store, and keeps LRU
// caches over the immutable records.
//
// Reads go through short-lived snapshot sessions and take no lock. Writes
// are serialized: Update admits one writer at a time and commits all of the
// session's writes atomically, so readers observe either none or all of a
// save.
type EventStore struct {
	kv     storage.Store
	logger *logrus.Entry

	writeMu sync.Mutex

	events *lru.Cache[string, *Event]
	states *lru.Cache[string, StateMap]
}

// NewEventStore creates an EventStore over a key-value backend.
func NewEventStore(kv storage.Store, cacheSize int, logger *logrus.Entry) (*EventStore, error) {
	eventCache, err := lru.New[string, *Event](cacheSize)
	if err != nil {
		return nil, err
	}
	stateCache, err := lru.New[string, StateMap](cacheSize)
	if err != nil {
		return nil, err
	}
	return &EventStore{
		kv:     kv,
		logger: logger,
		events: eventCache,
		states: stateCache,
	}, nil
}

// Close closes the underlying key-value store.
func (s *EventStore) Close() error {
	return s.kv.Close()
}

func cacheKey(roomID, eventID string) string {
	return roomID + "/" + eventID
}

// HasRoom reports whether the room has a recorded creator, the mark of a
// room with at least its creation event saved.
func (s *EventStore) HasRoom(roomID string) (bool, error) {
	session := s.kv.View()
	defer session.Discard()
	return session.Has(creatorKey(roomID))
}

// Rooms lists the ids of all rooms present in the store.
func (s *EventStore) Rooms() ([]string, error) {
	session := s.kv.View()
	defer session.Discard()
	prefix := creatorPrefix + "_"
	var rooms []string
	err := session.Iterate([]byte(prefix), func(key, value []byte) (bool, error) {
		rooms = append(rooms, strings.TrimPrefix(string(key), prefix))
		return true, nil
	})
	return rooms, err
}

// Creator returns the sender of the room's creation event.
func (s *EventStore) Creator(roomID string) (string, error) {
	session := s.kv.View()
	defer session.Discard()
	value, err := session.Get(creatorKey(roomID))
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return "", common.NewStoreErr("Creator", common.NoCreator, roomID)
		}
		return "", err
	}
	return string(value), nil
}

// LoadEvent returns an event from the cache or the backend.
func (s *EventStore) LoadEvent(roomID, eventID string) (*Event, error) {
	if ev, ok := s.events.Get(cacheKey(roomID, eventID)); ok {
		return ev, nil
	}
	session := s.kv.View()
	defer session.Discard()
	value, err := session.Get(eventKey(roomID, eventID))
	if err != nil {
		return nil, err
	}
	ev := new(Event)
	if err := ev.Unmarshal(value); err != nil {
		return nil, err
	}
	s.events.Add(cacheKey(roomID, eventID), ev)
	return ev, nil
}

// LoadStates returns the state map recorded for an event.
func (s *EventStore) LoadStates(roomID, eventID string) (StateMap, error) {
	if states, ok := s.states.Get(cacheKey(roomID, eventID)); ok {
		return states, nil
	}
	session := s.kv.View()
	defer session.Discard()
	value, err := session.Get(statesKey(roomID, eventID))
	if err != nil {
		return nil, err
	}
	states, err := decodeStateMap(value)
	if err != nil {
		return nil, err
	}
	s.states.Add(cacheKey(roomID, eventID), states)
	return states, nil
}

// HasEvent reports whether the event is stored for the room.
func (s *EventStore) HasEvent(roomID, eventID string) (bool, error) {
	if s.events.Contains(cacheKey(roomID, eventID)) {
		return true, nil
	}
	session := s.kv.View()
	defer session.Discard()
	return session.Has(eventKey(roomID, eventID))
}

// MissingEventIDs filters ids down to those absent from the room graph.
func (s *EventStore) MissingEventIDs(roomID string, eventIDs []string) ([]string, error) {
	var missing []string
	for _, id := range eventIDs {
		ok, err := s.HasEvent(roomID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Snapshot returns the room's current snapshot, or the empty snapshot for a
// room the store has never seen.
func (s *EventStore) Snapshot(roomID string) (*RoomSnapshot, error) {
	session := s.kv.View()
	defer session.Discard()
	value, err := session.Get(snapshotKey(roomID))
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return NewRoomSnapshot(), nil
		}
		return nil, err
	}
	return decodeSnapshot(value)
}

// UserRooms returns the local user's room ledger.
func (s *EventStore) UserRooms() (*UserRooms, error) {
	session := s.kv.View()
	defer session.Discard()
	return loadUserRooms(session)
}

// TimelineRecord returns the timeline link stored for an event.
func (s *EventStore) TimelineRecord(roomID, eventID string) (*TimelineRecord, error) {
	session := s.kv.View()
	defer session.Discard()
	value, err := session.Get(timelineKey(roomID, eventID))
	if err != nil {
		return nil, err
	}
	var rec TimelineRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CurrentBatchID returns the id of the latest timeline batch, or "" when no
// event has ever been saved.
func (s *EventStore) CurrentBatchID() (string, error) {
	session := s.kv.View()
	defer session.Discard()
	value, err := session.Get([]byte(currentBatchKey))
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(value), nil
}

// BatchLatestEventIDs returns, for a timeline batch, the latest timeline
// event id of each room at the time the batch was written.
func (s *EventStore) BatchLatestEventIDs(batchID string) (map[string]string, error) {
	session := s.kv.View()
	defer session.Discard()
	return loadBatch(session, batchID)
}

// ForRoom returns the read view of a single room's graph.
func (s *EventStore) ForRoom(roomID string) RoomEventStore {
	return &readRoomView{store: s, roomID: roomID}
}

// Update runs fn inside a writable session and commits it if fn succeeds.
// One writer at a time; an error discards every buffered write.
func (s *EventStore) Update(fn func(*StoreSession) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	session := &StoreSession{
		store:        s,
		kv:           s.kv.Update(),
		stagedEvents: make(map[string]*Event),
		stagedStates: make(map[string]StateMap),
	}
	defer session.kv.Discard()

	if err := fn(session); err != nil {
		return err
	}
	if err := session.kv.Commit(); err != nil {
		return err
	}
	for key, ev := range session.stagedEvents {
		s.events.Add(key, ev)
	}
	for key, states := range session.stagedStates {
		s.states.Add(key, states)
	}
	return nil
}

type readRoomView struct {
	store  *EventStore
	roomID string
}

func (v *readRoomView) Creator() (string, error) {
	return v.store.Creator(v.roomID)
}

func (v *readRoomView) HasEvent(eventID string) (bool, error) {
	return v.store.HasEvent(v.roomID, eventID)
}

func (v *readRoomView) LoadEvent(eventID string) (*Event, error) {
	return v.store.LoadEvent(v.roomID, eventID)
}

func (v *readRoomView) LoadStates(eventID string) (StateMap, error) {
	return v.store.LoadStates(v.roomID, eventID)
}

func (v *readRoomView) MissingEventIDs(eventIDs []string) ([]string, error) {
	return v.store.MissingEventIDs(v.roomID, eventIDs)
}

func loadUserRooms(session storage.Session) (*UserRooms, error) {
	value, err := session.Get([]byte(userRoomsKey))
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return NewUserRooms(), nil
		}
		return nil, err
	}
	rooms := NewUserRooms()
	if err := json.Unmarshal(value, rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func loadBatch(session storage.Session, batchID string) (map[string]string, error) {
	value, err := session.Get(batchKey(batchID))
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	latest := make(map[string]string)
	if err := json.Unmarshal(value, &latest); err != nil {
		return nil, err
	}
	return latest, nil
}

// StoreSession is the typed view of one writable session. Everything staged
// through it becomes visible atomically on commit.
type StoreSession struct {
	store        *EventStore
	kv           storage.Session
	stagedEvents map[string]*Event
	stagedStates map[string]StateMap
}

// HasRoom reports whether the room has a recorded creator.
func (t *StoreSession) HasRoom(roomID string) (bool, error) {
	return t.kv.Has(creatorKey(roomID))
}

// SetCreator records the room's creator. Set exactly once, when the
// creation event is saved.
func (t *StoreSession) SetCreator(roomID, creator string) error {
	return t.kv.Set(creatorKey(roomID), []byte(creator))
}

// Creator returns the room's creator as seen by this session.
func (t *StoreSession) Creator(roomID string) (string, error) {
	value, err := t.kv.Get(creatorKey(roomID))
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return "", common.NewStoreErr("Creator", common.NoCreator, roomID)
		}
		return "", err
	}
	return string(value), nil
}

// HasEvent reports whether the event is stored, staged writes included.
func (t *StoreSession) HasEvent(roomID, eventID string) (bool, error) {
	if _, ok := t.stagedEvents[cacheKey(roomID, eventID)]; ok {
		return true, nil
	}
	return t.kv.Has(eventKey(roomID, eventID))
}

// LoadEvent returns an event, staged writes included.
func (t *StoreSession) LoadEvent(roomID, eventID string) (*Event, error) {
	if ev, ok := t.stagedEvents[cacheKey(roomID, eventID)]; ok {
		return ev, nil
	}
	value, err := t.kv.Get(eventKey(roomID, eventID))
	if err != nil {
		return nil, err
	}
	ev := new(Event)
	if err := ev.Unmarshal(value); err != nil {
		return nil, err
	}
	return ev, nil
}

// PutEvent stages an event together with the state resolved after it. The
// two always travel together; an event without its state map is useless to
// the resolver.
func (t *StoreSession) PutEvent(roomID, eventID string, ev *Event, states StateMap) error {
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	if err := t.kv.Set(eventKey(roomID, eventID), data); err != nil {
		return err
	}
	stateData, err := encodeStateMap(states)
	if err != nil {
		return err
	}
	if err := t.kv.Set(statesKey(roomID, eventID), stateData); err != nil {
		return err
	}
	t.stagedEvents[cacheKey(roomID, eventID)] = ev
	t.stagedStates[cacheKey(roomID, eventID)] = states
	return nil
}

// LoadStates returns an event's state map, staged writes included.
func (t *StoreSession) LoadStates(roomID, eventID string) (StateMap, error) {
	if states, ok := t.stagedStates[cacheKey(roomID, eventID)]; ok {
		return states, nil
	}
	value, err := t.kv.Get(statesKey(roomID, eventID))
	if err != nil {
		return nil, err
	}
	return decodeStateMap(value)
}

// MissingEventIDs filters ids down to those absent, staged writes included.
func (t *StoreSession) MissingEventIDs(roomID string, eventIDs []string) ([]string, error) {
	var missing []string
	for _, id := range eventIDs {
		ok, err := t.HasEvent(roomID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Snapshot returns the room snapshot as seen by this session.
func (t *StoreSession) Snapshot(roomID string) (*RoomSnapshot, error) {
	value, err := t.kv.Get(snapshotKey(roomID))
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return NewRoomSnapshot(), nil
		}
		return nil, err
	}
	return decodeSnapshot(value)
}

// PutSnapshot stages the room's new snapshot.
func (t *StoreSession) PutSnapshot(roomID string, snapshot *RoomSnapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return t.kv.Set(snapshotKey(roomID), data)
}

// UserRooms returns the ledger as seen by this session.
func (t *StoreSession) UserRooms() (*UserRooms, error) {
	return loadUserRooms(t.kv)
}

// PutUserRooms stages the local user's room ledger.
func (t *StoreSession) PutUserRooms(rooms *UserRooms) error {
	data, err := json.Marshal(rooms)
	if err != nil {
		return err
	}
	return t.kv.Set([]byte(userRoomsKey), data)
}

// TimelineRecord returns a timeline link as seen by this session.
func (t *StoreSession) TimelineRecord(roomID, eventID string) (*TimelineRecord, error) {
	value, err := t.kv.Get(timelineKey(roomID, eventID))
	if err != nil {
		return nil, err
	}
	var rec TimelineRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutTimelineRecord stages a timeline link.
func (t *StoreSession) PutTimelineRecord(roomID, eventID string, rec *TimelineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.kv.Set(timelineKey(roomID, eventID), data)
}

// CurrentBatchID returns the latest timeline batch id, "" when absent.
func (t *StoreSession) CurrentBatchID() (string, error) {
	value, err := t.kv.Get([]byte(currentBatchKey))
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return "", nil
		}
		return "", err
	}
	return string(value), nil
}

// BatchLatestEventIDs returns a timeline batch as seen by this session.
func (t *StoreSession) BatchLatestEventIDs(batchID string) (map[string]string, error) {
	return loadBatch(t.kv, batchID)
}

// PutBatch stages a new timeline batch and makes it current.
func (t *StoreSession) PutBatch(batchID string, latest map[string]string) error {
	data, err := json.Marshal(latest)
	if err != nil {
		return err
	}
	if err := t.kv.Set(batchKey(batchID), data); err != nil {
		return err
	}
	return t.kv.Set([]byte(currentBatchKey), []byte(batchID))
}

// ForRoom returns the read view of a room inside this session, staged
// writes included. The saver resolves state through it mid-save.
func (t *StoreSession) ForRoom(roomID string) RoomEventStore {
	return &sessionRoomView{session: t, roomID: roomID}
}

type sessionRoomView struct {
	session *StoreSession
	roomID  string
}

func (v *sessionRoomView) Creator() (string, error) {
	return v.session.Creator(v.roomID)
}

func (v *sessionRoomView) HasEvent(eventID string) (bool, error) {
	return v.session.HasEvent(v.roomID, eventID)
}

func (v *sessionRoomView) LoadEvent(eventID string) (*Event, error) {
	return v.session.LoadEvent(v.roomID, eventID)
}

func (v *sessionRoomView) LoadStates(eventID string) (StateMap, error) {
	return v.session.LoadStates(v.roomID, eventID)
}

func (v *sessionRoomView) MissingEventIDs(eventIDs []string) ([]string, error) {
	return v.session.MissingEventIDs(v.roomID, eventIDs)
}
