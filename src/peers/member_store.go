package peers

import (
	"sort"
	"sync"
)

// MemberStore maps room ids to the overlay peers believed to be members of
// the room. It is advisory: entries are added from gossip and pruned when a
// peer turns out to be unreachable or not actually a member.
type MemberStore struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

// NewMemberStore ...
func NewMemberStore() *MemberStore {
	return &MemberStore{
		members: make(map[string]map[string]struct{}),
	}
}

// AddMember records that peerID holds a replica of roomID.
func (s *MemberStore) AddMember(roomID, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.members[roomID]
	if !ok {
		room = make(map[string]struct{})
		s.members[roomID] = room
	}
	room[peerID] = struct{}{}
}

// RemoveMember forgets a peer for a room.
func (s *MemberStore) RemoveMember(roomID, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.members[roomID]; ok {
		delete(room, peerID)
		if len(room) == 0 {
			delete(s.members, roomID)
		}
	}
}

// Members returns the known member peers of a room in stable order.
func (s *MemberStore) Members(roomID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.members[roomID]
	ids := make([]string, 0, len(room))
	for id := range room {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
