package peers

import "sync"

// PeerStore holds the identities of all peers this node has handshaked with.
// It is safe for concurrent use.
type PeerStore struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewPeerStore ...
func NewPeerStore() *PeerStore {
	return &PeerStore{
		peers: make(map[string]*Peer),
	}
}

// Get returns the peer with the given id.
func (s *PeerStore) Get(id string) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// Put records a peer identity, replacing any previous entry.
func (s *PeerStore) Put(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID] = p
}

// Remove forgets a peer.
func (s *PeerStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// IDs returns the ids of all known peers.
func (s *PeerStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}
