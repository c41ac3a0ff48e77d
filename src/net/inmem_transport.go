package net

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chatmesh/chatmesh/src/federation"
	"github.com/chatmesh/chatmesh/src/peers"
)

// InmemRouter connects in-memory transports by peer id. All nodes of a
// test or single-process deployment share one router.
type InmemRouter struct {
	mu    sync.RWMutex
	nodes map[string]*inmemNode
}

type inmemNode struct {
	handler RequestHandler
	keys    *peers.ServerKeys
}

// NewInmemRouter ...
func NewInmemRouter() *InmemRouter {
	return &InmemRouter{nodes: make(map[string]*inmemNode)}
}

// AddPeer registers a peer's handler and key bundle and returns the
// transport the peer uses to talk to everyone else.
func (r *InmemRouter) AddPeer(peerID string, handler RequestHandler, keys *peers.ServerKeys) *InmemTransport {
	r.mu.Lock()
	r.nodes[peerID] = &inmemNode{handler: handler, keys: keys}
	r.mu.Unlock()
	return &InmemTransport{router: r, local: peerID}
}

// RemovePeer unregisters a peer, simulating it going offline.
func (r *InmemRouter) RemovePeer(peerID string) {
	r.mu.Lock()
	delete(r.nodes, peerID)
	r.mu.Unlock()
}

func (r *InmemRouter) lookup(peerID string) (*inmemNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[peerID]
	return node, ok
}

// InmemTransport delivers requests synchronously through a shared router.
type InmemTransport struct {
	router *InmemRouter
	local  string
}

// Send implements Transport.
func (t *InmemTransport) Send(ctx context.Context, peerID string, req *federation.SignedRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node, ok := t.router.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("peer %s not reachable", peerID)
	}
	return node.handler.HandleRequest(req)
}

// ServerKeys implements Transport.
func (t *InmemTransport) ServerKeys(ctx context.Context, peerID string) (*peers.ServerKeys, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	node, ok := t.router.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("peer %s not reachable", peerID)
	}
	return node.keys, nil
}

// Close implements Transport.
func (t *InmemTransport) Close() error {
	t.router.RemovePeer(t.local)
	return nil
}
