// Package net abstracts how signed federation requests travel between
// peers. The engine only ever talks through the Transport interface; the
// in-memory implementation wires handlers together directly for tests and
// single-process setups.
package net

import (
	"context"
	"encoding/json"

	"github.com/chatmesh/chatmesh/src/federation"
	"github.com/chatmesh/chatmesh/src/peers"
)

// RequestHandler is the receiving side of a transport: something that can
// answer a signed federation request.
type RequestHandler interface {
	HandleRequest(req *federation.SignedRequest) (json.RawMessage, error)
}

// Transport delivers signed requests to remote peers.
type Transport interface {
	// Send delivers a request to the destination peer and returns its JSON
	// response.
	Send(ctx context.Context, peerID string, req *federation.SignedRequest) (json.RawMessage, error)

	// ServerKeys fetches the published key bundle of a peer, used to
	// confirm a peer still answers for its identity before backfilling
	// from it.
	ServerKeys(ctx context.Context, peerID string) (*peers.ServerKeys, error)

	// Close shuts the transport down.
	Close() error
}
