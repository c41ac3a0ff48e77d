// Package federation defines the signed peer-to-peer request envelope and
// the handlers that answer graph queries from other peers: fetching missing
// events, paging the timeline backwards, and accepting pushed events.
package federation

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/chatmesh/chatmesh/src/crypto/keys"
	"github.com/chatmesh/chatmesh/src/format"
	"github.com/chatmesh/chatmesh/src/peers"
)

// SignedRequest is the envelope of every federation exchange. The origin
// peer signs the canonical encoding of the envelope minus the signatures
// field, binding method, target, timestamp, destination and body together.
type SignedRequest struct {
	Method         string                       `json:"method"`
	URI            string                       `json:"uri"`
	Origin         string                       `json:"origin"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Destination    string                       `json:"destination"`
	Content        json.RawMessage              `json:"content,omitempty"`
	ServerKeys     *peers.ServerKeys            `json:"server_keys,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
}

func signableRequestBytes(req *SignedRequest) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	delete(fields, "signatures")
	return format.Encode(fields)
}

// SignRequest builds and signs a request envelope. A nil content marshals
// to an absent body, as for GET-style queries.
func SignRequest(identity *peers.LocalIdentity, method, uri, destination string, content interface{}) (*SignedRequest, error) {
	var body json.RawMessage
	if content != nil {
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		body = raw
	}
	req := &SignedRequest{
		Method:         method,
		URI:            uri,
		Origin:         identity.ID,
		OriginServerTS: time.Now().UnixMilli(),
		Destination:    destination,
		Content:        body,
		ServerKeys:     identity.ServerKeys(),
	}
	data, err := signableRequestBytes(req)
	if err != nil {
		return nil, err
	}
	req.Signatures = map[string]map[string]string{
		identity.ID: {identity.KeyID: identity.Sign(data)},
	}
	return req, nil
}

// VerifyRequest checks the origin peer's signature on a request envelope.
func VerifyRequest(req *SignedRequest, peer *peers.Peer) bool {
	sigs, ok := req.Signatures[peer.ID]
	if !ok || len(sigs) == 0 {
		return false
	}
	data, err := signableRequestBytes(req)
	if err != nil {
		return false
	}
	for keyID, sig := range sigs {
		key, ok := peer.VerifyKeyFor(keyID)
		if !ok {
			return false
		}
		if !keys.Verify(key, data, sig) {
			return false
		}
	}
	return true
}
