package rooms

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/chatmesh/chatmesh/src/crypto"
	"github.com/chatmesh/chatmesh/src/crypto/keys"
	"github.com/chatmesh/chatmesh/src/format"
	"github.com/chatmesh/chatmesh/src/peers"
)

// HashAlgorithm is the only algorithm accepted in an event's hashes field.
const HashAlgorithm = "sha256"

// hashableFields returns the event as a generic map with the given fields
// removed, preserving integer precision.
func hashableFields(e *Event, drop ...string) (map[string]interface{}, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	for _, f := range drop {
		delete(fields, f)
	}
	return fields, nil
}

// ComputeHash computes the identity hash of an event: the sha256 of its
// canonical encoding with the hashes, signatures and unsigned fields
// removed.
func ComputeHash(e *Event) ([]byte, error) {
	fields, err := hashableFields(e, "hashes", "signatures", "unsigned")
	if err != nil {
		return nil, err
	}
	data, err := format.Encode(fields)
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(data), nil
}

// UpdateHash computes the event's identity hash and stores it in the hashes
// field, replacing whatever was there.
func UpdateHash(e *Event) error {
	hash, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.Hashes = map[string]string{HashAlgorithm: format.EncodeBase64(hash)}
	return nil
}

// VerifyHash recomputes the event's identity hash and checks it against the
// hashes field. The field must contain exactly the sha256 entry.
func VerifyHash(e *Event) bool {
	if len(e.Hashes) != 1 {
		return false
	}
	stored, ok := e.Hashes[HashAlgorithm]
	if !ok {
		return false
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return false
	}
	return stored == format.EncodeBase64(hash)
}

// EventID derives the event id from the stored identity hash: a '$'
// followed by the URL-safe translation of the unpadded base64 hash. It does
// not recompute the hash; the second return is false when the hashes field
// is absent or malformed.
func EventID(e *Event) (string, bool) {
	if len(e.Hashes) != 1 {
		return "", false
	}
	hash, ok := e.Hashes[HashAlgorithm]
	if !ok {
		return "", false
	}
	return "$" + format.ToURLSafe(hash), true
}

// MustEventID is EventID for events known to carry a valid hash, such as
// events just hashed locally.
func MustEventID(e *Event) string {
	id, ok := EventID(e)
	if !ok {
		panic(fmt.Sprintf("event of type %s has no identity hash", e.EventType))
	}
	return id
}

// signableBytes is the canonical encoding of the event with signatures and
// unsigned removed. The hashes field stays in, binding the signature to the
// event's identity.
func signableBytes(e *Event) ([]byte, error) {
	fields, err := hashableFields(e, "signatures", "unsigned")
	if err != nil {
		return nil, err
	}
	return format.Encode(fields)
}

// SignEvent signs the event with the local identity and records the
// signature under the identity's peer and key ids.
func SignEvent(e *Event, identity *peers.LocalIdentity) error {
	data, err := signableBytes(e)
	if err != nil {
		return err
	}
	sig := identity.Sign(data)
	if e.Signatures == nil {
		e.Signatures = make(Signatures, 1)
	}
	e.Signatures[identity.ID] = map[string]string{identity.KeyID: sig}
	return nil
}

// VerifyEventSignature checks the signature the given peer placed on the
// event against the peer's published verify keys. All key entries recorded
// for the peer must verify.
func VerifyEventSignature(e *Event, peer *peers.Peer) bool {
	sigs, ok := e.Signatures[peer.ID]
	if !ok || len(sigs) == 0 {
		return false
	}
	data, err := signableBytes(e)
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
