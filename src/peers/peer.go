// Package peers tracks the identities of remote peers and which peers are
// known to hold a replica of each room.
package peers

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/chatmesh/chatmesh/src/crypto/keys"
)

// VerifyKey is a single entry of a server key bundle.
type VerifyKey struct {
	Key string `json:"key"`
}

// ServerKeys is the public key bundle a peer attaches to its events and
// signed requests.
type ServerKeys struct {
	Server       string                       `json:"server"`
	ValidUntilTS int64                        `json:"valid_until_ts"`
	VerifyKeys   map[string]VerifyKey         `json:"verify_keys"`
	Signatures   map[string]map[string]string `json:"signatures,omitempty"`
}

// Peer is the identity of a remote peer: its id and the verify keys it has
// published.
type Peer struct {
	ID         string
	ServerKeys *ServerKeys
}

// NewPeer ...
func NewPeer(id string, serverKeys *ServerKeys) *Peer {
	return &Peer{
		ID:         id,
		ServerKeys: serverKeys,
	}
}

// VerifyKeyFor returns the decoded verify key with the given key id, if the
// peer has published one.
func (p *Peer) VerifyKeyFor(keyID string) (ed25519.PublicKey, bool) {
	if p.ServerKeys == nil {
		return nil, false
	}
	entry, ok := p.ServerKeys.VerifyKeys[keyID]
	if !ok {
		return nil, false
	}
	pub, err := keys.DecodePublicKey(entry.Key)
	if err != nil {
		return nil, false
	}
	return pub, true
}

// LocalIdentity is this node's own peer identity plus its signing key.
type LocalIdentity struct {
	ID    string
	KeyID string
	priv  ed25519.PrivateKey
}

// DefaultKeyID is the key id under which a node publishes its current
// verify key.
const DefaultKeyID = "ed25519:0"

// KeyValidity is how far in the future a freshly-published key bundle claims
// to be valid.
const KeyValidity = 7 * 24 * time.Hour

// NewLocalIdentity derives a local identity from a private key. The peer id
// is the hex dump of the verify key, so it is stable across restarts.
func NewLocalIdentity(priv ed25519.PrivateKey) *LocalIdentity {
	return &LocalIdentity{
		ID:    fmt.Sprintf("%x", keys.PublicKey(priv)),
		KeyID: DefaultKeyID,
		priv:  priv,
	}
}

// Sign signs data with the local key, returning the unpadded base64
// signature.
func (l *LocalIdentity) Sign(data []byte) string {
	return keys.Sign(l.priv, data)
}

// ServerKeys returns a fresh key bundle for the local identity.
func (l *LocalIdentity) ServerKeys() *ServerKeys {
	return &ServerKeys{
		Server:       l.ID,
		ValidUntilTS: time.Now().Add(KeyValidity).UnixMilli(),
		VerifyKeys: map[string]VerifyKey{
			l.KeyID: {Key: keys.EncodePublicKey(keys.PublicKey(l.priv))},
		},
	}
}

// AsPeer returns the local identity in remote-peer form, as other peers see
// it.
func (l *LocalIdentity) AsPeer() *Peer {
	return NewPeer(l.ID, l.ServerKeys())
}
