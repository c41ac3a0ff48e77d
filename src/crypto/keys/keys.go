// Package keys wraps the ed25519 primitives of the standard library behind
// the key handling conventions used throughout the node: raw hex dumps for
// key files, unpadded base64 for wire signatures.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/chatmesh/chatmesh/src/format"
)

// GenerateKey creates a new ed25519 private key using the built-in
// pseudo-random generator rand.Reader.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	return priv, err
}

// DumpPrivateKey exports a private key into a binary dump (the ed25519 seed).
func DumpPrivateKey(priv ed25519.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return priv.Seed()
}

// ParsePrivateKey creates a private key from the seed bytes produced by
// DumpPrivateKey.
func ParsePrivateKey(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length, need %d bytes", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PrivateKeyHex returns the hexadecimal representation of a raw private key
// as returned by DumpPrivateKey.
func PrivateKeyHex(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(DumpPrivateKey(priv))
}

// PublicKey returns the verify key of a private key.
func PublicKey(priv ed25519.PrivateKey) ed25519.PublicKey {
	return priv.Public().(ed25519.PublicKey)
}

// EncodePublicKey returns the unpadded base64 form of a verify key, the form
// it takes inside a server key bundle.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return format.EncodeBase64(pub)
}

// DecodePublicKey parses a verify key from its unpadded base64 form.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := format.DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length, need %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// Sign signs data and returns the signature in unpadded base64.
func Sign(priv ed25519.PrivateKey, data []byte) string {
	return format.EncodeBase64(ed25519.Sign(priv, data))
}

// Verify reports whether sig, as produced by Sign, is a valid signature of
// data by the owner of the private key associated with pub.
func Verify(pub ed25519.PublicKey, data []byte, sig string) bool {
	raw, err := format.DecodeBase64(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, raw)
}
