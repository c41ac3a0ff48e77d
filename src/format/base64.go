package format

import (
	"encoding/base64"
	"strings"
)

// Hashes and signatures travel as unpadded base64 in the standard alphabet.
// Event ids embed the same value translated to the URL-safe alphabet so that
// they can appear in request paths.

// EncodeBase64 returns the unpadded standard-alphabet base64 of b.
func EncodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes an unpadded standard-alphabet base64 string.
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(s)
}

// ToURLSafe translates a standard-alphabet base64 value to the URL-safe
// alphabet.
func ToURLSafe(s string) string {
	s = strings.ReplaceAll(s, "+", "-")
	return strings.ReplaceAll(s, "/", "_")
}

// FromURLSafe translates a URL-safe base64 value back to the standard
// alphabet.
func FromURLSafe(s string) string {
	s = strings.ReplaceAll(s, "-", "+")
	return strings.ReplaceAll(s, "_", "/")
}
