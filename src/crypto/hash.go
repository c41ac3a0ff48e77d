package crypto

import "crypto/sha256"

// SHA256 returns the SHA256 hash of data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}
