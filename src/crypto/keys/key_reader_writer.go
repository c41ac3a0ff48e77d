package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
)

// SimpleKeyfile reads and writes a private key from an unencrypted,
// unformatted file containing a raw hex dump of the seed.
type SimpleKeyfile struct {
	l       sync.Mutex
	keyfile string
}

// NewSimpleKeyfile instantiates a new SimpleKeyfile with an underlying file.
func NewSimpleKeyfile(keyfile string) *SimpleKeyfile {
	return &SimpleKeyfile{
		keyfile: keyfile,
	}
}

// CheckFileInfo verifies that the file exists and has user permissions only.
func (k *SimpleKeyfile) CheckFileInfo() error {
	info, err := os.Stat(k.keyfile)
	if err != nil {
		return err
	}

	perm := info.Mode().Perm()

	// mask for 'groups' and 'others' permission bits
	var nonUserMask os.FileMode = (1 << 6) - 1

	if perm&nonUserMask != 0 {
		return fmt.Errorf("key file permissions should exclude 'groups' and 'others'. Got %o", perm)
	}

	return nil
}

// ReadKey reads the underlying file, which is expected to contain a raw hex
// dump of the key seed as produced by WriteKey.
func (k *SimpleKeyfile) ReadKey() (ed25519.PrivateKey, error) {
	k.l.Lock()
	defer k.l.Unlock()

	if err := k.CheckFileInfo(); err != nil {
		return nil, err
	}

	buf, err := os.ReadFile(k.keyfile)
	if err != nil {
		return nil, err
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, err
	}

	return ParsePrivateKey(seed)
}

// WriteKey writes a raw hex dump of the key seed to the underlying file.
func (k *SimpleKeyfile) WriteKey(key ed25519.PrivateKey) error {
	k.l.Lock()
	defer k.l.Unlock()

	rawKey := hex.EncodeToString(DumpPrivateKey(key))

	if err := os.MkdirAll(path.Dir(k.keyfile), 0700); err != nil {
		return err
	}

	return os.WriteFile(k.keyfile, []byte(rawKey), 0600)
}
