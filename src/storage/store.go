// Package storage defines the ordered key-value contract consumed by the
// event store: byte keys, byte values, prefix iteration, and sessions whose
// Commit is all-or-nothing. Every cross-key invariant in the engine (event +
// state map, snapshot + extremities) is written within a single session.
package storage

// Store is an interface for backend key-value stores.
type Store interface {
	// View opens a read-only session.
	View() Session
	// Update opens a writable session. Concurrent writable sessions are the
	// caller's problem; the event store serializes them behind its write
	// lock.
	Update() Session
	// Close closes the underlying database.
	Close() error
	// Path returns the filepath of the underlying database, or "" for
	// in-memory stores.
	Path() string
}

// Session is a snapshot-isolated view of the store. Writes are buffered until
// Commit; a session that is not committed must be discarded.
type Session interface {
	// Get returns the value for a key, or a StoreErr with KeyNotFound.
	Get(key []byte) ([]byte, error)
	// Has reports whether a key is present.
	Has(key []byte) (bool, error)
	// Set buffers a write.
	Set(key, value []byte) error
	// Delete buffers a deletion.
	Delete(key []byte) error
	// Iterate calls fn for every key with the given prefix, in key order,
	// until fn returns false or an error.
	Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error
	// Commit atomically applies all buffered writes. The commit is durable
	// once it returns.
	Commit() error
	// Discard drops the session without applying anything. Safe to call
	// after Commit.
	Discard()
}
