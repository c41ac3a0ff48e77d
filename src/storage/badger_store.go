package storage

import (
	"github.com/dgraph-io/badger"

	cm "github.com/chatmesh/chatmesh/src/common"
)

// BadgerStore implements the Store interface on top of a badger database.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens (or creates) a badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = false
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		db:   handle,
		path: path,
	}, nil
}

// View implements the Store interface.
func (s *BadgerStore) View() Session {
	return &badgerSession{txn: s.db.NewTransaction(false)}
}

// Update implements the Store interface.
func (s *BadgerStore) Update() Session {
	return &badgerSession{txn: s.db.NewTransaction(true)}
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Path implements the Store interface.
func (s *BadgerStore) Path() string {
	return s.path
}

type badgerSession struct {
	txn *badger.Txn
}

func (t *badgerSession) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, cm.NewStoreErr("KV", cm.KeyNotFound, string(key))
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerSession) Has(key []byte) (bool, error) {
	_, err := t.txn.Get(key)
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *badgerSession) Set(key, value []byte) error {
	return t.txn.Set(append([]byte(nil), key...), append([]byte(nil), value...))
}

func (t *badgerSession) Delete(key []byte) error {
	return t.txn.Delete(append([]byte(nil), key...))
}

func (t *badgerSession) Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		cont, err := fn(item.KeyCopy(nil), value)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (t *badgerSession) Commit() error {
	return t.txn.Commit()
}

func (t *badgerSession) Discard() {
	t.txn.Discard()
}
