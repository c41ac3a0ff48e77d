package storage

import (
	"sort"
	"strings"
	"sync"

	cm "github.com/chatmesh/chatmesh/src/common"
)

// InmemStore implements the Store interface with a sorted in-memory map. It
// is used for tests and for nodes run without the --store flag.
type InmemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		data: make(map[string][]byte),
	}
}

// View implements the Store interface.
func (s *InmemStore) View() Session {
	return &inmemSession{store: s}
}

// Update implements the Store interface.
func (s *InmemStore) Update() Session {
	return &inmemSession{
		store:   s,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// Path implements the Store interface.
func (s *InmemStore) Path() string {
	return ""
}

type inmemSession struct {
	store   *InmemStore
	writes  map[string][]byte
	deletes map[string]struct{}
}

func (t *inmemSession) Get(key []byte) ([]byte, error) {
	k := string(key)
	if t.writes != nil {
		if _, deleted := t.deletes[k]; deleted {
			return nil, cm.NewStoreErr("KV", cm.KeyNotFound, k)
		}
		if v, ok := t.writes[k]; ok {
			return append([]byte(nil), v...), nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	v, ok := t.store.data[k]
	if !ok {
		return nil, cm.NewStoreErr("KV", cm.KeyNotFound, k)
	}
	return append([]byte(nil), v...), nil
}

func (t *inmemSession) Has(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *inmemSession) Set(key, value []byte) error {
	if t.writes == nil {
		return cm.NewStoreErr("KV", cm.Empty, "set on read-only session")
	}
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *inmemSession) Delete(key []byte) error {
	if t.writes == nil {
		return cm.NewStoreErr("KV", cm.Empty, "delete on read-only session")
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

func (t *inmemSession) Iterate(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	p := string(prefix)

	t.store.mu.RLock()
	merged := make(map[string][]byte)
	for k, v := range t.store.data {
		if strings.HasPrefix(k, p) {
			merged[k] = v
		}
	}
	t.store.mu.RUnlock()

	for k, v := range t.writes {
		if strings.HasPrefix(k, p) {
			merged[k] = v
		}
	}
	for k := range t.deletes {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		cont, err := fn([]byte(k), append([]byte(nil), merged[k]...))
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (t *inmemSession) Commit() error {
	if t.writes == nil {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for k, v := range t.writes {
		t.store.data[k] = v
	}
	for k := range t.deletes {
		delete(t.store.data, k)
	}
	t.writes = nil
	t.deletes = nil
	return nil
}

func (t *inmemSession) Discard() {
	t.writes = nil
	t.deletes = nil
}
