package storage

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	cm "github.com/chatmesh/chatmesh/src/common"
)

func testStore(t *testing.T, store Store) {
	t.Helper()

	// Uncommitted writes are invisible to other sessions.
	w := store.Update()
	if err := w.Set([]byte("a_1"), []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := w.Set([]byte("a_2"), []byte("two")); err != nil {
		t.Fatal(err)
	}

	r := store.View()
	if _, err := r.Get([]byte("a_1")); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound before commit, got %v", err)
	}
	r.Discard()

	// But visible within the writing session.
	v, err := w.Get([]byte("a_1"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(v, []byte("one")) {
		t.Fatalf("got %q", v)
	}

	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	w.Discard()

	// After commit, both keys are visible atomically.
	r = store.View()
	defer r.Discard()
	for key, want := range map[string]string{"a_1": "one", "a_2": "two"} {
		v, err := r.Get([]byte(key))
		if err != nil {
			t.Fatal(err)
		}
		if string(v) != want {
			t.Fatalf("got %q, want %q", v, want)
		}
	}

	has, err := r.Has([]byte("a_3"))
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("unexpected key a_3")
	}
}

func testIterate(t *testing.T, store Store) {
	t.Helper()

	w := store.Update()
	for i := 0; i < 5; i++ {
		if err := w.Set([]byte(fmt.Sprintf("it_%09d", i)), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Set([]byte("other_1"), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	w.Discard()

	r := store.View()
	defer r.Discard()
	var keys []string
	err := r.Iterate([]byte("it_"), func(key, value []byte) (bool, error) {
		keys = append(keys, string(key))
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 5 {
		t.Fatalf("got %d keys: %v", len(keys), keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys out of order: %v", keys)
		}
	}
}

func TestInmemStore(t *testing.T) {
	store := NewInmemStore()
	testStore(t, store)
	testIterate(t, store)
}

func TestBadgerStore(t *testing.T) {
	dir, err := os.MkdirTemp("", "badger")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	testStore(t, store)
	testIterate(t, store)
}
