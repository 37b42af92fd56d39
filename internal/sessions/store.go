// Package sessions persists the mapping from a canonical session key to its
// current durable session identity. The store is a single JSON file; all
// mutation goes through Update, which serializes read-modify-write per store
// path and replaces the file atomically.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is the durable record behind one canonical key.
type Entry struct {
	SessionID       string    `json:"sessionId"`
	CompactionCount int       `json:"compactionCount"`
	UpdatedAt       time.Time `json:"updatedAt,omitzero"`
}

// Store is the decoded store file: canonical key -> entry.
type Store map[string]*Entry

var (
	locksMu sync.Mutex
	locks   = map[string]*sync.Mutex{}
)

func lockFor(storePath string) *sync.Mutex {
	abs, err := filepath.Abs(storePath)
	if err != nil {
		abs = storePath
	}
	locksMu.Lock()
	defer locksMu.Unlock()
	l, ok := locks[abs]
	if !ok {
		l = &sync.Mutex{}
		locks[abs] = l
	}
	return l
}

// LoadEntry reads the entry for canonicalKey. The second return is false when
// the store or the key does not exist.
func LoadEntry(storePath, canonicalKey string) (Entry, bool, error) {
	l := lockFor(storePath)
	l.Lock()
	defer l.Unlock()

	store, err := readStore(storePath)
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := store[canonicalKey]
	if !ok || entry == nil {
		return Entry{}, false, nil
	}
	return *entry, true, nil
}

// Update acquires the store exclusively, applies updater to the decoded
// contents, and writes the result back atomically. The lock is released on
// every exit path; an updater error aborts the write and no partial state is
// observable.
func Update(storePath string, updater func(Store) error) error {
	l := lockFor(storePath)
	l.Lock()
	defer l.Unlock()

	store, err := readStore(storePath)
	if err != nil {
		return err
	}
	if err := updater(store); err != nil {
		return err
	}
	return writeStore(storePath, store)
}

func readStore(storePath string) (Store, error) {
	data, err := os.ReadFile(storePath)
	if os.IsNotExist(err) {
		return Store{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session store: %w", err)
	}
	store := Store{}
	if len(data) == 0 {
		return store, nil
	}
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("decode session store: %w", err)
	}
	return store, nil
}

func writeStore(storePath string, store Store) error {
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(storePath), ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Rename(tmpName, storePath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace session store: %w", err)
	}
	return nil
}
