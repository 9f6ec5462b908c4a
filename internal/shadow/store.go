package shadow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/shardsql/internal/directory"
	"golang.org/x/exp/slices"
)

// Entry is one row of a shard's Local Shadow: the shard's own record of a
// tenant it holds and the status it was last told about.
type Entry struct {
	Key       directory.Key    `json:"key"`
	Status    directory.Status `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Store reads and writes the Local Shadow of each shard.
// Implementations must be safe for concurrent use.
type Store interface {
	// List returns every entry recorded on loc, ordered by key.
	List(ctx context.Context, loc directory.Location) ([]Entry, error)

	// Get returns the entry for key on loc, or directory.ErrNotFound.
	Get(ctx context.Context, loc directory.Location, key directory.Key) (Entry, error)

	// Put inserts or overwrites the entry for e.Key on loc.
	Put(ctx context.Context, loc directory.Location, e Entry) error

	// Delete removes key from loc. Deleting a missing key is not an error.
	Delete(ctx context.Context, loc directory.Location, key directory.Key) error
}

// MemoryStore is an in-memory Store. It backs tests and the dry-run tooling;
// a MemoryStore loses everything when the process exits.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[directory.Location]map[directory.Key]Entry
}

// NewMemoryStore creates an empty in-memory shadow.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[directory.Location]map[directory.Key]Entry)}
}

func (m *MemoryStore) List(_ context.Context, loc directory.Location) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.data[loc]))
	for _, e := range m.data[loc] {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return compareKeys(a.Key, b.Key) })
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, loc directory.Location, key directory.Key) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[loc][key]
	if !ok {
		return Entry{}, fmt.Errorf("shadow entry %s on %s: %w", key, loc, directory.ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) Put(_ context.Context, loc directory.Location, e Entry) error {
	if !e.Status.Valid() {
		return fmt.Errorf("shadow entry %s: invalid status %q", e.Key, e.Status)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, ok := m.data[loc]
	if !ok {
		entries = make(map[directory.Key]Entry)
		m.data[loc] = entries
	}
	entries[e.Key] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, loc directory.Location, key directory.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data[loc], key)
	return nil
}

func compareKeys(a, b directory.Key) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
