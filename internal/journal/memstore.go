package journal

import (
	"context"
	"sync"
)

// DefaultMemEntries is the capacity of a MemStore created with a
// non-positive size.
const DefaultMemEntries = 500

var _ Store = (*MemStore)(nil)

// MemStore keeps the most recent entries in a fixed-size ring.
type MemStore struct {
	mu     sync.Mutex
	ring   []Entry
	next   int
	full   bool
	lastID int64
}

// NewMemStore returns a MemStore holding at most size entries.
func NewMemStore(size int) *MemStore {
	if size <= 0 {
		size = DefaultMemEntries
	}
	return &MemStore{ring: make([]Entry, size)}
}

// Append implements Store. The oldest entry is overwritten when full.
func (m *MemStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	e.ID = m.lastID
	m.ring[m.next] = e
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent implements Store.
func (m *MemStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return len(m.ring)
	}
	return m.next
}

// Close implements Store. It is a no-op.
func (m *MemStore) Close() error { return nil }
