package audit

import (
	"context"
	"sync"
)

// MemoryWriter keeps entries in process. It backs tests and the
// single-process dev mode of authzd.
type MemoryWriter struct {
	mu      sync.Mutex
	entries []*Entry
	nextID  int64
	// Err, when set, is returned by Write instead of storing the entry.
	Err error
}

// NewMemoryWriter creates an empty in-memory writer
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

// Write appends a copy of entry
func (m *MemoryWriter) Write(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.nextID++
	entry.ID = m.nextID
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

// Entries returns a snapshot of everything written so far
func (m *MemoryWriter) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByAction returns the entries with the given action, oldest first
func (m *MemoryWriter) ByAction(action Action) []*Entry {
	var out []*Entry
	for _, e := range m.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Actions returns the action of every entry in write order
func (m *MemoryWriter) Actions() []Action {
	entries := m.Entries()
	out := make([]Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}
