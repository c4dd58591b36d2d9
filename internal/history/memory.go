package history

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLog is an in-memory, thread-safe Log implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
	byKey   map[string][]int
}

// NewMemoryLog creates a MemoryLog initialised with the canonical genesis entry.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		entries: []*Entry{genesis()},
		byKey:   make(map[string][]int),
	}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, r Record) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var last *Entry
	if idx := l.byKey[r.Key]; len(idx) > 0 {
		last = l.entries[idx[len(idx)-1]]
	}
	existing, err := checkNext(r, last)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	prev := l.entries[len(l.entries)-1]
	entry := newEntry(r, len(l.entries), prev.Hash)
	l.entries = append(l.entries, entry)
	l.byKey[r.Key] = append(l.byKey[r.Key], entry.Index)
	return entry, nil
}

// ForKey implements Log.
func (l *MemoryLog) ForKey(_ context.Context, key string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byKey[key]
	out := make([]*Entry, len(idx))
	for i, n := range idx {
		out[i] = l.entries[n]
	}
	return out, nil
}

// LastVersion implements Log.
func (l *MemoryLog) LastVersion(_ context.Context, key string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byKey[key]
	if len(idx) == 0 {
		return 0, nil
	}
	return l.entries[idx[len(idx)-1]].Version, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return l.entries[index], nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var prev *Entry
	for _, curr := range l.entries {
		if err := checkLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
