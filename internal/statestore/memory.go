package statestore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable state across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]*VersionedValue
	height uint64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]*VersionedValue)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*VersionedValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok || v.Deleted {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

// Version implements Store.
func (s *MemoryStore) Version(_ context.Context, key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v.Version, nil
	}
	return 0, nil
}

// Range implements Store.
func (s *MemoryStore) Range(ctx context.Context, start, end string, fn func(*VersionedValue) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k, v := range s.values {
		if !v.Deleted && inRange(k, start, end) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make([]*VersionedValue, len(keys))
	for i, k := range keys {
		snapshot[i] = clone(s.values[k])
	}
	s.mu.RUnlock()

	for _, v := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(_ context.Context, b *Batch) ([]*VersionedValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkBatch(b, s.height); err != nil {
		return nil, err
	}
	for _, r := range b.Reads {
		var current uint64
		if v, ok := s.values[r.Key]; ok {
			current = v.Version
		}
		if current != r.Version {
			return nil, &ConflictError{Key: r.Key, Expected: r.Version, Actual: current}
		}
	}

	out := make([]*VersionedValue, 0, len(b.Writes))
	for _, w := range b.Writes {
		var prev uint64
		if v, ok := s.values[w.Key]; ok {
			prev = v.Version
		}
		nv := next(prev, w, b)
		s.values[w.Key] = nv
		out = append(out, clone(nv))
	}
	s.height = b.Height
	return out, nil
}

// Height implements Store.
func (s *MemoryStore) Height(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func clone(v *VersionedValue) *VersionedValue {
	cp := *v
	cp.Value = append([]byte(nil), v.Value...)
	return &cp
}
