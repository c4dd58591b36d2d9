// Package statestore implements the versioned key→value State Store that
// holds the authoritative ledger state.
//
// Every accepted write bumps the key's version by exactly one and is tagged
// with the writing transaction id and the block height it was committed in.
// Apply validates a transaction's read-set against the current versions and
// applies its whole write-set under one lock or database transaction, so a
// write-set is either fully visible or not visible at all.
//
// Three implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and single-peer development.
//   - BadgerStore: embedded and durable, for a standalone peer.
//   - PostgresStore: durable, for peers sharing operational tooling with PostgreSQL.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when a key is absent or deleted.
	ErrNotFound = errors.New("key not found")

	// ErrVersionMismatch is returned by Apply when a read-set entry no longer
	// matches the current version. It is always wrapped in a *ConflictError.
	ErrVersionMismatch = errors.New("read version mismatch")

	// ErrHeightRegression is returned by Apply when a batch carries a block
	// height lower than one already applied.
	ErrHeightRegression = errors.New("block height regression")
)

// VersionedValue is one key's current state.
type VersionedValue struct {
	Key         string    `json:"key"`
	Value       []byte    `json:"value,omitempty"`
	Version     uint64    `json:"version"`
	TxID        string    `json:"txId"`
	BlockHeight uint64    `json:"blockHeight"`
	Timestamp   time.Time `json:"timestamp"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// Read records the version of a key a transaction observed. Version 0 means
// the key was absent.
type Read struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

// Write is a proposed new value (or deletion) of a key.
type Write struct {
	Key      string `json:"key"`
	Value    []byte `json:"value,omitempty"`
	IsDelete bool   `json:"isDelete,omitempty"`
}

// Batch is the unit of Apply: one transaction's read-set and write-set
// positioned at a block height.
type Batch struct {
	TxID      string
	Height    uint64
	Timestamp time.Time
	Reads     []Read
	Writes    []Write
}

// ConflictError describes the first stale read found by Apply.
type ConflictError struct {
	Key      string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("key %q read at version %d, current version %d", e.Key, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrVersionMismatch }

// Store is the interface for the versioned State Store.
type Store interface {
	// Get returns the current value of key, or ErrNotFound.
	Get(ctx context.Context, key string) (*VersionedValue, error)

	// Version returns the current version of key, including deleted keys.
	// An absent key has version 0.
	Version(ctx context.Context, key string) (uint64, error)

	// Range calls fn for every live key in [start, end) in key order.
	// An empty end means no upper bound.
	Range(ctx context.Context, start, end string, fn func(*VersionedValue) error) error

	// Apply validates b.Reads against current versions and, when all match,
	// applies b.Writes atomically. It returns the new versions in write order.
	Apply(ctx context.Context, b *Batch) ([]*VersionedValue, error)

	// Height returns the highest block height applied so far.
	Height(ctx context.Context) (uint64, error)

	// Close releases resources held by the store.
	Close() error
}

// checkBatch performs the validation common to every backend.
func checkBatch(b *Batch, current uint64) error {
	if b.Height < current {
		return fmt.Errorf("%w: batch %d below applied %d", ErrHeightRegression, b.Height, current)
	}
	seen := make(map[string]struct{}, len(b.Writes))
	for _, w := range b.Writes {
		if w.Key == "" {
			return errors.New("write with empty key")
		}
		if _, dup := seen[w.Key]; dup {
			return fmt.Errorf("duplicate write to key %q", w.Key)
		}
		seen[w.Key] = struct{}{}
	}
	return nil
}

// next builds the versioned value that replaces prev after w is applied.
func next(prev uint64, w Write, b *Batch) *VersionedValue {
	v := &VersionedValue{
		Key:         w.Key,
		Version:     prev + 1,
		TxID:        b.TxID,
		BlockHeight: b.Height,
		Timestamp:   b.Timestamp,
		Deleted:     w.IsDelete,
	}
	if !w.IsDelete {
		v.Value = append([]byte(nil), w.Value...)
	}
	return v
}

// inRange reports whether key falls in [start, end).
func inRange(key, start, end string) bool {
	return key >= start && (end == "" || key < end)
}
