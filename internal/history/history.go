// Package history implements the History Log: an append-only record of every
// committed version of every State Store key.
//
// All entries, across all keys, form a single hash chain that begins with a
// well-known genesis entry whose Hash equals GenesisHash (64 hex zeros). Every
// subsequent entry records the SHA-256 of its predecessor, making any tampering
// detectable via Verify. Per key, versions are appended strictly in order with
// no gaps.
//
// Three implementations of the Log interface are provided:
//   - MemoryLog: in-process, for testing and development.
//   - BadgerLog: embedded and durable, sharing the State Store's BadgerDB.
//   - PostgresLog: durable, for deployments on PostgreSQL.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the canonical well-known hash of the genesis entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrNotFound is returned by Get for an index past the chain tip.
	ErrNotFound = errors.New("history entry not found")

	// ErrOutOfOrder is returned by Append when a record's version is not the
	// next version of its key.
	ErrOutOfOrder = errors.New("history version out of order")

	// ErrTampered is returned by Verify when the chain does not hash-link.
	ErrTampered = errors.New("history chain integrity violated")
)

// genesisTime is the fixed timestamp of the genesis entry on every backend.
var genesisTime = time.Unix(0, 0).UTC()

// Entry is one committed version of one key.
type Entry struct {
	Index       int             `json:"index"`
	Key         string          `json:"key"`
	Version     uint64          `json:"version"`
	TxID        string          `json:"transactionId"`
	BlockHeight uint64          `json:"blockHeight"`
	Timestamp   time.Time       `json:"timestamp"`
	IsDelete    bool            `json:"isDelete"`
	Value       json.RawMessage `json:"value,omitempty"`
	DataHash    string          `json:"dataHash"`
	PrevHash    string          `json:"prevHash"`
	Hash        string          `json:"hash"`
}

// Record is the input to Append: a key version as committed to the State Store.
type Record struct {
	Key         string
	Version     uint64
	TxID        string
	BlockHeight uint64
	Timestamp   time.Time
	IsDelete    bool
	Value       []byte
}

// Log is the interface for the append-only History Log.
type Log interface {
	// Append adds r chained to the current tip. r.Version must be exactly one
	// above the last version appended for r.Key. Re-appending the last version
	// with the same transaction id is a no-op that returns the existing entry.
	Append(ctx context.Context, r Record) (*Entry, error)

	// ForKey returns every entry for key, oldest first. An unknown key yields
	// an empty slice.
	ForKey(ctx context.Context, key string) ([]*Entry, error)

	// LastVersion returns the highest version appended for key, or 0.
	LastVersion(ctx context.Context, key string) (uint64, error)

	// Get returns the entry at the given zero-based chain index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the total number of entries (including the genesis entry).
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)
}

func genesis() *Entry {
	return &Entry{
		Index:     0,
		Timestamp: genesisTime,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// newEntry builds the entry that follows prevHash for r. Timestamps are
// truncated to the microsecond precision every backend can store.
func newEntry(r Record, index int, prevHash string) *Entry {
	e := &Entry{
		Index:       index,
		Key:         r.Key,
		Version:     r.Version,
		TxID:        r.TxID,
		BlockHeight: r.BlockHeight,
		Timestamp:   r.Timestamp.UTC().Truncate(time.Microsecond),
		IsDelete:    r.IsDelete,
		PrevHash:    prevHash,
	}
	if !r.IsDelete && len(r.Value) > 0 {
		e.Value = append(json.RawMessage(nil), r.Value...)
	}
	e.DataHash = sha256Sum(e.Value)
	e.Hash = hashEntry(e)
	return e
}

// checkNext validates r against the last entry recorded for its key. It
// returns (last, nil) when r is a replay of last.
func checkNext(r Record, last *Entry) (*Entry, error) {
	var lastVersion uint64
	if last != nil {
		lastVersion = last.Version
	}
	if last != nil && r.Version == lastVersion && r.TxID == last.TxID {
		return last, nil
	}
	if r.Version != lastVersion+1 {
		return nil, fmt.Errorf("%w: key %q version %d after %d", ErrOutOfOrder, r.Key, r.Version, lastVersion)
	}
	return nil, nil
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields.
// This function must never be called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%d|%s|%d|%s|%t|%s|%s",
		e.Index, e.Key, e.Version, e.TxID, e.BlockHeight,
		e.Timestamp.Format(time.RFC3339Nano), e.IsDelete, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// checkLink validates curr against its predecessor.
func checkLink(prev, curr *Entry) error {
	if curr.Index == 0 {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("%w: genesis entry has wrong hash %q", ErrTampered, curr.Hash)
		}
		return nil
	}
	if prev == nil || curr.PrevHash != prev.Hash {
		return fmt.Errorf("%w: hash chain broken at index %d", ErrTampered, curr.Index)
	}
	if curr.DataHash != sha256Sum(curr.Value) {
		return fmt.Errorf("%w: entry %d value does not match its data hash", ErrTampered, curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("%w: entry %d has invalid hash", ErrTampered, curr.Index)
	}
	return nil
}

func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
