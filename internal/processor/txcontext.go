package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmerrifield20/providerledger/internal/statestore"
)

// TxContext is the view one transaction executes through. Every read records
// the version observed; every write is buffered. Nothing reaches the State
// Store until the committer applies the resulting write-set.
type TxContext struct {
	ctx       context.Context
	store     statestore.Store
	txID      string
	timestamp time.Time

	reads  map[string]uint64
	writes map[string]statestore.Write
}

func newTxContext(ctx context.Context, store statestore.Store, txID string, ts time.Time) *TxContext {
	return &TxContext{
		ctx:       ctx,
		store:     store,
		txID:      txID,
		timestamp: ts,
		reads:     make(map[string]uint64),
		writes:    make(map[string]statestore.Write),
	}
}

// TxID returns the transaction id.
func (t *TxContext) TxID() string { return t.txID }

// Timestamp returns the transaction timestamp. Operations use it instead of
// the wall clock so that every peer computes identical values.
func (t *TxContext) Timestamp() time.Time { return t.timestamp }

// Get returns the value of key and its version. A transaction sees its own
// buffered writes. An absent key returns (nil, version, nil), where version is
// non-zero only for a deleted key.
func (t *TxContext) Get(key string) ([]byte, uint64, error) {
	if w, ok := t.writes[key]; ok {
		if w.IsDelete {
			return nil, t.reads[key], nil
		}
		return w.Value, t.reads[key], nil
	}

	v, err := t.store.Get(t.ctx, key)
	switch {
	case err == nil:
		t.record(key, v.Version)
		return v.Value, v.Version, nil
	case errors.Is(err, statestore.ErrNotFound):
		version, err := t.store.Version(t.ctx, key)
		if err != nil {
			return nil, 0, fmt.Errorf("read version of %q: %w", key, err)
		}
		t.record(key, version)
		return nil, version, nil
	default:
		return nil, 0, fmt.Errorf("read %q: %w", key, err)
	}
}

// Put buffers a write of value to key.
func (t *TxContext) Put(key string, value []byte) {
	t.writes[key] = statestore.Write{Key: key, Value: value}
}

// Delete buffers a deletion of key.
func (t *TxContext) Delete(key string) {
	t.writes[key] = statestore.Write{Key: key, IsDelete: true}
}

// record keeps the first version observed for key.
func (t *TxContext) record(key string, version uint64) {
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = version
	}
}

// ReadSet returns the recorded reads ordered by key.
func (t *TxContext) ReadSet() []statestore.Read {
	out := make([]statestore.Read, 0, len(t.reads))
	for k, v := range t.reads {
		out = append(out, statestore.Read{Key: k, Version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// WriteSet returns the buffered writes ordered by key.
func (t *TxContext) WriteSet() []statestore.Write {
	out := make([]statestore.Write, 0, len(t.writes))
	for _, w := range t.writes {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
