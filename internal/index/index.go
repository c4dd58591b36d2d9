// Package index maintains the Index: a denormalized, queryable mirror of every
// current Provider value, derived entirely from committed State Store writes.
//
// The Index lags the State Store by the projector's fold latency and can be
// rebuilt from the State Store at any time.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jmerrifield20/providerledger/internal/query"
	"github.com/jmerrifield20/providerledger/internal/statestore"
	"go.uber.org/zap"
)

// Paging bounds for Search.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ReservedPrefix marks State Store keys that are not provider records.
const ReservedPrefix = "~"

// SearchResult is one page of matching provider values, ordered by id.
type SearchResult struct {
	Providers []json.RawMessage `json:"providers"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
	Height    uint64            `json:"height"`
}

// Statistics holds aggregate counts over every indexed provider.
type Statistics struct {
	ByVerificationStatus map[string]int `json:"byVerificationStatus"`
	ByProviderType       map[string]int `json:"byProviderType"`
	ByStatus             map[string]int `json:"byStatus"`
	Total                int            `json:"total"`
	Height               uint64         `json:"height"`
}

type record struct {
	version uint64
	raw     json.RawMessage
	doc     query.Document
	vstatus string
	ptype   string
	status  string
}

// Index is an in-memory, thread-safe provider index with secondary postings
// on verificationStatus and providerType.
type Index struct {
	mu       sync.RWMutex
	records  map[string]*record
	byVerify map[string]map[string]struct{}
	byType   map[string]map[string]struct{}
	height   uint64
	logger   *zap.Logger
}

// New creates an empty Index.
func New(logger *zap.Logger) *Index {
	return &Index{
		records:  make(map[string]*record),
		byVerify: make(map[string]map[string]struct{}),
		byType:   make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

// Upsert folds one committed key version into the index. Versions at or
// below the indexed version are ignored, so replays are harmless.
func (x *Index) Upsert(key string, version uint64, value []byte, deleted bool) error {
	if strings.HasPrefix(key, ReservedPrefix) {
		return nil
	}
	var rec *record
	if !deleted {
		doc, err := query.Decode(value)
		if err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		rec = &record{
			version: version,
			raw:     append(json.RawMessage(nil), value...),
			doc:     doc,
			vstatus: str(doc["verificationStatus"]),
			ptype:   str(doc["providerType"]),
			status:  str(doc["status"]),
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if old, ok := x.records[key]; ok {
		if old.version >= version {
			return nil
		}
		x.unpost(key, old)
		delete(x.records, key)
	}
	if rec != nil {
		x.records[key] = rec
		post(x.byVerify, rec.vstatus, key)
		post(x.byType, rec.ptype, key)
	}
	return nil
}

// SetHeight records the block height the index now reflects.
func (x *Index) SetHeight(h uint64) {
	x.mu.Lock()
	if h > x.height {
		x.height = h
	}
	x.mu.Unlock()
}

// Height returns the block height the index reflects.
func (x *Index) Height() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.height
}

// Search returns the providers matching sel, ordered by id. sel must have
// passed Validate; nil matches everything.
func (x *Index) Search(sel *query.Selector, limit, offset int) *SearchResult {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	candidates := x.candidates(sel)
	ids := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if sel.Match(x.records[id].doc) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	res := &SearchResult{
		Providers: []json.RawMessage{},
		Total:     len(ids),
		Limit:     limit,
		Offset:    offset,
		Height:    x.height,
	}
	if offset >= len(ids) {
		return res
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	for _, id := range ids[offset:end] {
		res.Providers = append(res.Providers, x.records[id].raw)
	}
	return res
}

// candidates narrows the scan with a posting list when the selector pins
// verificationStatus or providerType.
func (x *Index) candidates(sel *query.Selector) []string {
	var posting map[string]struct{}
	pinned := false
	if v, ok := query.Equality(sel, "verificationStatus"); ok {
		posting, pinned = x.byVerify[v], true
	}
	if v, ok := query.Equality(sel, "providerType"); ok {
		if p := x.byType[v]; !pinned || len(p) < len(posting) {
			posting = p
		}
		pinned = true
	}

	if !pinned {
		out := make([]string, 0, len(x.records))
		for id := range x.records {
			out = append(out, id)
		}
		return out
	}
	out := make([]string, 0, len(posting))
	for id := range posting {
		out = append(out, id)
	}
	return out
}

// Stats returns aggregate counts computed from the index.
func (x *Index) Stats() *Statistics {
	x.mu.RLock()
	defer x.mu.RUnlock()

	st := &Statistics{
		ByVerificationStatus: make(map[string]int, len(x.byVerify)),
		ByProviderType:       make(map[string]int, len(x.byType)),
		ByStatus:             make(map[string]int),
		Total:                len(x.records),
		Height:               x.height,
	}
	for k, ids := range x.byVerify {
		if len(ids) > 0 {
			st.ByVerificationStatus[k] = len(ids)
		}
	}
	for k, ids := range x.byType {
		if len(ids) > 0 {
			st.ByProviderType[k] = len(ids)
		}
	}
	for _, r := range x.records {
		st.ByStatus[r.status]++
	}
	return st
}

// Rebuild discards the index and reloads it from every live provider in the
// State Store.
func (x *Index) Rebuild(ctx context.Context, store statestore.Store) error {
	height, err := store.Height(ctx)
	if err != nil {
		return fmt.Errorf("read store height: %w", err)
	}

	fresh := New(x.logger)
	if err := store.Range(ctx, "", "", func(v *statestore.VersionedValue) error {
		return fresh.Upsert(v.Key, v.Version, v.Value, false)
	}); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	x.mu.Lock()
	x.records = fresh.records
	x.byVerify = fresh.byVerify
	x.byType = fresh.byType
	x.height = height
	x.mu.Unlock()

	x.logger.Info("index rebuilt",
		zap.Int("providers", len(fresh.records)),
		zap.Uint64("height", height),
	)
	return nil
}

func (x *Index) unpost(key string, r *record) {
	if ids := x.byVerify[r.vstatus]; ids != nil {
		delete(ids, key)
	}
	if ids := x.byType[r.ptype]; ids != nil {
		delete(ids, key)
	}
}

func post(m map[string]map[string]struct{}, value, key string) {
	ids, ok := m[value]
	if !ok {
		ids = make(map[string]struct{})
		m[value] = ids
	}
	ids[key] = struct{}{}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
