package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/providerledger/internal/history"
	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"github.com/jmerrifield20/providerledger/internal/query"
	"github.com/jmerrifield20/providerledger/internal/statestore"
)

// SearchRequest is the payload for SearchByCriteria.
type SearchRequest struct {
	Selector json.RawMessage `json:"selector,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// HistoryResult is the result of GetHistory.
type HistoryResult struct {
	ID      string           `json:"id"`
	Entries []*history.Entry `json:"entries"`
}

// IntegrityReport is the result of VerifyHistory.
type IntegrityReport struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Root    string `json:"root"`
	Error   string `json:"error,omitempty"`
}

func (p *Processor) get(ctx context.Context, args json.RawMessage) (any, error) {
	var req model.IDRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	v, err := p.current(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	var prov model.Provider
	if err := json.Unmarshal(v.Value, &prov); err != nil {
		return nil, fmt.Errorf("decode provider %s: %w", req.ID, err)
	}
	prov.Normalize()
	return &prov, nil
}

// current reads a provider's committed value straight from the State Store.
func (p *Processor) current(ctx context.Context, id string) (*statestore.VersionedValue, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	v, err := p.store.Get(ctx, id)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, model.Errorf(model.CodeNotFound, "provider %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read provider %s: %w", id, err)
	}
	return v, nil
}

func (p *Processor) searchByCriteria(_ context.Context, args json.RawMessage) (any, error) {
	var req SearchRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, model.Errorf(model.CodeInvalidInput, "limit and offset must not be negative")
	}
	sel, err := query.Parse(req.Selector)
	if err != nil {
		return nil, err
	}
	return p.index.Search(sel, req.Limit, req.Offset), nil
}

// getHistory waits until the History Log holds the provider's current version,
// so the result always ends at the value Get would return.
func (p *Processor) getHistory(ctx context.Context, args json.RawMessage) (any, error) {
	var req model.IDRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	v, err := p.current(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if p.waiter != nil {
		if err := p.waiter.WaitForHeight(ctx, v.BlockHeight); err != nil {
			return nil, err
		}
	}
	entries, err := p.history.ForKey(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("read history of %s: %w", req.ID, err)
	}
	if len(entries) == 0 {
		return nil, model.Errorf(model.CodeNotFound, "no history for provider %s", req.ID)
	}
	return &HistoryResult{ID: req.ID, Entries: entries}, nil
}

func (p *Processor) statistics(_ context.Context, args json.RawMessage) (any, error) {
	var req struct{}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return p.index.Stats(), nil
}

func (p *Processor) verifyHistory(ctx context.Context, args json.RawMessage) (any, error) {
	var req struct{}
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	n, err := p.history.Len(ctx)
	if err != nil {
		return nil, err
	}
	root, err := p.history.Root(ctx)
	if err != nil {
		return nil, err
	}
	report := &IntegrityReport{Valid: true, Entries: n, Root: root}
	if err := p.history.Verify(ctx); err != nil {
		if !errors.Is(err, history.ErrTampered) {
			return nil, err
		}
		report.Valid = false
		report.Error = err.Error()
	}
	return report, nil
}
