// Package projection folds committed State Store writes into the derived
// views: the Index and the History Log. It runs behind the committer, so both
// views may lag the State Store; WaitForHeight lets a reader that needs a
// particular block wait for it.
package projection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/providerledger/internal/commit"
	"github.com/jmerrifield20/providerledger/internal/history"
	"github.com/jmerrifield20/providerledger/internal/index"
	"github.com/jmerrifield20/providerledger/internal/metrics"
	"github.com/jmerrifield20/providerledger/internal/statestore"
	"go.uber.org/zap"
)

const (
	inboxSize  = 1024
	minBackoff = 10 * time.Millisecond
	maxBackoff = 2 * time.Second
)

// Projector consumes committed blocks and keeps the Index and History Log in
// step with them, block by block.
type Projector struct {
	index   *index.Index
	history history.Log
	inbox   chan *commit.Committed
	logger  *zap.Logger

	mu      sync.Mutex
	height  uint64
	changed chan struct{}
}

// New creates a Projector over the given views.
func New(idx *index.Index, log history.Log, logger *zap.Logger) *Projector {
	return &Projector{
		index:   idx,
		history: log,
		inbox:   make(chan *commit.Committed, inboxSize),
		logger:  logger,
		changed: make(chan struct{}),
	}
}

// Publish implements commit.Publisher. It blocks when the inbox is full,
// which holds back the committer until the projector catches up.
func (p *Projector) Publish(ctx context.Context, c *commit.Committed) {
	select {
	case p.inbox <- c:
	case <-ctx.Done():
	}
}

// Run folds published blocks until ctx is cancelled or a block cannot be
// projected.
func (p *Projector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-p.inbox:
			if err := p.Fold(ctx, c); err != nil {
				return err
			}
		}
	}
}

// Fold applies one committed block to the Index and History Log and then
// advances the projected height. A History append that keeps failing is
// retried until ctx ends; the height is only advanced once every version of
// the block is recorded, so History never has gaps. Index failures are
// logged and never undo the commit.
func (p *Projector) Fold(ctx context.Context, c *commit.Committed) error {
	for _, v := range c.Values {
		if err := p.index.Upsert(v.Key, v.Version, v.Value, v.Deleted); err != nil {
			p.logger.Error("index upsert failed",
				zap.String("key", v.Key),
				zap.Uint64("version", v.Version),
				zap.Error(err),
			)
		}
		if err := p.appendHistory(ctx, v); err != nil {
			return fmt.Errorf("project block %d: %w", c.Height, err)
		}
	}
	p.index.SetHeight(c.Height)
	p.advance(c.Height)
	return nil
}

// appendHistory records v, retrying transient failures with backoff until
// ctx ends. A version already present is not an error. A version that would
// leave a gap is.
func (p *Projector) appendHistory(ctx context.Context, v *statestore.VersionedValue) error {
	rec := history.Record{
		Key:         v.Key,
		Version:     v.Version,
		TxID:        v.TxID,
		BlockHeight: v.BlockHeight,
		Timestamp:   v.Timestamp,
		IsDelete:    v.Deleted,
		Value:       v.Value,
	}
	backoff := minBackoff
	for attempt := 1; ; attempt++ {
		_, err := p.history.Append(ctx, rec)
		if err == nil {
			metrics.RecordHistoryEntry()
			return nil
		}
		if errors.Is(err, history.ErrOutOfOrder) {
			last, lerr := p.history.LastVersion(ctx, v.Key)
			if lerr == nil && last >= v.Version {
				return nil
			}
			p.logger.Error("history out of order",
				zap.String("key", v.Key),
				zap.Uint64("version", v.Version),
				zap.Uint64("history_version", last),
			)
			return err
		}

		p.logger.Warn("history append failed; retrying",
			zap.String("key", v.Key),
			zap.Uint64("version", v.Version),
			zap.String("tx_id", v.TxID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("append %s@%d: %w", v.Key, v.Version, err)
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Height returns the highest block folded.
func (p *Projector) Height() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.height
}

// WaitForHeight blocks until the projector has folded block h or ctx ends.
func (p *Projector) WaitForHeight(ctx context.Context, h uint64) error {
	for {
		p.mu.Lock()
		if p.height >= h {
			p.mu.Unlock()
			return nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for projected height %d: %w", h, ctx.Err())
		}
	}
}

func (p *Projector) advance(h uint64) {
	p.mu.Lock()
	if h > p.height {
		p.height = h
		close(p.changed)
		p.changed = make(chan struct{})
	}
	p.mu.Unlock()
	metrics.SetProjectedHeight(h)
}

// Recover brings both views up to the State Store after a restart: the Index
// is rebuilt, and any key whose History Log trails its current version by
// exactly one gets that version appended.
func (p *Projector) Recover(ctx context.Context, store statestore.Store) error {
	if err := p.index.Rebuild(ctx, store); err != nil {
		return err
	}

	var repaired, gaps int
	err := store.Range(ctx, "", "", func(v *statestore.VersionedValue) error {
		if strings.HasPrefix(v.Key, commit.TxKeyPrefix) {
			return nil
		}
		last, err := p.history.LastVersion(ctx, v.Key)
		if err != nil {
			return err
		}
		switch {
		case last >= v.Version:
		case last+1 == v.Version:
			if err := p.appendHistory(ctx, v); err != nil {
				return err
			}
			repaired++
		default:
			gaps++
			p.logger.Error("history trails state by more than one version",
				zap.String("key", v.Key),
				zap.Uint64("history_version", last),
				zap.Uint64("version", v.Version),
			)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover history: %w", err)
	}

	height, err := store.Height(ctx)
	if err != nil {
		return err
	}
	p.advance(height)
	p.logger.Info("projection recovered",
		zap.Uint64("height", height),
		zap.Int("history_repaired", repaired),
		zap.Int("history_gaps", gaps),
	)
	return nil
}
