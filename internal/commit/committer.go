// Package commit implements the validation and conflict checker. It consumes
// ordered blocks, validates every proposal's read-set against the State Store
// at apply time, and applies or rejects each proposal as a whole.
package commit

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"github.com/jmerrifield20/providerledger/internal/metrics"
	"github.com/jmerrifield20/providerledger/internal/ordering"
	"github.com/jmerrifield20/providerledger/internal/statestore"
	"go.uber.org/zap"
)

// TxKeyPrefix marks the State Store keys that record committed transaction
// ids. They are written in the same batch as the transaction, so duplicate
// detection survives restarts without holding ids in memory.
const TxKeyPrefix = "~tx~"

// TxKey returns the State Store key recording txID.
func TxKey(txID string) string { return TxKeyPrefix + txID }

// Status values reported for a processed proposal.
const (
	StatusValid   = "VALID"
	StatusInvalid = "INVALID"
)

// Result is the outcome of one proposal.
type Result struct {
	TxID        string                       `json:"txId"`
	Status      string                       `json:"status"`
	Code        model.Code                   `json:"code,omitempty"`
	Message     string                       `json:"message,omitempty"`
	BlockHeight uint64                       `json:"blockHeight"`
	Values      []*statestore.VersionedValue `json:"-"`
}

// Err returns the typed error for an invalid result, or nil.
func (r *Result) Err() error {
	if r.Status == StatusValid {
		return nil
	}
	return &model.Error{Code: r.Code, Message: r.Message}
}

// Committed is everything one block changed, in apply order.
type Committed struct {
	Height uint64
	Values []*statestore.VersionedValue
}

// Publisher receives committed blocks for asynchronous projection.
type Publisher interface {
	Publish(ctx context.Context, c *Committed)
}

// Committer applies ordered blocks to the State Store.
type Committer struct {
	store     statestore.Store
	publisher Publisher
	logger    *zap.Logger

	mu       sync.Mutex
	waiters  map[string]chan *Result
	height   uint64
	lastHash string
}

// New creates a Committer positioned at the store's current height.
func New(ctx context.Context, store statestore.Store, logger *zap.Logger) (*Committer, error) {
	h, err := store.Height(ctx)
	if err != nil {
		return nil, err
	}
	return &Committer{
		store:   store,
		logger:  logger,
		waiters: make(map[string]chan *Result),
		height:  h,
	}, nil
}

// SetPublisher attaches the projector that receives committed writes.
func (c *Committer) SetPublisher(p Publisher) { c.publisher = p }

// Height returns the highest block height committed.
func (c *Committer) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// LastHash returns the hash of the last committed block, or "" before the
// first block of this process.
func (c *Committer) LastHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

// Await registers interest in txID. It must be called before the proposal is
// broadcast. The returned cancel func releases the registration.
func (c *Committer) Await(txID string) (<-chan *Result, func()) {
	ch := make(chan *Result, 1)
	c.mu.Lock()
	c.waiters[txID] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		if c.waiters[txID] == ch {
			delete(c.waiters, txID)
		}
		c.mu.Unlock()
	}
}

// Run commits blocks until the channel closes or ctx is cancelled.
func (c *Committer) Run(ctx context.Context, blocks <-chan *ordering.Block) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-blocks:
			if !ok {
				return nil
			}
			c.CommitBlock(ctx, b)
		}
	}
}

// CommitBlock validates and applies every proposal of b in order and notifies
// waiters. Blocks at or below the committed height are skipped.
func (c *Committer) CommitBlock(ctx context.Context, b *ordering.Block) []*Result {
	start := time.Now()

	c.mu.Lock()
	height, lastHash := c.height, c.lastHash
	c.mu.Unlock()

	if b.Height <= height {
		c.logger.Warn("skipping already committed block",
			zap.Uint64("height", b.Height),
			zap.Uint64("committed", height),
		)
		return nil
	}

	var blockErr error
	switch {
	case b.Hash != b.ComputeHash():
		blockErr = model.Errorf(model.CodeInternal, "block %d hash mismatch", b.Height)
	case lastHash != "" && b.PrevHash != lastHash:
		blockErr = model.Errorf(model.CodeInternal, "block %d does not chain to %s", b.Height, lastHash)
	}

	results := make([]*Result, 0, len(b.Proposals))
	committed := &Committed{Height: b.Height}
	for _, p := range b.Proposals {
		var r *Result
		if blockErr != nil {
			r = invalid(p, b.Height, blockErr)
		} else {
			r = c.apply(ctx, p, b.Height)
		}
		results = append(results, r)
		committed.Values = append(committed.Values, r.Values...)
	}

	if blockErr != nil {
		c.logger.Error("rejecting block", zap.Uint64("height", b.Height), zap.Error(blockErr))
	} else {
		c.mu.Lock()
		c.height = b.Height
		c.lastHash = b.Hash
		c.mu.Unlock()
		metrics.ObserveCommit(time.Since(start), b.Height)
		if c.publisher != nil {
			c.publisher.Publish(ctx, committed)
		}
	}

	c.mu.Lock()
	for _, r := range results {
		if ch, ok := c.waiters[r.TxID]; ok {
			ch <- r
			delete(c.waiters, r.TxID)
		}
	}
	c.mu.Unlock()
	return results
}

func (c *Committer) apply(ctx context.Context, p *ordering.Proposal, height uint64) *Result {
	txKey := TxKey(p.TxID)
	if prior, err := c.store.Get(ctx, txKey); err == nil {
		return c.reject(p, height, duplicate(p.TxID, prior.BlockHeight))
	} else if !errors.Is(err, statestore.ErrNotFound) {
		return c.fail(p, height, err)
	}

	// The marker is read at version 0 so a concurrent duplicate conflicts.
	reads := append(slices.Clip(p.Reads), statestore.Read{Key: txKey})
	writes := append(slices.Clip(p.Writes), statestore.Write{Key: txKey, Value: []byte(strconv.FormatUint(height, 10))})

	values, err := c.store.Apply(ctx, &statestore.Batch{
		TxID:      p.TxID,
		Height:    height,
		Timestamp: p.Timestamp,
		Reads:     reads,
		Writes:    writes,
	})
	if err != nil {
		var conflict *statestore.ConflictError
		if errors.As(err, &conflict) {
			if conflict.Key == txKey {
				return c.reject(p, height, duplicate(p.TxID, height))
			}
			return c.reject(p, height, model.Errorf(model.CodeStaleRead,
				"stale read of %q: read version %d, current version %d; resubmit",
				conflict.Key, conflict.Expected, conflict.Actual))
		}
		return c.fail(p, height, err)
	}

	metrics.RecordTransaction(p.Op, "ok")
	c.logger.Debug("transaction committed",
		zap.String("tx_id", p.TxID),
		zap.String("op", p.Op),
		zap.Uint64("height", height),
	)
	values = slices.DeleteFunc(values, func(v *statestore.VersionedValue) bool { return v.Key == txKey })
	return &Result{TxID: p.TxID, Status: StatusValid, BlockHeight: height, Values: values}
}

func duplicate(txID string, height uint64) error {
	return model.Errorf(model.CodeInvalidInput, "transaction %s already committed at height %d", txID, height)
}

func (c *Committer) fail(p *ordering.Proposal, height uint64, err error) *Result {
	c.logger.Error("apply failed",
		zap.String("tx_id", p.TxID),
		zap.Uint64("height", height),
		zap.Error(err),
	)
	return c.reject(p, height, model.Errorf(model.CodeInternal, "apply failed: %v", err))
}

func (c *Committer) reject(p *ordering.Proposal, height uint64, err error) *Result {
	r := invalid(p, height, err)
	metrics.RecordTransaction(p.Op, string(r.Code))
	c.logger.Info("transaction rejected",
		zap.String("tx_id", p.TxID),
		zap.String("op", p.Op),
		zap.String("code", string(r.Code)),
		zap.Uint64("height", height),
	)
	return r
}

func invalid(p *ordering.Proposal, height uint64, err error) *Result {
	e := model.AsError(err)
	return &Result{TxID: p.TxID, Status: StatusInvalid, Code: e.Code, Message: e.Message, BlockHeight: height}
}
