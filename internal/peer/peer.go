// Package peer is the entry point a client talks to. Write operations are
// executed locally, broadcast to the orderer and awaited until committed;
// read operations are answered directly by the processor.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/providerledger/internal/commit"
	"github.com/jmerrifield20/providerledger/internal/history"
	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"github.com/jmerrifield20/providerledger/internal/metrics"
	"github.com/jmerrifield20/providerledger/internal/ordering"
	"github.com/jmerrifield20/providerledger/internal/processor"
	"github.com/jmerrifield20/providerledger/internal/projection"
	"go.uber.org/zap"
)

// DefaultCommitTimeout bounds how long Submit waits for a broadcast
// transaction to be committed.
const DefaultCommitTimeout = 10 * time.Second

// Config holds peer settings.
type Config struct {
	CommitTimeout time.Duration
}

// Receipt is the outcome of a successful invocation. TxID and BlockHeight
// are empty for read operations.
type Receipt struct {
	TxID        string `json:"txId,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	Result      any    `json:"result"`
}

// Status summarises the peer's view of the ledger.
type Status struct {
	Height          uint64 `json:"height"`
	ProjectedHeight uint64 `json:"projectedHeight"`
	LastBlockHash   string `json:"lastBlockHash,omitempty"`
	HistoryEntries  int    `json:"historyEntries"`
	HistoryRoot     string `json:"historyRoot"`
}

// Peer glues the processor, orderer, committer and projector together.
type Peer struct {
	processor *processor.Processor
	orderer   ordering.Orderer
	committer *commit.Committer
	projector *projection.Projector
	history   history.Log
	cfg       Config
	logger    *zap.Logger
}

// New creates a Peer. GetHistory reads wait on the projector so they always
// include the key's current version.
func New(
	proc *processor.Processor,
	orderer ordering.Orderer,
	committer *commit.Committer,
	projector *projection.Projector,
	log history.Log,
	cfg Config,
	logger *zap.Logger,
) *Peer {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	proc.SetHeightWaiter(projector)
	return &Peer{
		processor: proc,
		orderer:   orderer,
		committer: committer,
		projector: projector,
		history:   log,
		cfg:       cfg,
		logger:    logger,
	}
}

// Invoke dispatches op to Submit or Evaluate.
func (p *Peer) Invoke(ctx context.Context, op string, args json.RawMessage) (*Receipt, error) {
	switch {
	case processor.IsWrite(op):
		return p.Submit(ctx, op, args)
	case processor.IsRead(op):
		result, err := p.Evaluate(ctx, op, args)
		if err != nil {
			return nil, err
		}
		return &Receipt{Result: result}, nil
	default:
		return nil, model.Errorf(model.CodeInvalidInput, "unknown operation %q", op)
	}
}

// Submit executes a write operation and waits for it to be committed.
// Execution failures return before anything is broadcast. A StaleRead
// result means the caller should resubmit.
func (p *Peer) Submit(ctx context.Context, op string, args json.RawMessage) (*Receipt, error) {
	txID := uuid.NewString()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	exec, err := p.processor.Execute(ctx, processor.Invocation{TxID: txID, Op: op, Args: args, Timestamp: ts})
	if err != nil {
		metrics.RecordTransaction(op, string(model.CodeOf(err)))
		if model.CodeOf(err) == model.CodeInternal {
			p.logger.Error("execution failed", zap.String("tx_id", txID), zap.String("op", op), zap.Error(err))
		}
		return nil, err
	}

	done, cancel := p.committer.Await(txID)
	defer cancel()

	proposal := &ordering.Proposal{
		TxID:      txID,
		Op:        op,
		Timestamp: ts,
		Reads:     exec.Reads,
		Writes:    exec.Writes,
	}
	if err := p.orderer.Broadcast(ctx, proposal); err != nil {
		if errors.Is(err, ordering.ErrClosed) {
			return nil, model.Errorf(model.CodeInternal, "ordering service is shut down")
		}
		return nil, fmt.Errorf("broadcast %s: %w", txID, err)
	}

	wait, stop := context.WithTimeout(ctx, p.cfg.CommitTimeout)
	defer stop()
	select {
	case r := <-done:
		if err := r.Err(); err != nil {
			return nil, err
		}
		return &Receipt{TxID: txID, BlockHeight: r.BlockHeight, Result: exec.Result}, nil
	case <-wait.Done():
		p.logger.Warn("commit wait expired",
			zap.String("tx_id", txID),
			zap.String("op", op),
			zap.Duration("timeout", p.cfg.CommitTimeout),
		)
		return nil, model.Errorf(model.CodeInternal,
			"transaction %s was broadcast but not committed within %s; its outcome is unknown", txID, p.cfg.CommitTimeout)
	}
}

// Evaluate runs a read operation. It never writes.
func (p *Peer) Evaluate(ctx context.Context, op string, args json.RawMessage) (any, error) {
	result, err := p.processor.Query(ctx, op, args)
	if err != nil && model.CodeOf(err) == model.CodeInternal {
		p.logger.Error("query failed", zap.String("op", op), zap.Error(err))
	}
	return result, err
}

// Status reports committed and projected heights and the History Log tip.
func (p *Peer) Status(ctx context.Context) (*Status, error) {
	n, err := p.history.Len(ctx)
	if err != nil {
		return nil, err
	}
	root, err := p.history.Root(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Height:          p.committer.Height(),
		ProjectedHeight: p.projector.Height(),
		LastBlockHash:   p.committer.LastHash(),
		HistoryEntries:  n,
		HistoryRoot:     root,
	}, nil
}

// HistoryEntry returns the History Log entry at global index idx.
func (p *Peer) HistoryEntry(ctx context.Context, idx int) (*history.Entry, error) {
	e, err := p.history.Get(ctx, idx)
	if errors.Is(err, history.ErrNotFound) {
		return nil, model.Errorf(model.CodeNotFound, "history entry %d not found", idx)
	}
	return e, err
}
