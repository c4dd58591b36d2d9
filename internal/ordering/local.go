package ordering

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalConfig controls block cutting for a LocalOrderer.
type LocalConfig struct {
	// BatchSize is the maximum number of proposals per block.
	BatchSize int

	// BatchTimeout bounds how long the first proposal of a block waits for
	// company before the block is cut.
	BatchTimeout time.Duration
}

// LocalOrderer is an in-process sequencer for a single peer. It cuts a block
// when BatchSize proposals are pending or BatchTimeout has elapsed since the
// first pending proposal arrived.
type LocalOrderer struct {
	cfg    LocalConfig
	in     chan *Proposal
	out    chan *Block
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	chain  *chain
	logger *zap.Logger
}

// NewLocalOrderer starts a LocalOrderer whose first block has height
// start.Height+1.
func NewLocalOrderer(cfg LocalConfig, start Start, logger *zap.Logger) *LocalOrderer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	o := &LocalOrderer{
		cfg:    cfg,
		in:     make(chan *Proposal, cfg.BatchSize),
		out:    make(chan *Block, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		chain:  newChain(start),
		logger: logger,
	}
	go o.run()
	return o
}

// Broadcast implements Orderer.
func (o *LocalOrderer) Broadcast(ctx context.Context, p *Proposal) error {
	select {
	case <-o.quit:
		return ErrClosed
	default:
	}
	select {
	case o.in <- p:
		return nil
	case <-o.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Blocks implements Orderer.
func (o *LocalOrderer) Blocks() <-chan *Block { return o.out }

// Close implements Orderer. Proposals not yet cut into a block are dropped.
func (o *LocalOrderer) Close() error {
	o.once.Do(func() { close(o.quit) })
	<-o.done
	return nil
}

func (o *LocalOrderer) run() {
	defer close(o.done)
	defer close(o.out)

	var (
		pending []*Proposal
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	cut := func() bool {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) == 0 {
			return true
		}
		b := o.chain.seal(o.chain.height+1, pending)
		pending = nil
		select {
		case o.out <- b:
			o.logger.Debug("block cut",
				zap.Uint64("height", b.Height),
				zap.Int("proposals", len(b.Proposals)),
			)
			return true
		case <-o.quit:
			return false
		}
	}

	for {
		select {
		case p := <-o.in:
			pending = append(pending, p)
			if len(pending) == 1 {
				timer = time.NewTimer(o.cfg.BatchTimeout)
				timerC = timer.C
			}
			if len(pending) >= o.cfg.BatchSize && !cut() {
				return
			}
		case <-timerC:
			timer, timerC = nil, nil
			if !cut() {
				return
			}
		case <-o.quit:
			if timer != nil {
				timer.Stop()
			}
			if len(pending) > 0 {
				o.logger.Warn("orderer closed with pending proposals", zap.Int("dropped", len(pending)))
			}
			return
		}
	}
}
