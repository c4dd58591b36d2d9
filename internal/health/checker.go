package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	// MaxLag is how many blocks the projector may trail the committer
	// before a check counts as failed.
	MaxLag        uint64
	FailThreshold int
}

// HeightSource reports an in-process height (committer or projector).
type HeightSource interface {
	Height() uint64
}

// StoreProbe reports the durable State Store height.
type StoreProbe interface {
	Height(ctx context.Context) (uint64, error)
}

// ChainVerifier walks a hash chain.
type ChainVerifier interface {
	Verify(ctx context.Context) error
}

// Health states.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Report is the result of the latest check.
type Report struct {
	Status          string    `json:"status"`
	Height          uint64    `json:"height"`
	ProjectedHeight uint64    `json:"projectedHeight"`
	HistoryValid    bool      `json:"historyValid"`
	Problems        []string  `json:"problems,omitempty"`
	CheckedAt       time.Time `json:"checkedAt"`
}

// Checker periodically probes the State Store, the projection lag and the
// History Log chain.
type Checker struct {
	store     StoreProbe
	committed HeightSource
	projected HeightSource
	history   ChainVerifier
	cfg       Config
	logger    *zap.Logger

	mu        sync.Mutex
	failCount int
	last      *Report
	onChange  func(*Report)
}

// New creates a new Checker.
func New(store StoreProbe, committed, projected HeightSource, history ChainVerifier, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.MaxLag == 0 {
		cfg.MaxLag = 100
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		store:     store,
		committed: committed,
		projected: projected,
		history:   history,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetOnChange registers fn to be called whenever the reported status changes,
// including the first check.
func (h *Checker) SetOnChange(fn func(*Report)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// Run checks once immediately and then every CheckInterval until ctx ends.
func (h *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		h.CheckNow(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CheckNow runs every probe and records the report. Projection lag must
// persist for FailThreshold consecutive checks before it degrades health;
// an unreachable store or a broken history chain degrades it at once.
func (h *Checker) CheckNow(ctx context.Context) *Report {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	r := &Report{
		Status:          StatusHealthy,
		Height:          h.committed.Height(),
		ProjectedHeight: h.projected.Height(),
		HistoryValid:    true,
		CheckedAt:       time.Now().UTC(),
	}

	if _, err := h.store.Height(ctx); err != nil {
		r.Problems = append(r.Problems, fmt.Sprintf("state store unreachable: %v", err))
	}
	if err := h.history.Verify(ctx); err != nil {
		r.HistoryValid = false
		r.Problems = append(r.Problems, fmt.Sprintf("history chain: %v", err))
	}

	lagging := r.Height > r.ProjectedHeight && r.Height-r.ProjectedHeight > h.cfg.MaxLag

	h.mu.Lock()
	if lagging {
		h.failCount++
	} else {
		h.failCount = 0
	}
	count := h.failCount
	h.mu.Unlock()

	if count >= h.cfg.FailThreshold {
		r.Problems = append(r.Problems, fmt.Sprintf("projection trails by %d blocks", r.Height-r.ProjectedHeight))
	}
	if len(r.Problems) > 0 {
		r.Status = StatusDegraded
	}

	h.mu.Lock()
	prev := h.last
	h.last = r
	onChange := h.onChange
	h.mu.Unlock()

	if onChange != nil && (prev == nil || prev.Status != r.Status) {
		onChange(r)
	}

	switch {
	case r.Status == StatusDegraded && (prev == nil || prev.Status != StatusDegraded):
		h.logger.Warn("health: degraded", zap.Strings("problems", r.Problems))
	case r.Status == StatusHealthy && prev != nil && prev.Status == StatusDegraded:
		h.logger.Info("health: recovered", zap.Uint64("height", r.Height))
	}
	return r
}

// Last returns the latest report, running a check if none exists yet.
func (h *Checker) Last(ctx context.Context) *Report {
	h.mu.Lock()
	r := h.last
	h.mu.Unlock()
	if r == nil {
		return h.CheckNow(ctx)
	}
	return r
}
