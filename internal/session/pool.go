// Package session bounds the number of live expensive sessions and recycles
// idle ones between workers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after CloseAll.
var ErrPoolClosed = errors.New("session pool closed")

const defaultMaxInstances = 25

// Factory constructs one session.
type Factory[S ingest.Session] func(ctx context.Context) (S, error)

// Config controls pool sizing.
//   - MaxInstances: hard cap on live sessions and concurrent holders (default 25).
//   - IdleCapacity: soft cap on idle sessions kept for reuse (default MaxInstances).
type Config struct {
	MaxInstances int
	IdleCapacity int
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Live  int
	Idle  int
	InUse int
}

// Pool hands out sessions to at most MaxInstances holders at a time. Permits
// are a buffered channel shared by every worker holding the pool handle.
type Pool[S ingest.Session] struct {
	cfg     Config
	factory Factory[S]
	permits chan struct{}
	logger  *zap.Logger

	mu     sync.Mutex
	idle   []S
	live   int
	inUse  int
	closed bool
}

// New builds a pool over factory.
func New[S ingest.Session](cfg Config, factory Factory[S], logger *zap.Logger) (*Pool[S], error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if cfg.MaxInstances < 0 || cfg.IdleCapacity < 0 {
		return nil, fmt.Errorf("session pool sizes must be >= 0")
	}
	if cfg.MaxInstances == 0 {
		cfg.MaxInstances = defaultMaxInstances
	}
	if cfg.IdleCapacity == 0 || cfg.IdleCapacity > cfg.MaxInstances {
		cfg.IdleCapacity = cfg.MaxInstances
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[S]{
		cfg:     cfg,
		factory: factory,
		permits: make(chan struct{}, cfg.MaxInstances),
		logger:  logger,
	}, nil
}

// Acquire blocks until a permit is free, then reuses an idle session or builds
// a new one. A factory failure is returned as-is (wrapped with
// ingest.ErrSessionCreation); the pool never retries.
func (p *Pool[S]) Acquire(ctx context.Context) (S, error) {
	var zero S
	select {
	case p.permits <- struct{}{}:
	case <-ctx.Done():
		return zero, fmt.Errorf("session slot wait canceled: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.releasePermit()
		return zero, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.publishLocked()
		p.mu.Unlock()
		return s, nil
	}
	// Reserve the slot before the slow factory call.
	p.live++
	p.inUse++
	p.mu.Unlock()

	s, err := p.factory(ctx)
	metrics.ObserveSessionCreate(err == nil)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.inUse--
		p.publishLocked()
		p.mu.Unlock()
		p.releasePermit()
		return zero, fmt.Errorf("%w: %w", ingest.ErrSessionCreation, err)
	}
	p.mu.Lock()
	p.publishLocked()
	p.mu.Unlock()
	p.logger.Debug("session created")
	return s, nil
}

// Release resets s and keeps it for reuse when the idle queue has room;
// otherwise s is closed. The permit is returned either way.
func (p *Pool[S]) Release(ctx context.Context, s S) {
	defer p.releasePermit()

	resetErr := s.Reset(ctx)
	if resetErr != nil {
		p.logger.Warn("session reset failed; closing", zap.Error(resetErr))
	}

	p.mu.Lock()
	p.inUse--
	keep := resetErr == nil && !p.closed && len(p.idle) < p.cfg.IdleCapacity
	if keep {
		p.idle = append(p.idle, s)
	} else {
		p.live--
	}
	p.publishLocked()
	p.mu.Unlock()

	if !keep {
		p.closeSession(s)
	}
}

// Discard closes a session that must not be reused.
func (p *Pool[S]) Discard(s S) {
	defer p.releasePermit()

	p.mu.Lock()
	p.inUse--
	p.live--
	p.publishLocked()
	p.mu.Unlock()

	p.closeSession(s)
}

// CloseAll closes every idle session. Sessions still held are closed when
// released. Subsequent Acquire calls fail with ErrPoolClosed.
func (p *Pool[S]) CloseAll() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.publishLocked()
	p.mu.Unlock()

	for _, s := range idle {
		p.closeSession(s)
	}
}

// Stats returns current pool counters.
func (p *Pool[S]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: p.live, Idle: len(p.idle), InUse: p.inUse}
}

// MaxInstances returns the configured cap.
func (p *Pool[S]) MaxInstances() int {
	return p.cfg.MaxInstances
}

func (p *Pool[S]) closeSession(s S) {
	if err := s.Close(); err != nil {
		p.logger.Warn("session close failed", zap.Error(err))
	}
}

func (p *Pool[S]) releasePermit() {
	select {
	case <-p.permits:
	default:
	}
}

func (p *Pool[S]) publishLocked() {
	metrics.SetSessions(p.live, p.inUse)
}
