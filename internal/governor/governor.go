// Package governor gates work admission on host memory pressure.
package governor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/clock"
	"github.com/JakeFAU/ingest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/ingest-orchestrator/internal/metrics"
)

const (
	defaultMaxMemoryPercent = 80
	defaultCooldown         = 5 * time.Second
)

// Probe reports host memory utilization as a percentage in [0, 100].
type Probe interface {
	MemoryPercent(ctx context.Context) (float64, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (float64, error)

// MemoryPercent calls f.
func (f ProbeFunc) MemoryPercent(ctx context.Context) (float64, error) {
	return f(ctx)
}

// VirtualMemoryProbe reads utilization through gopsutil.
type VirtualMemoryProbe struct{}

// MemoryPercent returns the used-memory percentage of the host.
func (VirtualMemoryProbe) MemoryPercent(ctx context.Context) (float64, error) {
	stat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return stat.UsedPercent, nil
}

// Config controls the admission threshold.
type Config struct {
	MaxMemoryPercent float64
	Cooldown         time.Duration
}

// Governor is a soft brake: it never blocks admission for longer than one
// cooldown and fails open when the probe is unavailable.
type Governor struct {
	cfg     Config
	probe   Probe
	clock   clock.Clock
	reclaim func()
	logger  *zap.Logger
}

// Option customizes a Governor.
type Option func(*Governor)

// WithProbe overrides the memory probe.
func WithProbe(p Probe) Option {
	return func(g *Governor) { g.probe = p }
}

// WithClock overrides the clock used for cooldown sleeps.
func WithClock(c clock.Clock) Option {
	return func(g *Governor) { g.clock = c }
}

// WithReclaim overrides the memory reclamation hint.
func WithReclaim(fn func()) Option {
	return func(g *Governor) { g.reclaim = fn }
}

// New builds a Governor. Zero config values fall back to 80% and 5s.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Governor {
	if cfg.MaxMemoryPercent <= 0 {
		cfg.MaxMemoryPercent = defaultMaxMemoryPercent
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		cfg:     cfg,
		probe:   VirtualMemoryProbe{},
		clock:   system.New(),
		reclaim: debug.FreeOSMemory,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit reports whether new work may start. Under memory pressure it hints the
// runtime to return memory, sleeps one cooldown and returns false.
func (g *Governor) Admit(ctx context.Context) bool {
	percent, err := g.probe.MemoryPercent(ctx)
	if err != nil {
		g.logger.Debug("memory probe unavailable; admitting", zap.Error(err))
		return true
	}
	if percent <= g.cfg.MaxMemoryPercent {
		metrics.ObserveMemory(percent, false)
		return true
	}
	metrics.ObserveMemory(percent, true)
	g.logger.Warn("memory pressure; pausing admission",
		zap.Float64("memory_percent", percent),
		zap.Float64("max_percent", g.cfg.MaxMemoryPercent),
		zap.Duration("cooldown", g.cfg.Cooldown),
	)
	if g.reclaim != nil {
		g.reclaim()
	}
	if err := g.clock.Sleep(ctx, g.cfg.Cooldown); err != nil {
		g.logger.Debug("governor cooldown interrupted", zap.Error(err))
	}
	return false
}

// Cooldown returns the configured pause applied under memory pressure.
func (g *Governor) Cooldown() time.Duration {
	return g.cfg.Cooldown
}
