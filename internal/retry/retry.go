// Package retry runs operations with bounded attempts and exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/clock"
	"github.com/JakeFAU/ingest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/metrics"
)

// Config describes a retry policy.
//   - MaxAttempts: total calls of the operation, including the first (default 3).
//   - BaseDelay: wait after the first failure; doubles after each further failure (default 1s).
//   - MaxDelay: optional ceiling for a single wait.
//   - Jitter: optional fraction in [0, 1] of extra random delay added on top of the backoff.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// ExhaustedError is returned when every attempt failed. Unwrap yields the last
// error of the operation unchanged.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Policy implements exponential backoff with an error classification predicate.
type Policy struct {
	name      string
	cfg       Config
	retryable func(error) bool
	clock     clock.Clock
	logger    *zap.Logger
}

// Option customizes a Policy.
type Option func(*Policy)

// WithRetryable sets the predicate deciding whether an error may be retried.
// Errors marked with ingest.Fatal are never retried, and nothing is retried
// once the caller's context is done.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) { p.retryable = fn }
}

// WithClock overrides the clock used for backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(p *Policy) { p.clock = c }
}

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// New builds a named Policy. The name labels logs and metrics.
func New(name string, cfg Config, opts ...Option) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	cfg.Jitter = math.Max(0, math.Min(cfg.Jitter, 1))
	p := &Policy{
		name:   name,
		cfg:    cfg,
		clock:  system.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts returns the total number of calls the policy allows.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// ShouldRetry decides whether err may be retried after attempt (1-based).
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	return attempt < p.cfg.MaxAttempts && p.retryableClass(err)
}

func (p *Policy) retryableClass(err error) bool {
	if err == nil || ingest.IsFatal(err) {
		return false
	}
	if p.retryable != nil {
		return p.retryable(err)
	}
	return true
}

// Backoff returns the wait after the given failed attempt: BaseDelay * 2^(attempt-1).
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.cfg.MaxDelay > 0 && delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter > 0 {
		delay += delay * p.cfg.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}

// Run executes fn under the policy.
func (p *Policy) Run(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do executes op until it succeeds, fails with a non-retryable error, or runs
// out of attempts. Exhaustion is reported as *ExhaustedError.
func Do[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Debug("operation succeeded after retry",
					zap.String("op", p.name), zap.Int("attempt", attempt))
			}
			return result, nil
		}
		if ctx.Err() != nil || !p.retryableClass(err) {
			return zero, err
		}
		if attempt >= p.cfg.MaxAttempts {
			metrics.ObserveRetryExhausted(p.name)
			p.logger.Warn("retry attempts exhausted",
				zap.String("op", p.name), zap.Int("attempts", attempt), zap.Error(err))
			return zero, &ExhaustedError{Op: p.name, Attempts: attempt, Err: err}
		}
		wait := p.Backoff(attempt)
		metrics.ObserveRetry(p.name)
		p.logger.Debug("retrying after backoff",
			zap.String("op", p.name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if sleepErr := p.clock.Sleep(ctx, wait); sleepErr != nil {
			return zero, fmt.Errorf("%s backoff interrupted: %w", p.name, errors.Join(err, sleepErr))
		}
	}
}
