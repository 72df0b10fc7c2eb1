package orchestrator

import (
	"fmt"
	"runtime"
	"time"

	"github.com/JakeFAU/ingest-orchestrator/internal/retry"
)

const (
	defaultBatchSize    = 50
	defaultBatchTimeout = 10 * time.Minute
	defaultCooldownMin  = 3 * time.Second
	defaultCooldownMax  = 10 * time.Second
)

// Config is captured once at construction.
//   - SourceName: label for logs and metrics, and the persistence namespace.
//   - BatchSize: items per batch (default 50).
//   - WorkerCount: requested fan-out; capped at runtime.NumCPU() (default NumCPU).
//   - BatchTimeout: wall-clock bound per batch; unfinished items fail (default 10m).
//   - CooldownMin/CooldownMax: randomized pause between batches (default 3s..10s).
//   - SessionRetry/ExtractRetry: retry policies for session acquisition and extraction.
type Config struct {
	SourceName   string
	BatchSize    int
	WorkerCount  int
	BatchTimeout time.Duration
	CooldownMin  time.Duration
	CooldownMax  time.Duration
	SessionRetry retry.Config
	ExtractRetry retry.Config
}

func (c Config) withDefaults() (Config, error) {
	if c.SourceName == "" {
		return c, fmt.Errorf("source name is required")
	}
	if c.BatchSize < 0 || c.WorkerCount < 0 || c.BatchTimeout < 0 {
		return c, fmt.Errorf("batch size, worker count and batch timeout must be >= 0")
	}
	if c.CooldownMin < 0 || c.CooldownMax < 0 {
		return c, fmt.Errorf("cooldowns must be >= 0")
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = runtime.NumCPU()
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.CooldownMin == 0 && c.CooldownMax == 0 {
		c.CooldownMin, c.CooldownMax = defaultCooldownMin, defaultCooldownMax
	}
	if c.CooldownMax < c.CooldownMin {
		return c, fmt.Errorf("cooldown max %s is below min %s", c.CooldownMax, c.CooldownMin)
	}
	return c, nil
}

// workerWidth bounds the fan-out by the available cores.
func workerWidth(requested int) int {
	return max(1, min(requested, runtime.NumCPU()))
}
