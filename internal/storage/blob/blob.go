// Package blob stores raw page artifacts on the local filesystem or in Google
// Cloud Storage.
package blob

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
)

// Backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
	BackendNone  = "none"
)

// Config selects and configures a backend.
type Config struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// Open builds the configured store. The returned close function releases the
// GCS client when one was created. A nil store means artifacts are not kept.
func Open(ctx context.Context, cfg Config) (ingest.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", BackendNone:
		return nil, noop, nil
	case BackendLocal:
		store, err := NewLocal(cfg.BaseDir)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create storage client: %w", err)
		}
		store, err := NewGCS(client, cfg.Bucket, cfg.Prefix)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}
