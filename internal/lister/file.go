// Package lister produces the work items of a run.
package lister

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
)

// File reads work items from a JSON-lines file, one object per line with
// "id", "locator" and optional "metadata". Items without an id get one
// derived from the locator; repeated ids are skipped.
type File struct {
	path   string
	ids    *uuid.Generator
	logger *zap.Logger
}

// NewFile builds a File lister for path.
func NewFile(path string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{path: path, ids: uuid.NewUUIDGenerator(), logger: logger}
}

// List implements ingest.Lister.
func (f *File) List(ctx context.Context) ([]ingest.WorkItem, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ingest.ErrListing, f.path, err)
	}
	defer func() { _ = fh.Close() }()

	items, err := f.decode(ctx, fh)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ingest.ErrListing, f.path, err)
	}
	f.logger.Info("work items listed", zap.String("path", f.path), zap.Int("items", len(items)))
	return items, nil
}

func (f *File) decode(ctx context.Context, r io.Reader) ([]ingest.WorkItem, error) {
	dec := json.NewDecoder(r)
	seen := make(map[string]struct{})
	var items []ingest.WorkItem
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var item ingest.WorkItem
		if err := dec.Decode(&item); err != nil {
			if errors.Is(err, io.EOF) {
				return items, nil
			}
			return nil, fmt.Errorf("entry %d: %w", n, err)
		}
		item.Locator = strings.TrimSpace(item.Locator)
		if item.Locator == "" {
			return nil, fmt.Errorf("entry %d: locator is required", n)
		}
		if item.ID == "" {
			item.ID = f.ids.RecordID("item", item.Locator)
		}
		if _, dup := seen[item.ID]; dup {
			f.logger.Debug("duplicate work item skipped", zap.String("item_id", item.ID))
			continue
		}
		seen[item.ID] = struct{}{}
		items = append(items, item)
	}
}
