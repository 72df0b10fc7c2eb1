package extract

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/clock"
	"github.com/JakeFAU/ingest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/ingest-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/ingest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/session/browser"
)

// KindSnapshot labels records produced by Snapshot.
const KindSnapshot = "snapshot"

// Snapshot renders the item's locator and stores one record describing the
// page. The rendered HTML is written to the blob store when one is set.
type Snapshot struct {
	source  string
	blobs   ingest.BlobStore
	clock   clock.Clock
	ids     *uuid.Generator
	limiter Waiter
	logger  *zap.Logger
}

// NewSnapshot builds a Snapshot extractor for source. blobs may be nil.
func NewSnapshot(source string, blobs ingest.BlobStore, clk clock.Clock, logger *zap.Logger) *Snapshot {
	if clk == nil {
		clk = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshot{
		source: source,
		blobs:  blobs,
		clock:  clk,
		ids:    uuid.NewUUIDGenerator(),
		logger: logger,
	}
}

// Extract implements ingest.Extractor for browser sessions.
func (s *Snapshot) Extract(ctx context.Context, item ingest.WorkItem, sess *browser.Session) ([]ingest.Record, error) {
	return s.ExtractPage(ctx, item, Throttle(sess, s.limiter))
}

// SetLimiter paces every navigation made by Extract.
func (s *Snapshot) SetLimiter(w Waiter) {
	s.limiter = w
}

// ExtractPage runs the snapshot against any Page.
func (s *Snapshot) ExtractPage(ctx context.Context, item ingest.WorkItem, page Page) ([]ingest.Record, error) {
	if strings.TrimSpace(item.Locator) == "" {
		return nil, fatal(fmt.Errorf("work item %s has no locator", item.ID))
	}
	doc, err := page.Load(ctx, item.Locator)
	if err != nil {
		return nil, err
	}
	if err := statusError(doc.URL, doc.StatusCode); err != nil {
		return nil, err
	}

	digest := sha256.SumString(doc.HTML)
	payload := map[string]any{
		"url":          item.Locator,
		"final_url":    doc.URL,
		"status_code":  doc.StatusCode,
		"title":        doc.Title,
		"content_type": doc.Headers.Get("Content-Type"),
		"bytes":        len(doc.HTML),
		"render_ms":    doc.Duration.Milliseconds(),
	}
	if len(item.Metadata) > 0 {
		payload["metadata"] = item.Metadata
	}

	if s.blobs != nil {
		path := fmt.Sprintf("%s/%s/%s.html", s.source, item.ID, digest)
		uri, err := s.blobs.PutObject(ctx, path, "text/html; charset=utf-8", strings.NewReader(doc.HTML))
		if err != nil {
			return nil, fmt.Errorf("store snapshot for %s: %w", item.ID, err)
		}
		payload["blob_uri"] = uri
	}

	s.logger.Debug("snapshot captured",
		zap.String("item_id", item.ID),
		zap.Int("status", doc.StatusCode),
		zap.Int("bytes", len(doc.HTML)),
	)
	return []ingest.Record{{
		ID:          s.ids.RecordID(item.ID, KindSnapshot, digest),
		ItemID:      item.ID,
		Kind:        KindSnapshot,
		ContentHash: digest,
		Payload:     payload,
		FetchedAt:   s.clock.Now(),
	}}, nil
}
