package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/clock"
	"github.com/JakeFAU/ingest-orchestrator/internal/clock/system"
	"github.com/JakeFAU/ingest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/pagination"
	"github.com/JakeFAU/ingest-orchestrator/internal/session/browser"
)

// KindFeedEntry labels records produced by Feed.
const KindFeedEntry = "feed_entry"

// FeedConfig describes a paginated feed such as a review or comment list.
//   - PageURL: template expanded with {locator} and {page}.
//   - ItemSelector: CSS selector matching one entry.
//   - KeyAttr: optional attribute holding a stable entry key.
//   - TimeAttr: attribute holding the entry timestamp (default "datetime",
//     read from the entry or its first <time> descendant).
//   - TimeLayout: layout of TimeAttr values (default RFC 3339).
//   - MaxAge: entries older than now-MaxAge are dropped; zero keeps all.
type FeedConfig struct {
	PageURL      string
	ItemSelector string
	KeyAttr      string
	TimeAttr     string
	TimeLayout   string
	MaxAge       time.Duration
	Pagination   pagination.Config
}

type feedEntry struct {
	Key  string `json:"key"`
	Text string `json:"text"`
	Time string `json:"time"`
}

// Feed walks every page of an item's feed and emits one record per entry.
type Feed struct {
	cfg      FeedConfig
	admitter ingest.Admitter
	clock    clock.Clock
	ids      *uuid.Generator
	limiter  Waiter
	logger   *zap.Logger
	script   string
}

// NewFeed validates cfg and prepares the page script. admitter may be nil.
func NewFeed(cfg FeedConfig, admitter ingest.Admitter, clk clock.Clock, logger *zap.Logger) (*Feed, error) {
	if !strings.Contains(cfg.PageURL, "{page}") {
		return nil, fmt.Errorf("feed page url must contain {page}")
	}
	if strings.TrimSpace(cfg.ItemSelector) == "" {
		return nil, fmt.Errorf("feed item selector is required")
	}
	if cfg.MaxAge < 0 {
		return nil, fmt.Errorf("feed max age must be >= 0")
	}
	if cfg.TimeAttr == "" {
		cfg.TimeAttr = "datetime"
	}
	if cfg.TimeLayout == "" {
		cfg.TimeLayout = time.RFC3339
	}
	if clk == nil {
		clk = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	script, err := entryScript(cfg)
	if err != nil {
		return nil, err
	}
	return &Feed{
		cfg:      cfg,
		admitter: admitter,
		clock:    clk,
		ids:      uuid.NewUUIDGenerator(),
		logger:   logger,
		script:   script,
	}, nil
}

// Extract implements ingest.Extractor for browser sessions.
func (f *Feed) Extract(ctx context.Context, item ingest.WorkItem, sess *browser.Session) ([]ingest.Record, error) {
	return f.ExtractPage(ctx, item, Throttle(sess, f.limiter))
}

// SetLimiter paces every navigation made by Extract.
func (f *Feed) SetLimiter(w Waiter) {
	f.limiter = w
}

// ExtractPage walks the feed on any Page.
func (f *Feed) ExtractPage(ctx context.Context, item ingest.WorkItem, page Page) ([]ingest.Record, error) {
	if strings.TrimSpace(item.Locator) == "" {
		return nil, fatal(fmt.Errorf("work item %s has no locator", item.ID))
	}
	pcfg := f.cfg.Pagination
	if f.cfg.MaxAge > 0 {
		pcfg.Cutoff = f.clock.Now().Add(-f.cfg.MaxAge)
	}
	fetcher := pagination.FetcherFunc(func(ctx context.Context, n int) ([]pagination.Item, error) {
		var entries []feedEntry
		if err := page.EvaluateAt(ctx, f.pageURL(item.Locator, n), f.script, &entries); err != nil {
			return nil, err
		}
		return f.toItems(entries), nil
	})

	// A failed walk drops the items it gathered; a retry walks again from page 1.
	items, outcome, err := pagination.New(pcfg, f.admitter, f.logger).Walk(ctx, fetcher)
	if err != nil {
		return nil, fmt.Errorf("walk feed for %s after %d pages: %w", item.ID, outcome.Pages, err)
	}

	now := f.clock.Now()
	records := make([]ingest.Record, 0, len(items))
	for _, it := range items {
		hash := strconv.FormatUint(it.Hash, 16)
		payload := map[string]any{
			"key":  it.Key,
			"text": it.Body,
			"page": it.Page,
		}
		if !it.Timestamp.IsZero() {
			payload["published_at"] = it.Timestamp
		}
		records = append(records, ingest.Record{
			ID:          f.ids.RecordID(item.ID, KindFeedEntry, hash),
			ItemID:      item.ID,
			Kind:        KindFeedEntry,
			ContentHash: hash,
			Payload:     payload,
			FetchedAt:   now,
		})
	}
	f.logger.Debug("feed extracted",
		zap.String("item_id", item.ID),
		zap.Int("entries", len(records)),
		zap.Int("pages", outcome.Pages),
		zap.String("stop", string(outcome.Reason)),
	)
	return records, nil
}

func (f *Feed) pageURL(locator string, page int) string {
	return strings.NewReplacer("{locator}", locator, "{page}", strconv.Itoa(page)).Replace(f.cfg.PageURL)
}

func (f *Feed) toItems(entries []feedEntry) []pagination.Item {
	items := make([]pagination.Item, 0, len(entries))
	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		it := pagination.Item{Key: e.Key, Body: text}
		if e.Time != "" {
			if ts, err := time.Parse(f.cfg.TimeLayout, e.Time); err == nil {
				it.Timestamp = ts
			}
		}
		items = append(items, it)
	}
	return items
}

// entryScript builds the page expression. Selector and attribute names are
// embedded as JSON string literals.
func entryScript(cfg FeedConfig) (string, error) {
	sel, err := json.Marshal(cfg.ItemSelector)
	if err != nil {
		return "", fmt.Errorf("encode selector: %w", err)
	}
	keyAttr, err := json.Marshal(cfg.KeyAttr)
	if err != nil {
		return "", fmt.Errorf("encode key attribute: %w", err)
	}
	timeAttr, err := json.Marshal(cfg.TimeAttr)
	if err != nil {
		return "", fmt.Errorf("encode time attribute: %w", err)
	}
	return fmt.Sprintf(`(() => {
	const keyAttr = %s;
	const timeAttr = %s;
	return Array.from(document.querySelectorAll(%s)).map((el) => {
		const timeEl = el.hasAttribute(timeAttr) ? el : el.querySelector("time");
		return {
			key: keyAttr ? (el.getAttribute(keyAttr) || "") : "",
			text: (el.innerText || el.textContent || "").trim(),
			time: timeEl ? (timeEl.getAttribute(timeAttr) || "") : "",
		};
	});
})()`, keyAttr, timeAttr, sel), nil
}
