package lister

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
)

const (
	defaultCataloguePages   = 50
	defaultCatalogueTimeout = 15 * time.Second
)

// CatalogueConfig describes a catalogue index to walk.
//   - StartURL: first index page.
//   - LinkSelector: CSS selector for anchors that lead to work items.
//   - NextSelector: optional selector for the "next page" anchor.
//   - MaxPages: index pages to visit at most (default 50).
//   - MaxItems: stop collecting after this many items; zero means no limit.
type CatalogueConfig struct {
	StartURL       string
	LinkSelector   string
	NextSelector   string
	AllowedDomains []string
	MaxPages       int
	MaxItems       int
	UserAgent      string
	Timeout        time.Duration
	RespectRobots  bool
}

// Catalogue lists work items by crawling a catalogue index with colly. Each
// distinct link becomes one work item.
type Catalogue struct {
	cfg       CatalogueConfig
	transport http.RoundTripper
	ids       *uuid.Generator
	logger    *zap.Logger
}

// NewCatalogue validates cfg.
func NewCatalogue(cfg CatalogueConfig, logger *zap.Logger) (*Catalogue, error) {
	if strings.TrimSpace(cfg.StartURL) == "" {
		return nil, fmt.Errorf("catalogue start url is required")
	}
	if strings.TrimSpace(cfg.LinkSelector) == "" {
		return nil, fmt.Errorf("catalogue link selector is required")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultCataloguePages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCatalogueTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalogue{
		cfg:       cfg,
		transport: newHTTPTransport(),
		ids:       uuid.NewUUIDGenerator(),
		logger:    logger,
	}, nil
}

type catalogueWalk struct {
	mu       sync.Mutex
	items    []ingest.WorkItem
	seen     map[string]struct{}
	pages    int
	startErr error
}

// List implements ingest.Lister.
func (c *Catalogue) List(ctx context.Context) ([]ingest.WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: catalogue walk canceled: %w", ingest.ErrListing, err)
	}
	walk := &catalogueWalk{seen: make(map[string]struct{})}
	collector := c.collector(ctx, walk)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(c.cfg.StartURL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: catalogue walk canceled: %w", ingest.ErrListing, ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("%w: visit %s: %w", ingest.ErrListing, c.cfg.StartURL, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: catalogue walk canceled: %w", ingest.ErrListing, err)
	}

	walk.mu.Lock()
	defer walk.mu.Unlock()
	if walk.startErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ingest.ErrListing, c.cfg.StartURL, walk.startErr)
	}
	c.logger.Info("catalogue listed",
		zap.String("start_url", c.cfg.StartURL),
		zap.Int("pages", walk.pages),
		zap.Int("items", len(walk.items)),
	)
	return append([]ingest.WorkItem(nil), walk.items...), nil
}

func (c *Catalogue) collector(ctx context.Context, walk *catalogueWalk) *colly.Collector {
	opts := []colly.CollectorOption{colly.Async(false)}
	if len(c.cfg.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(c.cfg.AllowedDomains...))
	}
	collector := colly.NewCollector(opts...)
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(c.transport)

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		walk.mu.Lock()
		walk.pages++
		walk.mu.Unlock()
	})

	collector.OnHTML(c.cfg.LinkSelector, func(e *colly.HTMLElement) {
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href == "" {
			return
		}
		walk.mu.Lock()
		defer walk.mu.Unlock()
		if c.cfg.MaxItems > 0 && len(walk.items) >= c.cfg.MaxItems {
			return
		}
		if _, ok := walk.seen[href]; ok {
			return
		}
		walk.seen[href] = struct{}{}
		walk.items = append(walk.items, ingest.WorkItem{
			ID:      c.ids.RecordID("item", href),
			Locator: href,
			Metadata: map[string]any{
				"title":        strings.TrimSpace(e.Text),
				"listing_page": e.Request.URL.String(),
			},
		})
	})

	if c.cfg.NextSelector != "" {
		collector.OnHTML(c.cfg.NextSelector, func(e *colly.HTMLElement) {
			walk.mu.Lock()
			more := walk.pages < c.cfg.MaxPages &&
				(c.cfg.MaxItems == 0 || len(walk.items) < c.cfg.MaxItems)
			walk.mu.Unlock()
			if !more {
				return
			}
			if err := e.Request.Visit(e.Attr("href")); err != nil && !errors.Is(err, colly.ErrAlreadyVisited) {
				c.logger.Debug("next catalogue page skipped", zap.Error(err))
			}
		})
	}

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Request != nil && r.Request.URL.String() == c.cfg.StartURL {
			walk.mu.Lock()
			walk.startErr = err
			walk.mu.Unlock()
			return
		}
		c.logger.Warn("catalogue page failed", zap.Error(err))
	})
	return collector
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
