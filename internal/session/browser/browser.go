// Package browser provides headless Chrome sessions for the session pool.
// Each session owns one browser process started from a shared exec allocator.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/session"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	blankPage                = "about:blank"
)

// Config controls how browsers are launched.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	ExecPath          string
	Headless          bool
}

// Document is the rendered result of a navigation.
type Document struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Title      string
	HTML       string
	Duration   time.Duration
}

// Launcher starts browser sessions over one exec allocator.
type Launcher struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewLauncher prepares the allocator. No browser is started until NewSession.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Launcher{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}
}

// Factory adapts the launcher to the session pool.
func (l *Launcher) Factory() session.Factory[*Session] {
	return l.NewSession
}

// NewSession starts one browser and waits until it accepts commands or ctx
// is done.
func (l *Launcher) NewSession(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	browserCtx, cancel := chromedp.NewContext(l.allocator)
	meta := newResponseMeta()
	chromedp.ListenTarget(browserCtx, meta.captureEvent)

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx, l.setupAction())
	}()
	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}

	l.logger.Debug("browser session started")
	return &Session{
		ctx:        browserCtx,
		cancel:     cancel,
		meta:       meta,
		navTimeout: l.cfg.NavigationTimeout,
	}, nil
}

// Close stops the allocator and with it every browser it started.
func (l *Launcher) Close() {
	l.allocCancel()
}

func (l *Launcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Session is one live browser. It is used by a single worker at a time.
type Session struct {
	ctx        context.Context
	cancel     context.CancelFunc
	meta       *responseMeta
	navTimeout time.Duration
	closeOnce  sync.Once
	closeErr   error
}

// Run executes actions in the session's tab. The run is bounded by the
// navigation timeout and aborted when ctx is done.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", errors.Join(err, ctxErr))
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Load navigates to url and returns the rendered document.
func (s *Session) Load(ctx context.Context, url string) (Document, error) {
	var (
		html     string
		title    string
		finalURL string
	)
	s.meta.reset()
	start := time.Now()
	err := s.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return Document{}, fmt.Errorf("load %s: %w", url, err)
	}
	status, headers, responseURL := s.meta.snapshotWithFallbacks(url, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	return Document{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Title:      title,
		HTML:       html,
		Duration:   time.Since(start),
	}, nil
}

// EvaluateAt navigates to url, waits for the body and decodes the result of
// the JavaScript expression into out.
func (s *Session) EvaluateAt(ctx context.Context, url, expression string, out any) error {
	s.meta.reset()
	err := s.Run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(expression, out),
	)
	if err != nil {
		return fmt.Errorf("evaluate on %s: %w", url, err)
	}
	return nil
}

// Reset clears cookies and parks the tab on a blank page.
func (s *Session) Reset(ctx context.Context) error {
	s.meta.reset()
	if err := s.Run(ctx, network.ClearBrowserCookies(), chromedp.Navigate(blankPage)); err != nil {
		return fmt.Errorf("reset browser session: %w", err)
	}
	return nil
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		err := chromedp.Cancel(s.ctx)
		s.cancel()
		if err != nil && !errors.Is(err, chromedp.ErrInvalidContext) && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("close browser session: %w", err)
		}
	})
	return s.closeErr
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// capture keeps the most recent top-level document response.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	if event.Response.URL == blankPage {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.headers = http.Header{}
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
