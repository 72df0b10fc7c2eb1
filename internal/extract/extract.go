// Package extract holds the concrete extraction strategies run by workers
// against a browser session.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/session/browser"
)

// Page is the browser surface the extractors drive. *browser.Session
// implements it.
type Page interface {
	Load(ctx context.Context, url string) (browser.Document, error)
	EvaluateAt(ctx context.Context, url, expression string, out any) error
}

var _ Page = (*browser.Session)(nil)

// Waiter paces navigations. *ratelimit.Limiter implements it.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// throttled waits on w before every navigation of page.
type throttled struct {
	page Page
	w    Waiter
}

// Throttle returns page paced by w. A nil w returns page unchanged.
func Throttle(page Page, w Waiter) Page {
	if w == nil {
		return page
	}
	return throttled{page: page, w: w}
}

func (t throttled) Load(ctx context.Context, url string) (browser.Document, error) {
	if err := t.w.Wait(ctx, url); err != nil {
		return browser.Document{}, err
	}
	return t.page.Load(ctx, url)
}

func (t throttled) EvaluateAt(ctx context.Context, url, expression string, out any) error {
	if err := t.w.Wait(ctx, url); err != nil {
		return err
	}
	return t.page.EvaluateAt(ctx, url, expression, out)
}

// ErrBadStatus marks an unsuccessful HTTP status for the main document.
var ErrBadStatus = errors.New("unexpected document status")

// statusError classifies a document status. Client errors other than timeouts
// and rate limits will not improve on retry.
func statusError(url string, status int) error {
	if status < http.StatusBadRequest {
		return nil
	}
	err := fmt.Errorf("%w %d for %s", ErrBadStatus, status, url)
	if status < http.StatusInternalServerError &&
		status != http.StatusRequestTimeout &&
		status != http.StatusTooManyRequests {
		return fatal(err)
	}
	return err
}

func fatal(err error) error {
	return ingest.Fatal(err)
}
