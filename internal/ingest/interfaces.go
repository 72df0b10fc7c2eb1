package ingest

import (
	"context"
	"io"
)

// Session is an expensive, stateful handle such as a remote browser. A session
// is owned by exactly one worker between acquire and release.
type Session interface {
	// Reset clears transient state (cookies, open pages) before reuse.
	Reset(ctx context.Context) error
	Close() error
}

// Extractor performs the site-specific scraping of one work item.
type Extractor[S Session] interface {
	Extract(ctx context.Context, item WorkItem, session S) ([]Record, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc[S Session] func(ctx context.Context, item WorkItem, session S) ([]Record, error)

// Extract calls f.
func (f ExtractorFunc[S]) Extract(ctx context.Context, item WorkItem, session S) ([]Record, error) {
	return f(ctx, item, session)
}

// PersistSink batch-persists records for a source and returns their ids.
type PersistSink interface {
	SaveBatch(ctx context.Context, source string, records []Record) ([]string, error)
}

// ProgressSink receives monotonically non-decreasing 0-100 progress updates.
type ProgressSink interface {
	ReportProgress(percent int)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(percent int)

// ReportProgress calls f.
func (f ProgressFunc) ReportProgress(percent int) {
	f(percent)
}

// RunObserver is notified at run boundaries. A ProgressSink may also
// implement it.
type RunObserver interface {
	RunStarted(runID, source string, total int)
	RunFinished(report RunReport, err error)
}

// Lister produces the full set of work items for a run.
type Lister interface {
	List(ctx context.Context) ([]WorkItem, error)
}

// Admitter gates work admission on host resource pressure.
type Admitter interface {
	Admit(ctx context.Context) bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher announces finished runs and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, payload any) (string, error)
}
