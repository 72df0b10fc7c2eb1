// Package ingest defines core types shared across the ingestion subsystems.
package ingest

import (
	"time"
)

// WorkItem identifies one unit of crawlable work, such as a catalogue entry.
// Work items are immutable once listed.
type WorkItem struct {
	ID       string         `json:"id"`
	Locator  string         `json:"locator"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Record is a single extracted row persisted for a work item. Its payload shape
// is defined by the caller's schema.
type Record struct {
	ID          string         `json:"id"`
	ItemID      string         `json:"item_id"`
	Kind        string         `json:"kind"`
	ContentHash string         `json:"content_hash"`
	Payload     map[string]any `json:"payload"`
	FetchedAt   time.Time      `json:"fetched_at"`
}

// Result is the transient outcome of extracting one work item.
type Result struct {
	Item    WorkItem
	Records []Record
	Err     error
}

// RunReport summarizes a run. Processed and Failed always sum to the number of
// listed work items.
type RunReport struct {
	RunID      string        `json:"run_id"`
	SourceName string        `json:"source_name"`
	Processed  int           `json:"processed_count"`
	Failed     int           `json:"failed_count"`
	Elapsed    time.Duration `json:"elapsed"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Total returns the number of work items accounted for by the report.
func (r RunReport) Total() int {
	return r.Processed + r.Failed
}
