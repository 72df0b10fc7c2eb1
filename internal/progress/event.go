package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
)

// Stage is the kind of milestone an Event records.
type Stage string

// Run stages.
const (
	StageRunStart Stage = "RUN_START"
	StageProgress Stage = "PROGRESS"
	StageRunDone  Stage = "RUN_DONE"
	StageRunError Stage = "RUN_ERROR"
)

// Event is one progress milestone of a run.
type Event struct {
	RunID   string
	Source  string
	TS      time.Time
	Stage   Stage
	Total   int
	Percent int
	// Report is set on RUN_DONE and RUN_ERROR.
	Report *ingest.RunReport
	Note   string
}

// Terminal reports whether the event closes a run.
func (e Event) Terminal() bool {
	return e.Stage == StageRunDone || e.Stage == StageRunError
}

// Validate rejects malformed events before they are queued.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
		if e.Total < 0 {
			return errors.New("total must be >= 0")
		}
	case StageProgress:
		if e.Percent < 0 || e.Percent > 100 {
			return fmt.Errorf("percent %d out of range", e.Percent)
		}
	case StageRunDone, StageRunError:
		if e.Report == nil {
			return fmt.Errorf("%s requires a report", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}
