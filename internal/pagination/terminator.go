package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-orchestrator/internal/ingest"
	"github.com/JakeFAU/ingest-orchestrator/internal/metrics"
)

const defaultMaxPages = 500

// State is a step of the walk.
type State string

// Walk states.
const (
	StateFetchPage State = "FETCH_PAGE"
	StateParsePage State = "PARSE_PAGE"
	StateContinue  State = "CONTINUE"
	StateStop      State = "STOP"
)

// StopReason explains why a walk ended.
type StopReason string

// Stop reasons, in rule order.
const (
	StopNone      StopReason = ""
	StopEmptyPage StopReason = "empty_page"
	StopDuplicate StopReason = "duplicate_page"
	StopAge       StopReason = "age_cutoff"
	StopCeiling   StopReason = "page_ceiling"
	StopCanceled  StopReason = "canceled"
	StopError     StopReason = "fetch_error"
)

// Item is one entry of a feed page. Hash is derived from Body when zero.
type Item struct {
	Key       string
	Body      string
	Timestamp time.Time
	Fields    map[string]any
	Hash      uint64
	Page      int
}

// ContentHash returns the item's hash, computing it from Body when unset.
func (it Item) ContentHash() uint64 {
	if it.Hash != 0 {
		return it.Hash
	}
	return xxhash.Sum64String(it.Body)
}

// Fetcher loads one page (1-based) of the feed.
type Fetcher interface {
	FetchPage(ctx context.Context, page int) ([]Item, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, page int) ([]Item, error)

// FetchPage calls f.
func (f FetcherFunc) FetchPage(ctx context.Context, page int) ([]Item, error) {
	return f(ctx, page)
}

// Config controls termination.
//   - MaxPages: hard page ceiling (default 500).
//   - Cutoff: items with a non-zero Timestamp before Cutoff are excluded; zero disables the age bound.
//   - AdmitEvery: consult the admitter before every Nth page; zero disables it.
type Config struct {
	MaxPages   int
	Cutoff     time.Time
	AdmitEvery int
}

// PageState is the per-walk state threaded through the transitions.
type PageState struct {
	Page   int
	Seen   map[uint64]struct{}
	Cutoff time.Time
	State  State
	Stop   bool
	Reason StopReason
}

// Outcome summarizes a finished walk.
type Outcome struct {
	Pages    int
	Excluded int
	Reason   StopReason
}

// Terminator drives a Fetcher through the pagination state machine.
type Terminator struct {
	cfg      Config
	admitter ingest.Admitter
	logger   *zap.Logger
}

// New builds a Terminator. admitter may be nil.
func New(cfg Config, admitter ingest.Admitter, logger *zap.Logger) *Terminator {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Terminator{cfg: cfg, admitter: admitter, logger: logger}
}

// Walk fetches pages until a stop rule fires and returns the accumulated
// items. On a fetch error or cancellation the items gathered so far are
// returned alongside the error.
func (t *Terminator) Walk(ctx context.Context, fetcher Fetcher) ([]Item, Outcome, error) {
	state := &PageState{
		Page:   1,
		Seen:   make(map[uint64]struct{}),
		Cutoff: t.cfg.Cutoff,
		State:  StateFetchPage,
	}
	var (
		out      []Item
		excluded int
	)
	for !state.Stop {
		if err := ctx.Err(); err != nil {
			return out, t.finish(out, state, excluded, StopCanceled), fmt.Errorf("feed walk canceled at page %d: %w", state.Page, err)
		}
		if t.shouldAdmit(state.Page) {
			t.admitter.Admit(ctx)
		}

		state.State = StateFetchPage
		page, err := fetcher.FetchPage(ctx, state.Page)
		if err != nil {
			return out, t.finish(out, state, excluded, StopError), fmt.Errorf("fetch page %d: %w", state.Page, err)
		}

		state.State = StateParsePage
		fresh, dropped := Parse(state, page, t.cfg.MaxPages)
		out = append(out, fresh...)
		excluded += dropped
		if !state.Stop {
			state.Page++
		}
	}
	outcome := t.finish(out, state, excluded, state.Reason)
	return out, outcome, nil
}

// Parse applies the termination rules to one fetched page, updates state and
// returns the items to keep plus the number excluded by age.
func Parse(state *PageState, page []Item, maxPages int) ([]Item, int) {
	if len(page) == 0 {
		state.stop(StopEmptyPage)
		return nil, 0
	}

	allSeen := true
	for _, it := range page {
		if _, ok := state.Seen[it.ContentHash()]; !ok {
			allSeen = false
			break
		}
	}
	if allSeen {
		state.stop(StopDuplicate)
		return nil, 0
	}

	var (
		fresh    []Item
		excluded int
	)
	for _, it := range page {
		hash := it.ContentHash()
		if _, ok := state.Seen[hash]; ok {
			continue
		}
		state.Seen[hash] = struct{}{}
		if !state.Cutoff.IsZero() && !it.Timestamp.IsZero() && it.Timestamp.Before(state.Cutoff) {
			excluded++
			continue
		}
		it.Hash = hash
		it.Page = state.Page
		fresh = append(fresh, it)
	}
	// Every unseen item on the page fell before the cutoff.
	if excluded > 0 && len(fresh) == 0 {
		state.stop(StopAge)
		return fresh, excluded
	}
	if state.Page >= maxPages {
		state.stop(StopCeiling)
		return fresh, excluded
	}
	state.State = StateContinue
	return fresh, excluded
}

func (s *PageState) stop(reason StopReason) {
	s.Stop = true
	s.State = StateStop
	s.Reason = reason
}

func (t *Terminator) shouldAdmit(page int) bool {
	return t.admitter != nil && t.cfg.AdmitEvery > 0 && page > 1 && (page-1)%t.cfg.AdmitEvery == 0
}

func (t *Terminator) finish(out []Item, state *PageState, excluded int, reason StopReason) Outcome {
	metrics.ObservePaginationStop(string(reason))
	t.logger.Debug("feed walk finished",
		zap.Int("pages", state.Page),
		zap.Int("items", len(out)),
		zap.Int("excluded", excluded),
		zap.String("reason", string(reason)),
	)
	return Outcome{Pages: state.Page, Excluded: excluded, Reason: reason}
}
