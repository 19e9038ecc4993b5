// Package paginate drives multi-page traversal for one query session. The
// controller fetches pages strictly in order, dedups records by natural key
// and decides when the session ends.
package paginate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/writable"
)

// Phase is the controller state machine position.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseFetching
	PhaseExtracting
	PhaseDeciding
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseFetching:
		return "fetching-page"
	case PhaseExtracting:
		return "extracting"
	case PhaseDeciding:
		return "deciding"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Reason says why a session terminated.
type Reason string

const (
	ReasonMaxPages  Reason = "max-pages"
	ReasonNoNew     Reason = "no-new-items"
	ReasonNoNext    Reason = "no-next"
	ReasonFatal     Reason = "fatal"
	ReasonCancelled Reason = "cancelled"
	ReasonCycle     Reason = "cycle"
	ReasonStopped   Reason = "stopped"
	ReasonSchema    Reason = "schema-error"
)

// EventKind tags an Event.
type EventKind int

const (
	EventRecord EventKind = iota
	EventSkipped
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventRecord:
		return "record"
	case EventSkipped:
		return "skipped"
	case EventDone:
		return "done"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one element of a session's output stream.
type Event struct {
	Kind   EventKind
	Record *writable.Writable
	Page   int
	URL    string
	Reason Reason
	Err    error
}

// PageRequest asks for one page.
type PageRequest struct {
	URL    string
	Number int // 1-based
}

// Page is the extracted content of one page. Next is the resolved next-page
// URL when the schema follows a next affordance; empty means it missed. A
// non-nil Err means the fetch failed for good.
type Page struct {
	URL     string
	Records []*writable.Writable
	Next    string
	Err     error
}

// PageFetcher fetches and extracts one page.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) Page
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, req PageRequest) Page

func (f PageFetcherFunc) FetchPage(ctx context.Context, req PageRequest) Page { return f(ctx, req) }

// Cursor points at the page being processed.
type Cursor struct {
	Page int
	URL  string
}

// State is the per-session pagination state. It is owned by one Run.
type State struct {
	SeenKeys     map[string]struct{}
	SeenURLs     map[string]struct{}
	PagesFetched int
	Cursor       Cursor
	Phase        Phase
	Terminated   bool
	Reason       Reason
	Err          error
	Duplicates   int
	Emitted      int
	SkippedPages int
}

func newState() *State {
	return &State{SeenKeys: map[string]struct{}{}, SeenURLs: map[string]struct{}{}}
}

// Controller runs pagination sessions for one schema. A Controller is
// immutable; every Run gets fresh state.
type Controller struct {
	schema   *schema.Schema
	vars     schema.Vars
	maxPages int
	key      KeyFunc
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxPages overrides the schema page limit when n > 0.
func WithMaxPages(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithVars sets the substitutions for url_template pagination.
func WithVars(v schema.Vars) Option { return func(c *Controller) { c.vars = v } }

// WithKey replaces the natural key function.
func WithKey(k KeyFunc) Option { return func(c *Controller) { c.key = k } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// New creates a Controller for s.
func New(s *schema.Schema, opts ...Option) *Controller {
	c := &Controller{schema: s, maxPages: s.PageLimit(), key: NaturalKey(s)}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// MaxPages returns the effective page limit.
func (c *Controller) MaxPages() int { return c.maxPages }

// Run drives a session from firstURL. emit receives every event in order;
// returning false stops the session and no further event is delivered.
// Otherwise the last event is always EventDone. Run returns the final state.
func (c *Controller) Run(ctx context.Context, firstURL string, fetch PageFetcher, emit func(Event) bool) *State {
	st := newState()
	if fetch == nil {
		c.finish(st, emit, ReasonFatal, ErrNoFetcher)
		return st
	}

	cur := Cursor{Page: 1, URL: firstURL}
	st.SeenURLs[canonical(firstURL)] = struct{}{}
	for {
		st.Cursor = cur
		if err := ctx.Err(); err != nil {
			c.finish(st, emit, ReasonCancelled, fmt.Errorf("%w: %w", ErrCancelled, err))
			return st
		}

		st.Phase = PhaseFetching
		page := fetch.FetchPage(ctx, PageRequest{URL: cur.URL, Number: cur.Page})
		st.PagesFetched++
		if page.URL != "" {
			st.SeenURLs[canonical(page.URL)] = struct{}{}
		}
		if page.Err != nil {
			if err := ctx.Err(); err != nil {
				c.finish(st, emit, ReasonCancelled, fmt.Errorf("%w: %w", ErrCancelled, err))
				return st
			}
			st.SkippedPages++
			c.logger.Warn("paginate: page skipped", "schema", c.schema.Name, "page", cur.Page, "url", cur.URL, "error", page.Err)
			if !emit(Event{Kind: EventSkipped, Page: cur.Page, URL: cur.URL, Err: page.Err}) {
				c.stop(st)
				return st
			}
			c.finish(st, emit, ReasonFatal, page.Err)
			return st
		}

		st.Phase = PhaseExtracting
		fresh := 0
		for _, w := range page.Records {
			k := c.key(w)
			if _, dup := st.SeenKeys[k]; dup {
				st.Duplicates++
				continue
			}
			st.SeenKeys[k] = struct{}{}
			fresh++
			st.Emitted++
			if !emit(Event{Kind: EventRecord, Record: w, Page: cur.Page, URL: cur.URL}) {
				c.stop(st)
				return st
			}
		}
		c.logger.Debug("paginate: page done", "schema", c.schema.Name, "page", cur.Page, "records", len(page.Records), "new", fresh)

		st.Phase = PhaseDeciding
		if st.PagesFetched >= c.maxPages {
			c.finish(st, emit, ReasonMaxPages, nil)
			return st
		}
		if fresh == 0 {
			c.finish(st, emit, ReasonNoNew, nil)
			return st
		}
		next, ok := c.next(page, cur)
		if !ok {
			c.finish(st, emit, ReasonNoNext, nil)
			return st
		}
		key := canonical(next)
		if _, seen := st.SeenURLs[key]; seen {
			c.finish(st, emit, ReasonCycle, nil)
			return st
		}
		st.SeenURLs[key] = struct{}{}
		cur = Cursor{Page: cur.Page + 1, URL: next}
	}
}

func (c *Controller) next(page Page, cur Cursor) (string, bool) {
	if c.schema.UsesNext() {
		return page.Next, page.Next != ""
	}
	return c.schema.PageURL(c.vars, cur.Page+1)
}

func (c *Controller) finish(st *State, emit func(Event) bool, reason Reason, err error) {
	st.Phase = PhaseDone
	st.Terminated = true
	st.Reason = reason
	st.Err = err
	c.logger.Info("paginate: session done", "schema", c.schema.Name, "reason", reason,
		"pages", st.PagesFetched, "emitted", st.Emitted, "duplicates", st.Duplicates)
	emit(Event{Kind: EventDone, Page: st.PagesFetched, URL: st.Cursor.URL, Reason: reason, Err: err})
}

// stop ends the session without a Done event; the consumer asked for no more.
func (c *Controller) stop(st *State) {
	st.Phase = PhaseDone
	st.Terminated = true
	st.Reason = ReasonStopped
}

// canonical drops the fragment so "#top" variants count as one page.
func canonical(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
