// Package harvest wires the extraction pipeline together: a schema and a
// query go in, a lazy stream of sealed writables comes out. The Engine owns
// the shared scheduler and assembler, pushes every record to its sink and
// exposes the same operations over MCP, HTTP and cron jobs.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvest/assemble"
	"github.com/hazyhaar/harvest/internal/idgen"
	"github.com/hazyhaar/harvest/paginate"
	"github.com/hazyhaar/harvest/resolve"
	"github.com/hazyhaar/harvest/scheduler"
	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/sink"
	"github.com/hazyhaar/harvest/tier"
)

// Event is one element of a run's output stream.
type Event = paginate.Event

const (
	EventRecord  = paginate.EventRecord
	EventSkipped = paginate.EventSkipped
	EventDone    = paginate.EventDone
)

// ErrNoCatalog is returned by RunNamed on an engine built without a catalog.
var ErrNoCatalog = errors.New("harvest: no schema catalog")

// Query parameterises one run. URL, when set, replaces the schema's search
// template for the first page. MaxPages overrides the schema limit when
// positive. Vars fill extra {name} placeholders.
type Query struct {
	Terms    string            `json:"query,omitempty"`
	Location string            `json:"location,omitempty"`
	URL      string            `json:"url,omitempty"`
	MaxPages int               `json:"max_pages,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`
}

func (q Query) vars() schema.Vars {
	return schema.Vars{Terms: q.Terms, Location: q.Location, Extra: q.Vars}
}

// Engine runs queries. Safe for concurrent use; every run shares the
// scheduler, so per-domain bounds and tier floors hold across runs.
type Engine struct {
	sched    *scheduler.Scheduler
	asm      *assemble.Assembler
	catalog  *schema.Catalog
	profiles tier.Profiles
	sink     sink.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCatalog sets the catalog used by RunNamed and the schema endpoints.
func WithCatalog(c *schema.Catalog) Option { return func(e *Engine) { e.catalog = c } }

// WithSink sets the sink every record is written to.
func WithSink(s sink.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithProfiles sets the profiles used when a caller passes none.
func WithProfiles(p tier.Profiles) Option { return func(e *Engine) { e.profiles = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the FetchedAt clock.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine around sched.
func New(sched *scheduler.Scheduler, opts ...Option) *Engine {
	e := &Engine{sched: sched, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.profiles == nil {
		e.profiles = tier.DefaultProfiles()
	}
	if e.catalog == nil {
		e.catalog = schema.NewCatalog()
	}
	e.asm = assemble.New(e.logger)
	return e
}

// NewLadder builds the tier ladder. Without a renderer only the Simple tier
// is available and escalation past it ends the request as fatal.
func NewLadder(r tier.Renderer, rot tier.IdentityRotator, logger *slog.Logger, simpleOpts ...tier.SimpleOption) tier.Ladder {
	if logger == nil {
		logger = slog.Default()
	}
	det := tier.NewSelectorCaptchaDetector()
	opts := append([]tier.SimpleOption{tier.WithSimpleCaptcha(det), tier.WithSimpleLogger(logger)}, simpleOpts...)
	l := tier.Ladder{tier.TierSimple: tier.NewSimple(opts...)}
	if r != nil {
		l[tier.TierRendered] = tier.NewRendered(r, det, logger)
		l[tier.TierStealth] = tier.NewStealth(r, rot, det, logger)
	}
	return l
}

// Catalog returns the engine's schema catalog.
func (e *Engine) Catalog() *schema.Catalog { return e.catalog }

// Stats returns the scheduler's per-domain counters.
func (e *Engine) Stats() []scheduler.DomainStats { return e.sched.Stats() }

// Run is one prepared session. Its events are produced lazily and only
// once; call RunQuery again to start over.
type Run struct {
	id       string
	ctx      context.Context
	e        *Engine
	schema   *schema.Schema
	query    Query
	profiles tier.Profiles
	first    string
	err      error

	used  atomic.Bool
	state *paginate.State
}

// RunQuery prepares a run of s for q. profiles may be nil to use the
// engine's. Schema problems do not fail here: the run then yields a single
// EventDone carrying the error and no fetch happens.
func (e *Engine) RunQuery(ctx context.Context, s *schema.Schema, q Query, profiles tier.Profiles) *Run {
	if profiles == nil {
		profiles = e.profiles
	}
	r := &Run{id: newRunID(), ctx: ctx, e: e, query: q, profiles: profiles}
	switch {
	case s == nil:
		r.err = fmt.Errorf("harvest: run: nil schema: %w", schema.ErrSchema)
	case !s.Compiled():
		r.schema, r.err = schema.Compile(s)
	default:
		r.schema = s
	}
	if r.err == nil {
		r.first, r.err = r.schema.FirstURL(q.URL, q.vars())
	}
	return r
}

var newRunID = idgen.Prefixed("run_", idgen.UUIDv7())

// ID identifies the run in logs.
func (r *Run) ID() string { return r.id }

// RunNamed runs the catalog schema called name.
func (e *Engine) RunNamed(ctx context.Context, name string, q Query) (*Run, error) {
	if e.catalog == nil {
		return nil, ErrNoCatalog
	}
	s, err := e.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	return e.RunQuery(ctx, s, q, nil), nil
}

// Events returns the run's event stream. The last event is EventDone unless
// the consumer stops early. A second iteration yields nothing.
func (r *Run) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !r.used.CompareAndSwap(false, true) {
			return
		}
		if r.err != nil {
			r.state = schemaFailure(r.err)
			r.e.logger.Warn("harvest: schema rejected", "run", r.id, "query", r.query.Terms, "error", r.err)
			yield(Event{Kind: EventDone, Reason: paginate.ReasonSchema, Err: r.err})
			return
		}

		opts := []paginate.Option{paginate.WithVars(r.query.vars()), paginate.WithLogger(r.e.logger)}
		if r.query.MaxPages > 0 {
			opts = append(opts, paginate.WithMaxPages(r.query.MaxPages))
		}
		ctl := paginate.New(r.schema, opts...)
		r.e.logger.Info("harvest: run started", "run", r.id, "schema", r.schema.Name, "query", r.query.Terms, "url", r.first, "max_pages", ctl.MaxPages())

		r.state = ctl.Run(r.ctx, r.first, paginate.PageFetcherFunc(r.fetchPage), func(ev Event) bool {
			if ev.Kind == EventRecord && r.e.sink != nil {
				if err := r.e.sink.Write(r.ctx, ev.Record); err != nil {
					r.e.logger.Warn("harvest: sink write failed", "run", r.id, "schema", r.schema.Name, "id", ev.Record.ID(), "error", err)
				}
			}
			return yield(ev)
		})
	}
}

// Drain consumes the stream and returns the final state.
func (r *Run) Drain() *paginate.State {
	for range r.Events() {
	}
	return r.State()
}

// State returns the session state once Events has been iterated, nil before.
func (r *Run) State() *paginate.State { return r.state }

// Schema returns the compiled schema, nil when it was rejected.
func (r *Run) Schema() *schema.Schema { return r.schema }

func (r *Run) fetchPage(ctx context.Context, req paginate.PageRequest) paginate.Page {
	out := r.e.sched.Do(ctx, req.URL, r.schema, r.profiles)
	if !out.OK() {
		return paginate.Page{URL: req.URL, Err: out.Err}
	}
	final := out.Result.FinalURL
	if final == "" {
		final = req.URL
	}
	pc := assemble.PageContext{
		Schema:    r.schema,
		Query:     r.query.Terms,
		PageURL:   final,
		Page:      req.Number,
		Tier:      out.Tier,
		FetchedAt: r.e.now(),
	}
	recs, doc, err := r.e.asm.Document(ctx, pc, out.Result.Document)
	if err != nil {
		return paginate.Page{URL: req.URL, Err: fmt.Errorf("harvest: extract page %d: %w", req.Number, err)}
	}
	page := paginate.Page{URL: req.URL, Records: recs}
	if r.schema.UsesNext() {
		if loc, err := r.schema.NextLocator(); err == nil {
			if next, ok := resolve.Next(doc, loc, final); ok {
				page.Next = next
			}
		}
	}
	r.e.logger.Debug("harvest: page extracted", "run", r.id, "schema", r.schema.Name, "page", req.Number, "tier", out.Tier, "records", len(recs), "attempts", out.Attempts)
	return page
}

func schemaFailure(err error) *paginate.State {
	return &paginate.State{
		SeenKeys:   map[string]struct{}{},
		SeenURLs:   map[string]struct{}{},
		Phase:      paginate.PhaseDone,
		Terminated: true,
		Reason:     paginate.ReasonSchema,
		Err:        err,
	}
}

// BatchItem names a catalog schema and a query for RunBatch.
type BatchItem struct {
	Schema string `json:"schema"`
	Query  Query  `json:"query"`
}

// Summary reports how one run ended.
type Summary struct {
	Schema   string          `json:"schema"`
	Query    string          `json:"query,omitempty"`
	Pages    int             `json:"pages"`
	Emitted  int             `json:"emitted"`
	Skipped  int             `json:"skipped_pages"`
	Dupes    int             `json:"duplicates"`
	Reason   paginate.Reason `json:"reason"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration_ns"`
}

func summarize(name string, q Query, st *paginate.State, d time.Duration) Summary {
	sum := Summary{Schema: name, Query: q.Terms, Duration: d}
	if st == nil {
		return sum
	}
	sum.Pages, sum.Emitted, sum.Skipped, sum.Dupes, sum.Reason = st.PagesFetched, st.Emitted, st.SkippedPages, st.Duplicates, st.Reason
	if st.Err != nil {
		sum.Error = st.Err.Error()
	}
	return sum
}

// RunBatch runs items concurrently, at most limit at a time (unbounded when
// limit <= 0). Sessions stay sequential internally; the shared scheduler
// still bounds each domain. Summaries keep the order of items. The error is
// non-nil only when ctx ended the batch.
func (e *Engine) RunBatch(ctx context.Context, items []BatchItem, limit int) ([]Summary, error) {
	out := make([]Summary, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, it := range items {
		g.Go(func() error {
			start := time.Now()
			run, err := e.RunNamed(gctx, it.Schema, it.Query)
			if err != nil {
				out[i] = Summary{Schema: it.Schema, Query: it.Query.Terms, Reason: paginate.ReasonSchema, Error: err.Error()}
				return nil
			}
			out[i] = summarize(it.Schema, it.Query, run.Drain(), time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("harvest: batch: %w", err)
	}
	return out, nil
}
