// Package scheduler runs fetches through the tier ladder with per-domain
// concurrency limits, inter-request pacing, retries and escalation.
//
// Every domain keeps a tier floor. A request starts at the highest of the
// schema hint, the lowest configured tier and the domain floor; escalation
// and success both raise the floor, so the tier used for a domain never
// decreases within a Scheduler's lifetime.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/tier"
)

// State is where a request sits in its lifecycle.
type State int

const (
	Pending State = iota
	Fetching
	Succeeded
	Retryable
	Escalate
	Fatal
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fetching:
		return "fetching"
	case Succeeded:
		return "success"
	case Retryable:
		return "retryable"
	case Escalate:
		return "escalate"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Attempt records one fetch and the decision taken on its result.
type Attempt struct {
	N        int
	Tier     tier.Tier
	Retry    int
	Result   string
	Decision State
	Wait     time.Duration
}

// Outcome is the final result of Do.
type Outcome struct {
	Result   tier.Result
	Tier     tier.Tier
	Attempts int
	State    State
	History  []Attempt
	Err      error
}

// OK reports a successful outcome.
func (o Outcome) OK() bool { return o.State == Succeeded }

// Config tunes a Scheduler. Zero values take defaults.
type Config struct {
	// PoolSize caps in-flight requests per domain.
	PoolSize int
	// MaxRetriesPerTier applies to profiles with MaxRetries == 0.
	MaxRetriesPerTier int
	// RequestsPerSecond adds a token bucket per domain on top of the
	// profile delay window. Zero disables it.
	RequestsPerSecond float64
	Burst             int
	// Jitter is the fraction applied to retry backoff, 0.2 meaning ±20%.
	Jitter float64
	Logger *slog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

func (c *Config) defaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 3
	}
	if c.MaxRetriesPerTier <= 0 {
		c.MaxRetriesPerTier = tier.DefaultMaxRetries
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type domainState struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu       sync.Mutex
	floor    tier.Tier
	failures int
	nextAt   time.Time
	stats    DomainStats
}

// DomainStats is a snapshot of one domain's counters.
type DomainStats struct {
	Domain      string    `json:"domain"`
	Floor       tier.Tier `json:"floor"`
	Failures    int       `json:"consecutive_failures"`
	Requests    int       `json:"requests"`
	Attempts    int       `json:"attempts"`
	Successes   int       `json:"successes"`
	Retries     int       `json:"retries"`
	Escalations int       `json:"escalations"`
	Fatal       int       `json:"fatal"`
	InFlight    int       `json:"in_flight"`
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg    Config
	strat  tier.Strategy
	tracer trace.Tracer

	mu      sync.Mutex
	domains map[string]*domainState
}

// New creates a Scheduler that fetches through strat.
func New(strat tier.Strategy, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:     cfg,
		strat:   strat,
		tracer:  otel.Tracer("github.com/hazyhaar/harvest/scheduler"),
		domains: make(map[string]*domainState),
	}
}

func (s *Scheduler) domain(name string) *domainState {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[name]
	if !ok {
		d = &domainState{
			sem:   semaphore.NewWeighted(int64(s.cfg.PoolSize)),
			stats: DomainStats{Domain: name},
		}
		if s.cfg.RequestsPerSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)
		}
		s.domains[name] = d
	}
	return d
}

// Floor returns the current tier floor for domain.
func (s *Scheduler) Floor(domain string) tier.Tier {
	d := s.domain(domain)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.floor
}

// Stats returns per-domain counters sorted by domain.
func (s *Scheduler) Stats() []DomainStats {
	s.mu.Lock()
	ds := make([]*domainState, 0, len(s.domains))
	for _, d := range s.domains {
		ds = append(ds, d)
	}
	s.mu.Unlock()

	out := make([]DomainStats, 0, len(ds))
	for _, d := range ds {
		d.mu.Lock()
		st := d.stats
		st.Floor = d.floor
		st.Failures = d.failures
		d.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Do fetches rawURL for sch, retrying and escalating until a tier succeeds
// or the ladder is exhausted. Cancellation of ctx ends the request with
// State Fatal and Err wrapping ctx.Err().
func (s *Scheduler) Do(ctx context.Context, rawURL string, sch *schema.Schema, profiles tier.Profiles) Outcome {
	req := tier.NewRequest(rawURL, sch)
	d := s.domain(req.Domain)

	start := profiles.Floor()
	if sch != nil {
		start = schema.MaxTier(start, sch.Hint())
	}

	d.mu.Lock()
	d.stats.Requests++
	d.mu.Unlock()

	out := Outcome{State: Pending}
	cur := start
	retry := 0
	for {
		// Another request may have raised the floor while this one waited.
		d.mu.Lock()
		if d.floor > cur {
			cur, retry = d.floor, 0
		}
		d.mu.Unlock()

		req.Tier = cur
		req.Attempt = out.Attempts + 1
		p := profiles.For(cur)
		maxRetries := p.MaxRetries
		if maxRetries <= 0 {
			maxRetries = s.cfg.MaxRetriesPerTier
		}

		out.State = Fetching
		res, wait, err := s.attempt(ctx, d, req, p)
		out.Attempts++
		if err != nil {
			out.State = Fatal
			out.Err = fmt.Errorf("scheduler: %s: %w", rawURL, err)
			out.History = append(out.History, Attempt{N: req.Attempt, Tier: cur, Retry: retry, Result: "cancelled", Decision: Fatal, Wait: wait})
			s.recordFatal(d)
			return out
		}
		out.Result, out.Tier = res, cur

		decision := decide(res, p, retry, maxRetries)
		if decision == Escalate {
			if _, ok := cur.Next(); !ok {
				decision = Fatal
			}
		}
		at := Attempt{N: req.Attempt, Tier: cur, Retry: retry, Result: res.String(), Decision: decision, Wait: wait}
		out.History = append(out.History, at)
		s.cfg.Logger.Debug("scheduler: attempt", "url", rawURL, "tier", cur, "attempt", at.N, "retry", retry, "result", at.Result, "decision", decision)

		switch decision {
		case Succeeded:
			d.mu.Lock()
			d.failures = 0
			if cur > d.floor {
				d.floor = cur
			}
			d.stats.Successes++
			d.mu.Unlock()
			out.State = Succeeded
			return out

		case Retryable:
			retry++
			d.mu.Lock()
			d.failures++
			d.stats.Retries++
			d.mu.Unlock()
			if err := s.cfg.Sleep(ctx, s.backoff(p, retry)); err != nil {
				out.State = Fatal
				out.Err = fmt.Errorf("scheduler: %s: %w", rawURL, err)
				s.recordFatal(d)
				return out
			}

		case Escalate:
			next, _ := cur.Next()
			d.mu.Lock()
			d.failures++
			d.stats.Escalations++
			if next > d.floor {
				d.floor = next
			}
			d.mu.Unlock()
			s.cfg.Logger.Info("scheduler: escalating", "domain", req.Domain, "from", cur, "to", next, "result", res.String())
			cur, retry = next, 0

		case Fatal:
			reason := ErrExhausted
			if res.Kind == tier.Blocked && res.Reason == tier.ReasonCaptcha && p.CaptchaPolicy == tier.CaptchaSkip {
				reason = ErrCaptchaSkipped
			}
			out.State = Fatal
			out.Err = &FetchError{URL: rawURL, Tier: cur, Last: res, Reason: reason}
			d.mu.Lock()
			d.failures++
			d.mu.Unlock()
			s.recordFatal(d)
			s.cfg.Logger.Warn("scheduler: request failed", "url", rawURL, "tier", cur, "attempts", out.Attempts, "result", res.String())
			return out
		}
	}
}

func (s *Scheduler) recordFatal(d *domainState) {
	d.mu.Lock()
	d.stats.Fatal++
	d.mu.Unlock()
}

// attempt holds a pool slot for one fetch. The pacing wait happens while
// the slot is held so that a domain's requests stay spaced out.
func (s *Scheduler) attempt(ctx context.Context, d *domainState, req tier.Request, p tier.Profile) (tier.Result, time.Duration, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return tier.Result{}, 0, err
	}
	defer d.sem.Release(1)

	wait := s.reserve(d, p)
	if err := s.cfg.Sleep(ctx, wait); err != nil {
		return tier.Result{}, wait, err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return tier.Result{}, wait, err
		}
	}

	d.mu.Lock()
	d.stats.Attempts++
	d.stats.InFlight++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.stats.InFlight--
		d.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(ctx, "scheduler.fetch", trace.WithAttributes(
		attribute.String("harvest.url", req.URL),
		attribute.String("harvest.domain", req.Domain),
		attribute.String("harvest.tier", req.Tier.String()),
		attribute.Int("harvest.attempt", req.Attempt),
	))
	defer span.End()

	res := s.strat.Fetch(ctx, req, p)
	span.SetAttributes(attribute.String("harvest.result", res.String()), attribute.Int("http.status_code", res.Status))
	if !res.OK() {
		span.SetStatus(codes.Error, res.String())
	}
	if err := ctx.Err(); err != nil && !res.OK() {
		return res, wait, err
	}
	return res, wait, nil
}

// reserve picks the wait before the next request to d: a uniform draw from
// the profile window, counted from the end of the previous reservation.
func (s *Scheduler) reserve(d *domainState, p tier.Profile) time.Duration {
	gap := p.MinDelay
	if p.MaxDelay > p.MinDelay {
		gap += time.Duration(s.cfg.Rand() * float64(p.MaxDelay-p.MinDelay))
	}
	now := s.cfg.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	at := d.nextAt
	if at.Before(now) {
		at = now
	}
	d.nextAt = at.Add(gap)
	return at.Sub(now)
}

// backoff grows as MinDelay*2^(retry-1), jittered and kept inside the
// profile window.
func (s *Scheduler) backoff(p tier.Profile, retry int) time.Duration {
	if p.MinDelay <= 0 {
		return 0
	}
	b := p.MinDelay << (retry - 1)
	if p.MaxDelay > 0 && b > p.MaxDelay {
		b = p.MaxDelay
	}
	j := 1 + s.cfg.Jitter*(2*s.cfg.Rand()-1)
	b = time.Duration(float64(b) * j)
	if p.MaxDelay > 0 && b > p.MaxDelay {
		b = p.MaxDelay
	}
	return max(b, p.MinDelay)
}

// decide maps a result onto the next lifecycle state.
func decide(res tier.Result, p tier.Profile, retry, maxRetries int) State {
	switch res.Kind {
	case tier.Success:
		return Succeeded
	case tier.Timeout:
		return retryOrEscalate(retry, maxRetries)
	case tier.Blocked:
		switch res.Reason {
		case tier.ReasonRateLimit, tier.ReasonServerError:
			return retryOrEscalate(retry, maxRetries)
		case tier.ReasonCaptcha:
			if p.CaptchaPolicy == tier.CaptchaSkip {
				return Fatal
			}
		}
		return Escalate
	}
	return Escalate
}

func retryOrEscalate(retry, maxRetries int) State {
	if retry < maxRetries {
		return Retryable
	}
	return Escalate
}
