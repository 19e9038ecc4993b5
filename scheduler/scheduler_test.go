package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/tier"
)

// script returns results per tier in order, repeating the last one.
type script struct {
	mu    sync.Mutex
	steps map[tier.Tier][]tier.Result
	seen  []tier.Tier
}

func (s *script) Fetch(_ context.Context, req tier.Request, _ tier.Profile) tier.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req.Tier)
	rs := s.steps[req.Tier]
	if len(rs) == 0 {
		return tier.Result{Kind: tier.RenderFailure, Err: errors.New("no script")}
	}
	r := rs[0]
	if len(rs) > 1 {
		s.steps[req.Tier] = rs[1:]
	}
	return r
}

func fastProfiles() tier.Profiles {
	ps := tier.DefaultProfiles()
	for t, p := range ps {
		p.MinDelay, p.MaxDelay = 0, 0
		ps[t] = p
	}
	return ps
}

func newTest(strat tier.Strategy) *Scheduler {
	return New(strat, Config{
		Sleep: func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		Rand:  func() float64 { return 0.5 },
	})
}

var (
	ok      = tier.Result{Kind: tier.Success, Document: []byte("<html></html>")}
	timeout = tier.Result{Kind: tier.Timeout}
	captcha = tier.Result{Kind: tier.Blocked, Reason: tier.ReasonCaptcha}
)

func TestDo_TimeoutsEscalateAfterRetries(t *testing.T) {
	st := &script{steps: map[tier.Tier][]tier.Result{
		tier.TierSimple:   {timeout},
		tier.TierRendered: {ok},
	}}
	s := newTest(st)
	out := s.Do(context.Background(), "https://shop.test/a", nil, fastProfiles())
	if !out.OK() {
		t.Fatalf("outcome: %+v", out)
	}

	type row struct {
		Tier     tier.Tier
		Retry    int
		Decision State
	}
	var got []row
	for _, a := range out.History {
		got = append(got, row{a.Tier, a.Retry, a.Decision})
	}
	want := []row{
		{tier.TierSimple, 0, Retryable},
		{tier.TierSimple, 1, Retryable},
		{tier.TierSimple, 2, Escalate},
		{tier.TierRendered, 0, Succeeded},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if out.Tier != tier.TierRendered || out.Attempts != 4 {
		t.Errorf("tier=%s attempts=%d", out.Tier, out.Attempts)
	}
	if f := s.Floor("shop.test"); f != tier.TierRendered {
		t.Errorf("floor: got %s", f)
	}
}

func TestDo_CaptchaEscalatesImmediately(t *testing.T) {
	st := &script{steps: map[tier.Tier][]tier.Result{
		tier.TierSimple:   {captcha},
		tier.TierRendered: {captcha},
		tier.TierStealth:  {ok},
	}}
	out := newTest(st).Do(context.Background(), "https://maps.test/x", nil, fastProfiles())
	if !out.OK() || out.Tier != tier.TierStealth {
		t.Fatalf("outcome: %+v", out)
	}
	want := []tier.Tier{tier.TierSimple, tier.TierRendered, tier.TierStealth}
	if diff := cmp.Diff(want, st.seen); diff != "" {
		t.Errorf("tiers (-want +got):\n%s", diff)
	}
}

func TestDo_CaptchaSkipPolicy(t *testing.T) {
	st := &script{steps: map[tier.Tier][]tier.Result{tier.TierSimple: {captcha}}}
	ps := fastProfiles()
	p := ps[tier.TierSimple]
	p.CaptchaPolicy = tier.CaptchaSkip
	ps[tier.TierSimple] = p

	out := newTest(st).Do(context.Background(), "https://maps.test/x", nil, ps)
	if out.State != Fatal || !errors.Is(out.Err, ErrCaptchaSkipped) {
		t.Fatalf("outcome: %+v", out)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts: got %d", out.Attempts)
	}
}

func TestDo_Exhausted(t *testing.T) {
	st := &script{steps: map[tier.Tier][]tier.Result{
		tier.TierSimple:   {captcha},
		tier.TierRendered: {captcha},
		tier.TierStealth:  {captcha},
	}}
	out := newTest(st).Do(context.Background(), "https://maps.test/x", nil, fastProfiles())
	if out.State != Fatal || !errors.Is(out.Err, ErrExhausted) {
		t.Fatalf("outcome: %+v", out)
	}
	var fe *FetchError
	if !errors.As(out.Err, &fe) || fe.Tier != tier.TierStealth {
		t.Errorf("fetch error: %v", out.Err)
	}
	if last := out.History[len(out.History)-1]; last.Decision != Fatal {
		t.Errorf("last decision: %s", last.Decision)
	}
}

func TestDo_FloorPersistsAcrossRequests(t *testing.T) {
	st := &script{steps: map[tier.Tier][]tier.Result{
		tier.TierSimple:   {{Kind: tier.Blocked, Reason: tier.ReasonJSRequired}, ok},
		tier.TierRendered: {ok},
	}}
	s := newTest(st)
	ctx := context.Background()
	first := s.Do(ctx, "https://www.spa.test/1", nil, fastProfiles())
	second := s.Do(ctx, "https://spa.test/2", nil, fastProfiles())
	if first.Tier != tier.TierRendered || second.Tier != tier.TierRendered {
		t.Errorf("tiers: first=%s second=%s", first.Tier, second.Tier)
	}
	other := s.Do(ctx, "https://other.test/", nil, fastProfiles())
	if other.Tier != tier.TierSimple {
		t.Errorf("floor leaked across domains: %s", other.Tier)
	}

	stats := s.Stats()
	if len(stats) != 2 || stats[1].Domain != "spa.test" || stats[1].Requests != 2 || stats[1].Escalations != 1 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestDo_SchemaHint(t *testing.T) {
	sch, err := schema.Compile(&schema.Schema{
		Name:     "hinted",
		Fields:   []schema.FieldSpec{{Name: "title", Locator: "h1"}},
		TierHint: "rendered",
	})
	if err != nil {
		t.Fatal(err)
	}
	st := &script{steps: map[tier.Tier][]tier.Result{tier.TierRendered: {ok}}}
	out := newTest(st).Do(context.Background(), "https://h.test/", sch, fastProfiles())
	if !out.OK() || out.Tier != tier.TierRendered || len(st.seen) != 1 {
		t.Errorf("outcome: %+v seen=%v", out, st.seen)
	}
}

func TestDo_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := &script{steps: map[tier.Tier][]tier.Result{tier.TierSimple: {ok}}}
	out := newTest(st).Do(ctx, "https://c.test/", nil, fastProfiles())
	if out.State != Fatal || !errors.Is(out.Err, context.Canceled) {
		t.Errorf("outcome: %+v", out)
	}
}

func TestDo_PoolLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	strat := tier.StrategyFunc(func(context.Context, tier.Request, tier.Profile) tier.Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return ok
	})
	s := New(strat, Config{PoolSize: 2})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Do(context.Background(), "https://pool.test/", nil, fastProfiles())
		}()
	}
	wg.Wait()
	if p := peak.Load(); p > 2 {
		t.Errorf("peak in-flight %d > pool size 2", p)
	}
}

func TestReservePacing(t *testing.T) {
	now := time.Unix(0, 0)
	s := New(nil, Config{Now: func() time.Time { return now }, Rand: func() float64 { return 0.5 }})
	d := s.domain("p.test")
	p := tier.Profile{MinDelay: 2 * time.Second, MaxDelay: 4 * time.Second}
	if w := s.reserve(d, p); w != 0 {
		t.Errorf("first wait: %s", w)
	}
	if w := s.reserve(d, p); w != 3*time.Second {
		t.Errorf("second wait: %s", w)
	}
	if w := s.reserve(d, p); w != 6*time.Second {
		t.Errorf("third wait: %s", w)
	}
}

func TestBackoff(t *testing.T) {
	s := New(nil, Config{Rand: func() float64 { return 0.5 }})
	p := tier.Profile{MinDelay: time.Second, MaxDelay: 3 * time.Second}
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 3 * time.Second, 5: 3 * time.Second}
	for retry, want := range cases {
		if got := s.backoff(p, retry); got != want {
			t.Errorf("backoff(%d): got %s, want %s", retry, got, want)
		}
	}
	s.cfg.Rand = func() float64 { return 1 }
	if got := s.backoff(p, 1); got < 1199*time.Millisecond || got > 1201*time.Millisecond {
		t.Errorf("jitter: got %s", got)
	}
}

// WHAT: jittered waits never leave the [MinDelay, MaxDelay] window.
// WHY: the profile window is the politeness contract for a domain.
func TestBackoff_JitterStaysInWindow(t *testing.T) {
	p := tier.Profile{MinDelay: time.Second, MaxDelay: 3 * time.Second}
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 1} {
		s := New(nil, Config{Jitter: 0.2, Rand: func() float64 { return r }})
		for retry := 1; retry <= 6; retry++ {
			if got := s.backoff(p, retry); got < p.MinDelay || got > p.MaxDelay {
				t.Errorf("rand=%v retry=%d: %s outside [%s, %s]", r, retry, got, p.MinDelay, p.MaxDelay)
			}
		}
	}
	s := New(nil, Config{Jitter: 0.2, Rand: func() float64 { return 1 }})
	if got := s.backoff(p, 4); got != p.MaxDelay {
		t.Errorf("upper clamp: got %s", got)
	}
	s = New(nil, Config{Jitter: 0.2, Rand: func() float64 { return 0 }})
	if got := s.backoff(p, 1); got != p.MinDelay {
		t.Errorf("lower clamp: got %s", got)
	}
}

func TestDecide(t *testing.T) {
	p := tier.Profile{CaptchaPolicy: tier.CaptchaEscalate}
	cases := []struct {
		res   tier.Result
		retry int
		want  State
	}{
		{ok, 0, Succeeded},
		{timeout, 1, Retryable},
		{timeout, 2, Escalate},
		{tier.Result{Kind: tier.Blocked, Reason: tier.ReasonRateLimit}, 0, Retryable},
		{tier.Result{Kind: tier.Blocked, Reason: tier.ReasonServerError}, 2, Escalate},
		{tier.Result{Kind: tier.Blocked, Reason: tier.ReasonForbidden}, 0, Escalate},
		{captcha, 0, Escalate},
		{tier.Result{Kind: tier.RenderFailure}, 0, Escalate},
	}
	for _, c := range cases {
		if got := decide(c.res, p, c.retry, 2); got != c.want {
			t.Errorf("decide(%s, retry=%d): got %s, want %s", c.res, c.retry, got, c.want)
		}
	}
}
