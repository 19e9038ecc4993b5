// Package tier implements the three execution tiers that turn a URL into a
// document: Simple (plain HTTP), Rendered (headless browser) and Stealth
// (browser with identity rotation and fingerprint evasion). Each tier maps
// its transport outcome onto one tagged Result that the scheduler uses to
// decide between success, retry and escalation.
package tier

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/schema"
)

// Tier is re-exported from schema so callers need a single import.
type Tier = schema.Tier

const (
	TierSimple   = schema.TierSimple
	TierRendered = schema.TierRendered
	TierStealth  = schema.TierStealth
)

// ProxyPolicy selects how identities are drawn for a request.
type ProxyPolicy string

const (
	ProxyNone   ProxyPolicy = "none"
	ProxyRotate ProxyPolicy = "rotate"
	ProxySticky ProxyPolicy = "sticky"
)

// CaptchaPolicy decides what a detected challenge means for the request.
type CaptchaPolicy string

const (
	CaptchaEscalate CaptchaPolicy = "escalate"
	CaptchaSkip     CaptchaPolicy = "skip"
)

// Profile is the execution policy for one tier.
type Profile struct {
	Tier          Tier
	MinDelay      time.Duration
	MaxDelay      time.Duration
	Headers       map[string]string
	ProxyPolicy   ProxyPolicy
	CaptchaPolicy CaptchaPolicy
	Timeout       time.Duration
	MaxRetries    int
	// TLSMimic routes Simple requests through a browser-like TLS transport.
	TLSMimic bool
	// DetectShell reports SPA shells from the Simple tier as js-required.
	DetectShell bool
}

// Profiles maps each tier to its profile.
type Profiles map[Tier]Profile

// DefaultMaxRetries is the per-tier retry budget when a profile sets none.
const DefaultMaxRetries = 2

// DefaultProfiles returns the stock delay windows: 2-3s for Simple, 3-5s for
// Rendered, 5-8s for Stealth, with 30s timeouts.
func DefaultProfiles() Profiles {
	return Profiles{
		TierSimple: {
			Tier: TierSimple, MinDelay: 2 * time.Second, MaxDelay: 3 * time.Second,
			Timeout: 30 * time.Second, MaxRetries: DefaultMaxRetries,
			ProxyPolicy: ProxyNone, CaptchaPolicy: CaptchaEscalate,
		},
		TierRendered: {
			Tier: TierRendered, MinDelay: 3 * time.Second, MaxDelay: 5 * time.Second,
			Timeout: 30 * time.Second, MaxRetries: DefaultMaxRetries,
			ProxyPolicy: ProxyNone, CaptchaPolicy: CaptchaEscalate,
		},
		TierStealth: {
			Tier: TierStealth, MinDelay: 5 * time.Second, MaxDelay: 8 * time.Second,
			Timeout: 30 * time.Second, MaxRetries: DefaultMaxRetries,
			ProxyPolicy: ProxyRotate, CaptchaPolicy: CaptchaEscalate,
		},
	}
}

// For returns the profile for t, falling back to the default profile when
// ps has none.
func (ps Profiles) For(t Tier) Profile {
	if p, ok := ps[t]; ok {
		p.Tier = t
		return p
	}
	return DefaultProfiles()[t]
}

// Floor returns the lowest tier present in ps. Callers that configure only
// the browser tiers start there.
func (ps Profiles) Floor() Tier {
	for _, t := range schema.Tiers {
		if _, ok := ps[t]; ok {
			return t
		}
	}
	return TierSimple
}

// Request is one fetch attempt.
type Request struct {
	URL     string
	Domain  string
	Schema  *schema.Schema
	Attempt int
	Tier    Tier
}

// NewRequest derives the domain from rawURL.
func NewRequest(rawURL string, s *schema.Schema) Request {
	return Request{URL: rawURL, Domain: Domain(rawURL), Schema: s}
}

// Domain returns the lowercased host of rawURL without "www." and port.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Kind tags a Result.
type Kind int

const (
	Success Kind = iota
	Blocked
	Timeout
	RenderFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Blocked:
		return "blocked"
	case Timeout:
		return "timeout"
	case RenderFailure:
		return "render-failure"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Blocked reasons.
const (
	ReasonCaptcha     = "captcha"
	ReasonRateLimit   = "rate-limit"
	ReasonForbidden   = "forbidden"
	ReasonJSRequired  = "js-required"
	ReasonServerError = "server-error"
)

// Result is the outcome of one fetch attempt.
type Result struct {
	Kind     Kind
	Document []byte
	FinalURL string
	Status   int
	Reason   string
	Err      error
}

// OK reports a successful fetch.
func (r Result) OK() bool { return r.Kind == Success }

func (r Result) String() string {
	switch {
	case r.Kind == Blocked:
		return "blocked{" + r.Reason + "}"
	case r.Err != nil:
		return r.Kind.String() + ": " + r.Err.Error()
	}
	return r.Kind.String()
}

func blocked(reason string, status int, body []byte, final string) Result {
	return Result{Kind: Blocked, Reason: reason, Status: status, Document: body, FinalURL: final}
}

// Strategy fetches a request at one tier.
type Strategy interface {
	Fetch(ctx context.Context, req Request, p Profile) Result
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, req Request, p Profile) Result

func (f StrategyFunc) Fetch(ctx context.Context, req Request, p Profile) Result {
	return f(ctx, req, p)
}

// Ladder holds one strategy per tier.
type Ladder map[Tier]Strategy

// Fetch dispatches to the strategy registered for req.Tier.
func (l Ladder) Fetch(ctx context.Context, req Request, p Profile) Result {
	s, ok := l[req.Tier]
	if !ok {
		return Result{Kind: RenderFailure, Err: fmt.Errorf("tier: no strategy for %s: %w", req.Tier, ErrUnavailable)}
	}
	return s.Fetch(ctx, req, p)
}
