package tier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/harvest/schema"
)

// RenderRequest asks a Renderer to load a page and return its DOM.
type RenderRequest struct {
	URL      string
	Ready    string        // CSS selector to wait for, empty for load only
	Timeout  time.Duration // bounds navigation plus readiness
	Stealth  bool
	Identity Identity
	Headers  map[string]string
	Scroll   schema.ScrollSpec
	// Actions run after the ready selector appears.
	Actions []schema.Action
	// ItemSelector counts items while scrolling.
	ItemSelector string
}

// Rendered is the DOM a Renderer produced.
type Rendered struct {
	HTML     []byte
	FinalURL string
	// Status is the main document's HTTP status, 0 when unknown.
	Status int
}

// Renderer renders a page in a browser. Implementations return an error
// wrapping ErrRenderTimeout when the page or readiness condition did not
// settle within the timeout.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*Rendered, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, req RenderRequest) (*Rendered, error)

func (f RendererFunc) Render(ctx context.Context, req RenderRequest) (*Rendered, error) {
	return f(ctx, req)
}

// RenderedTier renders pages in a headless browser.
type RenderedTier struct {
	renderer Renderer
	captcha  CaptchaDetector
	logger   *slog.Logger
}

// NewRendered creates the Rendered tier. A nil detector uses
// SelectorCaptchaDetector.
func NewRendered(r Renderer, d CaptchaDetector, logger *slog.Logger) *RenderedTier {
	if d == nil {
		d = NewSelectorCaptchaDetector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RenderedTier{renderer: r, captcha: d, logger: logger}
}

func (t *RenderedTier) Fetch(ctx context.Context, req Request, p Profile) Result {
	rr := renderRequest(req, p)
	out, err := t.renderer.Render(ctx, rr)
	if err != nil {
		return renderFailure(err)
	}
	t.logger.Debug("tier: rendered", "url", req.URL, "status", out.Status, "size", len(out.HTML))
	if t.captcha.Detect(out.HTML, req.Schema) {
		return blocked(ReasonCaptcha, out.Status, out.HTML, out.FinalURL)
	}
	if reason := statusReason(out.Status); reason != "" {
		return blocked(reason, out.Status, out.HTML, out.FinalURL)
	}
	return success(req, out)
}

func renderRequest(req Request, p Profile) RenderRequest {
	rr := RenderRequest{URL: req.URL, Timeout: p.Timeout, Headers: p.Headers}
	if s := req.Schema; s != nil {
		rr.Ready = s.Readiness.Selector
		rr.Timeout = s.ReadyTimeout()
		if p.Timeout > rr.Timeout {
			rr.Timeout = p.Timeout
		}
		rr.Scroll = s.Scroll
		rr.Actions = s.Readiness.Actions
		if loc, err := s.ItemLocator(); err == nil && loc.Kind == schema.LocCSS {
			rr.ItemSelector = loc.Expr
		}
	}
	return rr
}

func renderFailure(err error) Result {
	if errors.Is(err, ErrRenderTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return Result{Kind: Timeout, Err: err}
	}
	return Result{Kind: RenderFailure, Err: err}
}

func success(req Request, out *Rendered) Result {
	final := out.FinalURL
	if final == "" {
		final = req.URL
	}
	return Result{Kind: Success, Status: out.Status, Document: out.HTML, FinalURL: final}
}

// StealthTier renders with a rotated identity and fingerprint evasion.
type StealthTier struct {
	renderer Renderer
	rotator  IdentityRotator
	captcha  CaptchaDetector
	logger   *slog.Logger
}

// NewStealth creates the Stealth tier. A nil rotator renders without an
// identity; a nil detector uses SelectorCaptchaDetector.
func NewStealth(r Renderer, rot IdentityRotator, d CaptchaDetector, logger *slog.Logger) *StealthTier {
	if d == nil {
		d = NewSelectorCaptchaDetector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StealthTier{renderer: r, rotator: rot, captcha: d, logger: logger}
}

func (t *StealthTier) Fetch(ctx context.Context, req Request, p Profile) Result {
	rr := renderRequest(req, p)
	rr.Stealth = true
	var id Identity
	haveID := false
	if t.rotator != nil && p.ProxyPolicy != ProxyNone {
		var err error
		id, err = t.rotator.Next(ctx, req.Domain)
		if err != nil {
			t.logger.Warn("tier: no identity", "domain", req.Domain, "error", err)
		} else {
			haveID = true
			rr.Identity = id
		}
	}
	out, err := t.renderer.Render(ctx, rr)
	if err != nil {
		if haveID {
			t.rotator.Report(id, false)
		}
		return renderFailure(err)
	}
	if t.captcha.Detect(out.HTML, req.Schema) {
		if haveID {
			t.rotator.Report(id, false)
		}
		t.logger.Warn("tier: captcha", "url", req.URL, "identity", id.ID)
		return blocked(ReasonCaptcha, out.Status, out.HTML, out.FinalURL)
	}
	if reason := statusReason(out.Status); reason != "" {
		if haveID && reason != ReasonServerError {
			t.rotator.Report(id, false)
		}
		return blocked(reason, out.Status, out.HTML, out.FinalURL)
	}
	if haveID {
		t.rotator.Report(id, true)
	}
	return success(req, out)
}
