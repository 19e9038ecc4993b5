package tier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/harvest/resolve"
)

// MaxBodySize caps every document read by the Simple tier.
const MaxBodySize = 10 << 20

// DefaultUserAgent is sent when neither the profile nor an identity sets one.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// Simple fetches documents with a plain HTTP GET. No browser, no JS.
type Simple struct {
	plain   *resty.Client
	mimic   *resty.Client
	ua      string
	captcha CaptchaDetector
	logger  *slog.Logger
}

// SimpleOption configures a Simple tier.
type SimpleOption func(*Simple)

// WithUserAgent sets the default User-Agent header.
func WithUserAgent(ua string) SimpleOption {
	return func(s *Simple) { s.ua = ua }
}

// WithSimpleCaptcha sets the captcha detector.
func WithSimpleCaptcha(d CaptchaDetector) SimpleOption {
	return func(s *Simple) { s.captcha = d }
}

// WithSimpleLogger sets a custom logger.
func WithSimpleLogger(l *slog.Logger) SimpleOption {
	return func(s *Simple) { s.logger = l }
}

// WithTransport replaces the underlying round tripper of the plain client.
func WithTransport(rt http.RoundTripper) SimpleOption {
	return func(s *Simple) { s.plain.SetTransport(rt) }
}

// NewSimple creates a Simple tier with a plain client and a TLS mimic
// client that presents a browser-like handshake.
func NewSimple(opts ...SimpleOption) *Simple {
	s := &Simple{
		plain:   newClient(false),
		mimic:   newClient(true),
		ua:      DefaultUserAgent,
		captcha: NewSelectorCaptchaDetector(),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newClient(mimic bool) *resty.Client {
	c := resty.New()
	if jar, err := cookiejar.New(nil); err == nil {
		c.SetCookieJar(jar)
	}
	if mimic {
		c.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(c.GetClient().Transport)
	}
	c.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	c.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	c.SetHeader("Accept-Language", "en-US,en;q=0.5")
	return c
}

// Fetch performs one GET and classifies the outcome.
func (s *Simple) Fetch(ctx context.Context, req Request, p Profile) Result {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	client := s.plain
	if p.TLSMimic {
		client = s.mimic
	}
	r := client.R().SetContext(ctx).SetDoNotParseResponse(true).SetHeader("User-Agent", s.ua)
	for k, v := range p.Headers {
		r.SetHeader(k, v)
	}

	res, err := r.Get(req.URL)
	if err != nil {
		return transportFailure(ctx, err)
	}
	raw := res.RawBody()
	defer raw.Close()
	body, err := io.ReadAll(io.LimitReader(raw, MaxBodySize))
	if err != nil {
		return transportFailure(ctx, fmt.Errorf("tier: read body: %w", err))
	}

	final := req.URL
	if rr := res.RawResponse; rr != nil && rr.Request != nil && rr.Request.URL != nil {
		final = rr.Request.URL.String()
	}
	status := res.StatusCode()
	s.logger.Debug("tier: simple fetched", "url", req.URL, "status", status, "size", len(body))
	return s.classify(req, p, status, body, final)
}

func (s *Simple) classify(req Request, p Profile, status int, body []byte, final string) Result {
	if reason := statusReason(status); reason != "" {
		if reason == ReasonForbidden && s.captcha != nil && s.captcha.Detect(body, req.Schema) {
			return blocked(ReasonCaptcha, status, body, final)
		}
		return blocked(reason, status, body, final)
	}
	if status < 200 || status >= 300 {
		return Result{Kind: RenderFailure, Status: status, FinalURL: final,
			Err: fmt.Errorf("tier: unexpected status %d", status)}
	}
	if s.captcha != nil && s.captcha.Detect(body, req.Schema) {
		return blocked(ReasonCaptcha, status, body, final)
	}
	if p.DetectShell && LooksLikeShell(body) {
		return blocked(ReasonJSRequired, status, body, final)
	}
	if req.Schema != nil && req.Schema.Readiness.Selector != "" {
		doc, err := resolve.Parse(body, final)
		if err != nil || !resolve.Exists(doc, req.Schema.Readiness.Selector) {
			return blocked(ReasonJSRequired, status, body, final)
		}
	}
	return Result{Kind: Success, Status: status, Document: body, FinalURL: final}
}

// statusReason maps a blocking HTTP status to its Blocked reason, "" for
// statuses that do not block.
func statusReason(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusForbidden:
		return ReasonForbidden
	case status >= 500:
		return ReasonServerError
	}
	return ""
}

// transportFailure maps a transport error: deadlines are Timeout, anything
// else is RenderFailure.
func transportFailure(ctx context.Context, err error) Result {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return Result{Kind: Timeout, Err: err}
	}
	return Result{Kind: RenderFailure, Err: err}
}
