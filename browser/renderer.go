package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/tier"
)

// Renderer implements tier.Renderer with one Chrome per proxy. Chrome
// processes start lazily on first use.
type Renderer struct {
	cfg      Config
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
}

// NewRenderer creates a Renderer. cfg.Proxy is ignored; proxies come from
// the request identity.
func NewRenderer(cfg Config) *Renderer {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Renderer{
		cfg:      cfg,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		managers: make(map[string]*Manager),
	}
}

func (r *Renderer) manager(proxy string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if m, ok := r.managers[proxy]; ok {
		return m, nil
	}
	cfg := r.cfg
	cfg.Proxy = proxy
	m := NewManager(cfg)
	if err := m.Start(r.ctx); err != nil {
		return nil, err
	}
	r.managers[proxy] = m
	return m, nil
}

// Proxies lists the proxies with a running Chrome, "" being direct.
func (r *Renderer) Proxies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.managers))
	for p := range r.managers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Close shuts down every Chrome.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cancel()
	var errs []error
	for _, m := range r.managers {
		errs = append(errs, m.Close())
	}
	clear(r.managers)
	return errors.Join(errs...)
}

// Render opens a tab, navigates, waits for readiness, optionally scrolls to
// load more items and returns the serialised DOM.
func (r *Renderer) Render(ctx context.Context, req tier.RenderRequest) (*tier.Rendered, error) {
	m, err := r.manager(req.Identity.Proxy)
	if err != nil {
		return nil, err
	}
	b, release, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	page, err := openPage(b, req.Stealth)
	if err != nil {
		m.markCrashed(b)
		return nil, err
	}
	defer page.Close()

	defer newResourceFilter(r.cfg.ResourceBlocking).attach(page)()
	if ua := req.Identity.UserAgent; ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			r.logger.Warn("browser: set user agent failed", "error", err)
		}
	}
	if hdrs := mergeHeaders(req.Headers, req.Identity.Headers); len(hdrs) > 0 {
		cleanup, err := page.SetExtraHeaders(hdrs)
		if err != nil {
			r.logger.Warn("browser: set headers failed", "error", err)
		} else {
			defer cleanup()
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p := page.Context(navCtx)

	status := watchStatus(p)
	if err := p.Navigate(req.URL); err != nil {
		return nil, wrapNav(navCtx, "navigate "+req.URL, err)
	}
	if err := p.WaitLoad(); err != nil {
		r.logger.Warn("browser: wait load", "url", req.URL, "error", err)
	}
	if req.Ready != "" {
		if _, err := p.Element(req.Ready); err != nil {
			return nil, wrapNav(navCtx, "wait for "+req.Ready, err)
		}
	}
	for _, a := range req.Actions {
		if err := runAction(navCtx, p, a); err != nil {
			r.logger.Debug("browser: action skipped", "url", req.URL, "click", a.Click, "error", err)
		}
	}
	if req.Scroll.MaxScroll > 0 {
		if err := scrollToLoad(navCtx, p, req); err != nil {
			r.logger.Debug("browser: scroll stopped", "url", req.URL, "error", err)
		}
	}

	html, err := p.HTML()
	if err != nil {
		return nil, wrapNav(navCtx, "serialise dom", err)
	}
	final := req.URL
	if info, err := p.Info(); err == nil && info.URL != "" {
		final = info.URL
	}
	code := status()
	r.logger.Debug("browser: rendered", "url", req.URL, "final", final, "status", code, "size", len(html), "stealth", req.Stealth)
	return &tier.Rendered{HTML: []byte(html), FinalURL: final, Status: code}, nil
}

// watchStatus records the HTTP status of the page's main document. The
// returned func reports the latest one, 0 before any response arrived.
func watchStatus(page *rod.Page) func() int {
	var (
		mu   sync.Mutex
		code int
	)
	go page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type != proto.NetworkResourceTypeDocument || e.FrameID != page.FrameID {
			return
		}
		mu.Lock()
		code = e.Response.Status
		mu.Unlock()
	})()
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return code
	}
}

// runAction clicks the action target when it is on the page and pauses for
// the page to react. An absent target is not waited for.
func runAction(ctx context.Context, page *rod.Page, a schema.Action) error {
	el, err := page.Sleeper(rod.NotFoundSleeper).Element(a.Click)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	wait := a.Wait
	if wait <= 0 {
		wait = schema.DefaultActionWait
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	return nil
}

func openPage(b *rod.Browser, stealthy bool) (*rod.Page, error) {
	var page *rod.Page
	var err error
	if stealthy {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	return page, nil
}

// wrapNav marks deadline failures with tier.ErrRenderTimeout.
func wrapNav(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("browser: %s: %w", op, tier.ErrRenderTimeout)
	}
	return fmt.Errorf("browser: %s: %w", op, err)
}

// mergeHeaders flattens header maps into rod's k1, v1, k2, v2 form in key
// order. Later maps win.
func mergeHeaders(maps ...map[string]string) []string {
	merged := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, merged[k])
	}
	return out
}

const countJS = `(sel) => sel ? document.querySelectorAll(sel).length : document.body.scrollHeight`

const scrollJS = `(sel) => {
	const el = sel ? document.querySelector(sel) : null;
	if (el) { el.scrollTop = el.scrollHeight; } else { window.scrollTo(0, document.body.scrollHeight); }
}`

// scrollToLoad scrolls the feed until the item count stops growing, reaches
// MaxItems or MaxScroll rounds have run.
func scrollToLoad(ctx context.Context, page *rod.Page, req tier.RenderRequest) error {
	delay := req.Scroll.Delay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	count := func() (int, error) {
		res, err := page.Eval(countJS, req.ItemSelector)
		if err != nil {
			return 0, err
		}
		return res.Value.Int(), nil
	}
	prev, err := count()
	if err != nil {
		return err
	}
	for round := 0; round < req.Scroll.MaxScroll; round++ {
		if req.Scroll.MaxItems > 0 && prev >= req.Scroll.MaxItems {
			return nil
		}
		if _, err := page.Eval(scrollJS, req.Scroll.Container); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		cur, err := count()
		if err != nil {
			return err
		}
		if cur <= prev {
			return nil
		}
		prev = cur
	}
	return nil
}
