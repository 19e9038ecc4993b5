// Package browser renders pages in Chrome through Rod. A Manager owns one
// Chrome session: it launches or connects, watches heap and age, recycles on
// either threshold and relaunches after a crash. A Renderer keeps one Manager
// per proxy and implements tier.Renderer on top of them.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// ErrClosed is returned once a Manager or Renderer has been closed.
var ErrClosed = errors.New("browser: closed")

// Config configures Chrome lifecycle.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local Chrome.
	RemoteURL string

	// MemoryLimit is the JS heap size in bytes that triggers a recycle. Default 1GB.
	MemoryLimit int64

	// RecycleInterval caps the lifetime of one session. Default 4h.
	RecycleInterval time.Duration

	// MonitorInterval is the heap and age check period. Default 30s.
	MonitorInterval time.Duration

	// ResourceBlocking names resource types pages never load
	// (images, fonts, media, stylesheets, scripts, xhr, fetch).
	ResourceBlocking []string

	// Headful runs Chrome with a window on an Xvfb display.
	Headful bool

	// XvfbDisplay for headful mode. Default ":99".
	XvfbDisplay string

	// DisplayTimeout bounds the wait for Xvfb to accept clients. Default 5s.
	DisplayTimeout time.Duration

	// Proxy is passed to Chrome as --proxy-server.
	Proxy string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.DisplayTimeout <= 0 {
		c.DisplayTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// session is one live Chrome with whatever it was started with.
type session struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	display *display
	started time.Time
}

func (s *session) close() {
	if s == nil {
		return
	}
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
	}
	s.display.stop()
}

// Manager manages one Chrome session.
type Manager struct {
	cfg    Config
	mu     sync.RWMutex
	cur    *session
	closed bool

	// use is held shared by every render and exclusively by a recycle, so
	// Chrome is never killed under an open tab.
	use sync.RWMutex
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start opens the first session and runs the monitor until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cur != nil {
		return nil
	}
	s, err := m.open()
	if err != nil {
		return err
	}
	m.cur = s
	go m.monitor(ctx)
	return nil
}

// acquire returns the live browser and holds the use lock until release.
// A session lost to a crash is reopened first.
func (m *Manager) acquire() (*rod.Browser, func(), error) {
	for {
		m.use.RLock()
		m.mu.RLock()
		s, closed := m.cur, m.closed
		m.mu.RUnlock()
		switch {
		case closed:
			m.use.RUnlock()
			return nil, nil, ErrClosed
		case s != nil:
			return s.browser, m.use.RUnlock, nil
		}
		m.use.RUnlock()
		if err := m.Recycle(); err != nil {
			return nil, nil, err
		}
	}
}

// Recycle replaces the session once every open tab is done.
func (m *Manager) Recycle() error {
	m.use.Lock()
	defer m.use.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cur != nil {
		m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.cur.started), "proxy", m.cfg.Proxy)
		m.cur.close()
		m.cur = nil
	}
	s, err := m.open()
	if err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.cur = s
	return nil
}

// markCrashed drops the session owning b so the next acquire reopens.
func (m *Manager) markCrashed(b *rod.Browser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.browser == b {
		m.cfg.Logger.Warn("browser: chrome unreachable, will relaunch", "proxy", m.cfg.Proxy)
		m.cur.close()
		m.cur = nil
	}
}

// Close shuts down Chrome and its display.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cur.close()
	m.cur = nil
	return nil
}

func (m *Manager) open() (*session, error) {
	s := &session{started: time.Now()}
	if m.cfg.Headful {
		d, err := startDisplay(m.cfg.XvfbDisplay, m.cfg.DisplayTimeout, m.cfg.Logger)
		if err != nil {
			return nil, err
		}
		s.display = d
	}
	wsURL, err := m.controlURL(s)
	if err != nil {
		s.close()
		return nil, err
	}
	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		s.close()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		m.cfg.Logger.Warn("browser: ignore cert errors failed", "error", err)
	}
	s.browser = b
	return s, nil
}

// controlURL returns the DevTools endpoint, launching Chrome when no
// remote is configured.
func (m *Manager) controlURL(s *session) (string, error) {
	if m.cfg.RemoteURL != "" {
		m.cfg.Logger.Info("browser: connecting to remote", "url", m.cfg.RemoteURL)
		return m.cfg.RemoteURL, nil
	}
	l := launcher.New().
		Headless(!m.cfg.Headful).
		Set("disable-blink-features", "AutomationControlled")
	if s.display != nil {
		l = l.Env(s.display.env()...)
	}
	if m.cfg.Proxy != "" {
		l = l.Proxy(m.cfg.Proxy)
	}
	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("browser: launch: %w", err)
	}
	s.lnch = l
	m.cfg.Logger.Info("browser: launched local chrome", "headful", m.cfg.Headful, "proxy", m.cfg.Proxy)
	return u, nil
}

func (m *Manager) monitor(ctx context.Context) {
	t := time.NewTicker(m.cfg.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		m.mu.RLock()
		s, closed := m.cur, m.closed
		m.mu.RUnlock()
		if closed {
			return
		}
		if s == nil {
			continue
		}
		if why := m.recycleReason(s, time.Now()); why != "" {
			m.cfg.Logger.Info("browser: recycle due", "reason", why, "proxy", m.cfg.Proxy)
			if err := m.Recycle(); err != nil {
				m.cfg.Logger.Error("browser: recycle failed", "error", err)
			}
		}
	}
}

// recycleReason is empty while s may keep running.
func (m *Manager) recycleReason(s *session, now time.Time) string {
	if recycleDue(s.started, now, m.cfg.RecycleInterval) {
		return "age"
	}
	used, err := jsHeapUsage(s.browser)
	if err != nil {
		m.cfg.Logger.Debug("browser: heap check failed", "error", err)
		return ""
	}
	if used > m.cfg.MemoryLimit {
		return "memory"
	}
	return ""
}

func recycleDue(started, now time.Time, interval time.Duration) bool {
	return !started.IsZero() && now.Sub(started) > interval
}

// jsHeapUsage sums the JS heap of every open page.
func jsHeapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, errors.New("browser: no pages for heap check")
	}
	var total int64
	for _, p := range pages {
		res, err := p.Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
		if err != nil {
			continue
		}
		total += int64(res.Value.Int())
	}
	return total, nil
}
