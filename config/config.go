// Package config loads the harvest YAML configuration and turns it into the
// settings of the browser, scheduler, tiers and sinks.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/harvest/browser"
	"github.com/hazyhaar/harvest/scheduler"
	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/sink"
	"github.com/hazyhaar/harvest/tier"
)

// Config is the top-level harvest configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Browser    BrowserConfig    `yaml:"browser"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Tiers      map[string]Tier  `yaml:"tiers"`
	Identities []IdentityConfig `yaml:"identities"`
	// StickyIdentities pins one identity per domain.
	StickyIdentities bool         `yaml:"sticky_identities"`
	Sinks            []SinkConfig `yaml:"sinks"`
	Schemas          string       `yaml:"schemas"`
	Jobs             []JobConfig  `yaml:"jobs"`
	HTTP             HTTPConfig   `yaml:"http"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Headful          bool          `yaml:"headful"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
	DisplayTimeout   time.Duration `yaml:"display_timeout"`
}

// SchedulerConfig controls per-domain concurrency and retries.
type SchedulerConfig struct {
	PoolSize          int     `yaml:"pool_size"`
	MaxRetries        int     `yaml:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	Jitter            float64 `yaml:"jitter"`
}

// Tier overrides one execution profile. Zero fields keep the default.
type Tier struct {
	MinDelay      time.Duration     `yaml:"min_delay"`
	MaxDelay      time.Duration     `yaml:"max_delay"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxRetries    int               `yaml:"max_retries"`
	Headers       map[string]string `yaml:"headers"`
	ProxyPolicy   string            `yaml:"proxy_policy"`   // none | rotate | sticky
	CaptchaPolicy string            `yaml:"captcha_policy"` // escalate | skip
	TLSMimic      bool              `yaml:"tls_mimic"`
	DetectShell   bool              `yaml:"detect_shell"`
	Disabled      bool              `yaml:"disabled"`
}

// IdentityConfig is one user agent / proxy pair for the Stealth tier.
type IdentityConfig struct {
	ID        string            `yaml:"id"`
	UserAgent string            `yaml:"user_agent"`
	Proxy     string            `yaml:"proxy"`
	Headers   map[string]string `yaml:"headers"`
}

// SinkConfig defines an output backend. Schemas restricts the sink to the
// named schemas; empty means every schema.
type SinkConfig struct {
	Type    string            `yaml:"type"` // stdout | jsonl | csv | sqlite | postgres | webhook
	Path    string            `yaml:"path"`
	URL     string            `yaml:"url"`
	DSN     string            `yaml:"dsn"`
	Headers map[string]string `yaml:"headers"`
	Batch   int               `yaml:"batch"`
	Schemas []string          `yaml:"schemas"`
}

// JobConfig schedules a query with a cron expression.
type JobConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Schema   string `yaml:"schema"`
	Query    string `yaml:"query"`
	Location string `yaml:"location"`
	URL      string `yaml:"url"`
	MaxPages int    `yaml:"max_pages"`
}

// HTTPConfig configures harvest serve.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Environment overrides.
const (
	EnvLogLevel = "HARVEST_LOG_LEVEL"
	EnvListen   = "HARVEST_LISTEN"
)

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides and defaults, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used without a file.
func Default() *Config {
	var cfg Config
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := getenv(EnvListen); v != "" {
		c.HTTP.Listen = v
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Scheduler.PoolSize <= 0 {
		c.Scheduler.PoolSize = 3
	}
	if c.Scheduler.MaxRetries <= 0 {
		c.Scheduler.MaxRetries = tier.DefaultMaxRetries
	}
	if c.Schemas == "" {
		c.Schemas = "catalog"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8087"
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	for i := range c.Jobs {
		if c.Jobs[i].Name == "" {
			c.Jobs[i].Name = fmt.Sprintf("%s-%d", c.Jobs[i].Schema, i+1)
		}
	}
}

func (c *Config) validate() error {
	var problems []string
	for name, t := range c.Tiers {
		if _, err := schema.ParseTier(name); err != nil {
			problems = append(problems, fmt.Sprintf("tiers: unknown tier %q", name))
		}
		if t.MaxDelay > 0 && t.MaxDelay < t.MinDelay {
			problems = append(problems, fmt.Sprintf("tiers.%s: max_delay below min_delay", name))
		}
		switch tier.ProxyPolicy(t.ProxyPolicy) {
		case "", tier.ProxyNone, tier.ProxyRotate, tier.ProxySticky:
		default:
			problems = append(problems, fmt.Sprintf("tiers.%s: unknown proxy_policy %q", name, t.ProxyPolicy))
		}
		switch tier.CaptchaPolicy(t.CaptchaPolicy) {
		case "", tier.CaptchaEscalate, tier.CaptchaSkip:
		default:
			problems = append(problems, fmt.Sprintf("tiers.%s: unknown captcha_policy %q", name, t.CaptchaPolicy))
		}
	}
	for i, j := range c.Jobs {
		if j.Cron == "" || j.Schema == "" {
			problems = append(problems, fmt.Sprintf("jobs[%d]: cron and schema are required", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Level parses the configured log level.
func (c *Config) Level() slog.Level { return ParseLevel(c.LogLevel) }

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Profiles merges the tier overrides onto the default profiles. Disabled
// tiers are left out, so a config that disables simple starts at rendered.
func (c *Config) Profiles() tier.Profiles {
	ps := tier.DefaultProfiles()
	for name, o := range c.Tiers {
		t, err := schema.ParseTier(name)
		if err != nil {
			continue
		}
		if o.Disabled {
			delete(ps, t)
			continue
		}
		p := ps[t]
		if o.MinDelay > 0 {
			p.MinDelay = o.MinDelay
		}
		if o.MaxDelay > 0 {
			p.MaxDelay = o.MaxDelay
		}
		if o.Timeout > 0 {
			p.Timeout = o.Timeout
		}
		if o.MaxRetries > 0 {
			p.MaxRetries = o.MaxRetries
		}
		if len(o.Headers) > 0 {
			p.Headers = o.Headers
		}
		if o.ProxyPolicy != "" {
			p.ProxyPolicy = tier.ProxyPolicy(o.ProxyPolicy)
		}
		if o.CaptchaPolicy != "" {
			p.CaptchaPolicy = tier.CaptchaPolicy(o.CaptchaPolicy)
		}
		p.TLSMimic = o.TLSMimic
		p.DetectShell = o.DetectShell
		ps[t] = p
	}
	return ps
}

// BrowserSettings returns the renderer configuration.
func (c *Config) BrowserSettings(logger *slog.Logger) browser.Config {
	return browser.Config{
		RemoteURL:        c.Browser.Remote,
		MemoryLimit:      c.Browser.MemoryLimit,
		RecycleInterval:  c.Browser.RecycleInterval,
		ResourceBlocking: c.Browser.ResourceBlocking,
		Headful:          c.Browser.Headful,
		XvfbDisplay:      c.Browser.XvfbDisplay,
		DisplayTimeout:   c.Browser.DisplayTimeout,
		Logger:           logger,
	}
}

// SchedulerSettings returns the scheduler configuration.
func (c *Config) SchedulerSettings(logger *slog.Logger) scheduler.Config {
	return scheduler.Config{
		PoolSize:          c.Scheduler.PoolSize,
		MaxRetriesPerTier: c.Scheduler.MaxRetries,
		RequestsPerSecond: c.Scheduler.RequestsPerSecond,
		Burst:             c.Scheduler.Burst,
		Jitter:            c.Scheduler.Jitter,
		Logger:            logger,
	}
}

// Rotator builds the identity rotator, nil without identities.
func (c *Config) Rotator() tier.IdentityRotator {
	if len(c.Identities) == 0 {
		return nil
	}
	ids := make([]tier.Identity, len(c.Identities))
	for i, ic := range c.Identities {
		id := ic.ID
		if id == "" {
			id = fmt.Sprintf("identity-%d", i+1)
		}
		ids[i] = tier.Identity{ID: id, UserAgent: ic.UserAgent, Proxy: ic.Proxy, Headers: ic.Headers}
	}
	return tier.NewStaticRotator(ids, c.StickyIdentities)
}

// OpenSinks opens every configured sink behind a Router. Sinks without a
// schema list receive every record.
func (c *Config) OpenSinks(ctx context.Context, logger *slog.Logger) (sink.Sink, error) {
	var all sink.Multi
	routed := map[string]sink.Multi{}
	var opened []sink.Sink
	fail := func(err error) (sink.Sink, error) {
		for _, s := range opened {
			s.Close()
		}
		return nil, err
	}
	for i, sc := range c.Sinks {
		s, err := openSink(ctx, sc, logger)
		if err != nil {
			return fail(fmt.Errorf("config: sinks[%d]: %w", i, err))
		}
		opened = append(opened, s)
		if len(sc.Schemas) == 0 {
			all = append(all, s)
			continue
		}
		for _, name := range sc.Schemas {
			routed[name] = append(routed[name], s)
		}
	}
	if len(routed) == 0 {
		return all, nil
	}
	r := sink.NewRouter(all)
	for name, ss := range routed {
		r.Route(name, append(ss, all...))
	}
	return closeAll{Sink: r, all: opened}, nil
}

// closeAll closes each opened sink exactly once regardless of routing.
type closeAll struct {
	sink.Sink
	all []sink.Sink
}

func (c closeAll) Close() error {
	return sink.Multi(c.all).Close()
}

func openSink(ctx context.Context, sc SinkConfig, logger *slog.Logger) (sink.Sink, error) {
	switch sc.Type {
	case "", "stdout":
		return sink.NewStdout(), nil
	case "jsonl":
		return sink.CreateJSONL(sc.Path)
	case "csv":
		return sink.CreateCSV(sc.Path)
	case "sqlite":
		return sink.OpenSQLite(sc.Path)
	case "postgres":
		return sink.OpenPostgres(ctx, sink.PostgresConfig{DSN: sc.DSN, Batch: sc.Batch})
	case "webhook":
		return sink.NewWebhook(sc.URL, sink.WithWebhookHeaders(sc.Headers), sink.WithWebhookLogger(logger)), nil
	}
	return nil, fmt.Errorf("%w: %q", sink.ErrUnknownSink, sc.Type)
}
