package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/harvest/tier"
)

const sample = `
log_level: debug
browser:
  remote: ws://127.0.0.1:9222/devtools/browser/x
  resource_blocking: [images, fonts]
scheduler:
  pool_size: 2
  requests_per_second: 0.5
tiers:
  simple:
    min_delay: 1s
    max_delay: 2s
    tls_mimic: true
  stealth:
    captcha_policy: skip
identities:
  - user_agent: UA-1
    proxy: http://p1:8080
  - id: second
    user_agent: UA-2
jobs:
  - cron: "@every 6h"
    schema: google-maps
    query: pizza
    location: Brooklyn NY
`

func TestParse(t *testing.T) {
	t.Setenv(EnvListen, "127.0.0.1:9999")
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Level() != slog.LevelDebug || cfg.HTTP.Listen != "127.0.0.1:9999" {
		t.Errorf("level=%v listen=%q", cfg.Level(), cfg.HTTP.Listen)
	}
	if cfg.Browser.MemoryLimit != 1<<30 || cfg.Browser.RecycleInterval != 4*time.Hour || cfg.Schemas != "catalog" {
		t.Errorf("defaults not applied: %+v", cfg.Browser)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Type != "stdout" {
		t.Errorf("default sink: %+v", cfg.Sinks)
	}
	if cfg.Jobs[0].Name != "google-maps-1" {
		t.Errorf("job name: %q", cfg.Jobs[0].Name)
	}

	ps := cfg.Profiles()
	simple := ps[tier.TierSimple]
	if simple.MinDelay != time.Second || simple.MaxDelay != 2*time.Second || !simple.TLSMimic || simple.Timeout != 30*time.Second {
		t.Errorf("simple profile: %+v", simple)
	}
	if ps[tier.TierStealth].CaptchaPolicy != tier.CaptchaSkip || ps[tier.TierStealth].ProxyPolicy != tier.ProxyRotate {
		t.Errorf("stealth profile: %+v", ps[tier.TierStealth])
	}

	sc := cfg.SchedulerSettings(nil)
	if sc.PoolSize != 2 || sc.MaxRetriesPerTier != tier.DefaultMaxRetries || sc.RequestsPerSecond != 0.5 {
		t.Errorf("scheduler: %+v", sc)
	}
	bc := cfg.BrowserSettings(nil)
	if bc.RemoteURL == "" || len(bc.ResourceBlocking) != 2 {
		t.Errorf("browser: %+v", bc)
	}

	rot := cfg.Rotator()
	id, err := rot.Next(context.Background(), "maps.test")
	if err != nil || id.ID != "identity-1" || id.Proxy != "http://p1:8080" {
		t.Errorf("identity: %+v %v", id, err)
	}
}

func TestEnvLogLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	cfg, err := Parse([]byte("log_level: debug\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Level() != slog.LevelWarn {
		t.Errorf("level: %v", cfg.Level())
	}
}

func TestDisabledTier(t *testing.T) {
	cfg, err := Parse([]byte("tiers:\n  simple:\n    disabled: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	ps := cfg.Profiles()
	if _, ok := ps[tier.TierSimple]; ok || ps.Floor() != tier.TierRendered {
		t.Errorf("floor: %s", ps.Floor())
	}
}

func TestValidate(t *testing.T) {
	bad := `
tiers:
  turbo: {}
  simple:
    min_delay: 3s
    max_delay: 1s
    proxy_policy: random
jobs:
  - schema: x
`
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{`unknown tier "turbo"`, "max_delay below min_delay", `unknown proxy_policy "random"`, "jobs[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q lacks %q", err, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestOpenSinks_Routing(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Sinks = []SinkConfig{
		{Type: "sqlite", Path: filepath.Join(dir, "maps.db"), Schemas: []string{"google-maps"}},
		{Type: "jsonl", Path: filepath.Join(dir, "all.jsonl")},
	}
	s, err := cfg.OpenSinks(context.Background(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("close: %v", err)
	}

	cfg.Sinks = []SinkConfig{{Type: "kafka"}}
	if _, err := cfg.OpenSinks(context.Background(), slog.Default()); err == nil {
		t.Error("unknown sink accepted")
	}
}
