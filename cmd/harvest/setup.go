package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/hazyhaar/harvest/browser"
	"github.com/hazyhaar/harvest/catalog"
	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/harvest"
	"github.com/hazyhaar/harvest/scheduler"
	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/sink"
	"github.com/hazyhaar/harvest/tier"
)

// app holds the long-lived pieces built from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	catalog  *schema.Catalog
	renderer *browser.Renderer
	sink     sink.Sink
	engine   *harvest.Engine
}

func loadConfig(g *globalFlags) (*config.Config, error) {
	if g.configPath == "" {
		return config.Default(), nil
	}
	return config.LoadFile(g.configPath)
}

func newLogger(g *globalFlags, cfg *config.Config) *slog.Logger {
	level := cfg.Level()
	if g.logLevel != "" {
		level = config.ParseLevel(g.logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadCatalog reads dir when it exists and falls back to the embedded
// schemas otherwise.
func loadCatalog(dir string, logger *slog.Logger) (*schema.Catalog, error) {
	if dir != "" {
		if _, err := os.Stat(dir); err == nil {
			cat, err := schema.LoadDir(dir)
			if err != nil {
				return nil, err
			}
			logger.Debug("harvest: catalog loaded", "dir", dir, "schemas", cat.Len())
			return cat, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("catalog: stat %s: %w", dir, err)
		}
	}
	return catalog.Load()
}

// setup builds the engine. sinkSpec, when set, replaces the configured sinks.
func setup(ctx context.Context, g *globalFlags, sinkSpec string) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: newLogger(g, cfg)}

	if a.catalog, err = loadCatalog(cfg.Schemas, a.logger); err != nil {
		return nil, err
	}

	if sinkSpec != "" {
		a.sink, err = sink.Open(ctx, sinkSpec)
	} else {
		a.sink, err = cfg.OpenSinks(ctx, a.logger)
	}
	if err != nil {
		return nil, err
	}

	var r tier.Renderer
	if !g.simpleOnly {
		a.renderer = browser.NewRenderer(cfg.BrowserSettings(a.logger))
		r = a.renderer
	}
	ladder := harvest.NewLadder(r, cfg.Rotator(), a.logger)
	sched := scheduler.New(ladder, cfg.SchedulerSettings(a.logger))
	a.engine = harvest.New(sched,
		harvest.WithCatalog(a.catalog),
		harvest.WithSink(a.sink),
		harvest.WithProfiles(cfg.Profiles()),
		harvest.WithLogger(a.logger),
	)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.renderer != nil {
		errs = append(errs, a.renderer.Close())
	}
	return errors.Join(errs...)
}
