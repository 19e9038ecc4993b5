package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job runs a catalog schema on a cron schedule.
type Job struct {
	Name   string
	Spec   string // cron expression or descriptor such as "@every 6h"
	Schema string
	Query  Query
}

// Jobs is a cron runner for scheduled queries. A job whose previous run is
// still going is skipped.
type Jobs struct {
	e      *Engine
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]Summary
}

// NewJobs registers jobs on a new cron runner. ctx bounds every run; Start
// must be called to begin firing.
func (e *Engine) NewJobs(ctx context.Context, jobs []Job) (*Jobs, error) {
	cl := cronLogger{logger: e.logger}
	j := &Jobs{
		e:      e,
		logger: e.logger,
		last:   make(map[string]Summary),
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	for _, job := range jobs {
		if _, err := j.cron.AddFunc(job.Spec, func() { j.run(ctx, job) }); err != nil {
			return nil, fmt.Errorf("harvest: job %q: %w", job.Name, err)
		}
	}
	return j, nil
}

func (j *Jobs) Start() { j.cron.Start() }

// Stop stops firing and waits for running jobs.
func (j *Jobs) Stop() {
	<-j.cron.Stop().Done()
}

// Len returns the number of registered jobs.
func (j *Jobs) Len() int { return len(j.cron.Entries()) }

// Last returns the summary of the named job's latest run.
func (j *Jobs) Last(name string) (Summary, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.last[name]
	return s, ok
}

func (j *Jobs) run(ctx context.Context, job Job) {
	start := time.Now()
	j.logger.Info("harvest: job started", "job", job.Name, "schema", job.Schema, "query", job.Query.Terms)
	var sum Summary
	run, err := j.e.RunNamed(ctx, job.Schema, job.Query)
	if err != nil {
		sum = Summary{Schema: job.Schema, Query: job.Query.Terms, Error: err.Error()}
	} else {
		sum = summarize(job.Schema, job.Query, run.Drain(), time.Since(start))
	}
	j.mu.Lock()
	j.last[job.Name] = sum
	j.mu.Unlock()
	j.logger.Info("harvest: job done", "job", job.Name, "emitted", sum.Emitted, "pages", sum.Pages, "reason", sum.Reason, "error", sum.Error)
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("harvest: cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("harvest: cron: "+msg, append(keysAndValues, "error", err)...)
}
