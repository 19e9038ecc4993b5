package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/harvest"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve [--config harvest.yaml]",
		Short: "Serve the HTTP API and MCP endpoint and run the configured jobs.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, g, "")
			if err != nil {
				return err
			}
			defer a.Close()
			if listen == "" {
				listen = a.cfg.HTTP.Listen
			}

			jobs, err := a.engine.NewJobs(ctx, jobsFromConfig(a.cfg.Jobs))
			if err != nil {
				return err
			}
			jobs.Start()
			defer jobs.Stop()

			mcpSrv := newMCPServer(a.engine)
			r := chi.NewRouter()
			r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
			r.Mount("/", a.engine.Handler())

			srv := &http.Server{
				Addr:              listen,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				a.logger.Info("harvest: serving", "listen", listen, "schemas", a.catalog.Len(), "jobs", jobs.Len())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			a.logger.Info("harvest: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides http.listen)")
	return cmd
}

func jobsFromConfig(jcs []config.JobConfig) []harvest.Job {
	out := make([]harvest.Job, len(jcs))
	for i, jc := range jcs {
		out[i] = harvest.Job{
			Name:   jc.Name,
			Spec:   jc.Cron,
			Schema: jc.Schema,
			Query:  harvest.Query{Terms: jc.Query, Location: jc.Location, URL: jc.URL, MaxPages: jc.MaxPages},
		}
	}
	return out
}
