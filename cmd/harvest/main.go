// Command harvest runs schema-driven extraction from the command line, as an
// HTTP service with scheduled jobs, or as an MCP server over stdio.
//
// Usage:
//
//	harvest run --schema google-maps --query pizza --location "Brooklyn NY"
//	harvest run --schema ./my-schema.yaml --url https://example.com/list --sink csv:out.csv
//	harvest serve --config harvest.yaml
//	harvest schemas --dir ./catalog
//	harvest mcp --config harvest.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logLevel   string
	simpleOnly bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "harvest",
		Short:         "harvest extracts structured records from web pages described by schemas.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to harvest.yaml")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	root.PersistentFlags().BoolVar(&g.simpleOnly, "simple-only", false, "never start Chrome; only the plain HTTP tier is used")

	root.AddCommand(newRunCmd(&g), newServeCmd(&g), newSchemasCmd(&g), newMCPCmd(&g))
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("harvest: fatal", "error", err)
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
