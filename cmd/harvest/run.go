package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/harvest/harvest"
	"github.com/hazyhaar/harvest/paginate"
	"github.com/hazyhaar/harvest/schema"
)

type runFlags struct {
	schema   string
	query    string
	location string
	url      string
	maxPages int
	sink     string
	vars     map[string]string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run --schema <name|file> [--query q] [--location l] [--url u]",
		Short: "Run one query and write the records to the sink.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.schema == "" {
				return errors.New("--schema is required")
			}
			a, err := setup(cmd.Context(), g, f.sink)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := resolveSchema(a, f.schema)
			if err != nil {
				return err
			}
			q := harvest.Query{Terms: f.query, Location: f.location, URL: f.url, MaxPages: f.maxPages, Vars: f.vars}
			run := a.engine.RunQuery(cmd.Context(), s, q, nil)
			for ev := range run.Events() {
				if ev.Kind == harvest.EventSkipped {
					a.logger.Warn("harvest: page skipped", "page", ev.Page, "url", ev.URL, "error", ev.Err)
				}
			}
			st := run.State()
			a.logger.Info("harvest: run finished", "schema", s.Name, "pages", st.PagesFetched, "emitted", st.Emitted, "duplicates", st.Duplicates, "reason", st.Reason)
			switch st.Reason {
			case paginate.ReasonSchema, paginate.ReasonFatal:
				return fmt.Errorf("run %s: %s: %w", s.Name, st.Reason, st.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.schema, "schema", "", "catalog schema name or path to a schema file")
	cmd.Flags().StringVar(&f.query, "query", "", "search terms")
	cmd.Flags().StringVar(&f.location, "location", "", "search location")
	cmd.Flags().StringVar(&f.url, "url", "", "first page URL, replaces the schema search template")
	cmd.Flags().IntVar(&f.maxPages, "max-pages", 0, "page limit override")
	cmd.Flags().StringVar(&f.sink, "sink", "", "stdout | jsonl:<path> | csv:<path> | sqlite:<path> | postgres:<dsn> | webhook:<url>")
	cmd.Flags().StringToStringVar(&f.vars, "var", nil, "extra template placeholder, name=value")
	return cmd
}

// resolveSchema treats arg as a file when it looks like a path.
func resolveSchema(a *app, arg string) (*schema.Schema, error) {
	switch strings.ToLower(filepath.Ext(arg)) {
	case ".yaml", ".yml", ".json":
		return schema.LoadFile(arg)
	}
	if _, err := os.Stat(arg); err == nil && strings.ContainsRune(arg, os.PathSeparator) {
		return schema.LoadFile(arg)
	}
	return a.catalog.Get(arg)
}
