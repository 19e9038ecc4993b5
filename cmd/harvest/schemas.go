package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/harvest/harvest"
)

func newSchemasCmd(g *globalFlags) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "schemas [--dir path]",
		Short: "List the schemas of a catalog directory, or the built-in ones.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			logger := newLogger(g, cfg)
			if dir == "" {
				dir = cfg.Schemas
			}
			cat, err := loadCatalog(dir, logger)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTIER\tPAGINATED\tFIELDS\tDESCRIPTION")
			for _, name := range cat.Names() {
				s, err := cat.Get(name)
				if err != nil {
					return err
				}
				info := harvest.Describe(s)
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", info.Name, info.TierHint, info.Paginated, strings.Join(info.Fields, ","), info.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "catalog directory (defaults to the config schemas dir)")
	return cmd
}
