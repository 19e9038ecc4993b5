package main

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/harvest/harvest"
)

const version = "0.3.0"

func newMCPServer(e *harvest.Engine) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "harvest", Version: version}, nil)
	e.RegisterMCP(srv)
	return srv
}

func newMCPCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the harvest tools over MCP on stdio.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), g, "")
			if err != nil {
				return err
			}
			defer a.Close()
			a.logger.Info("harvest: mcp on stdio", "schemas", a.catalog.Len())
			return newMCPServer(a.engine).Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}
