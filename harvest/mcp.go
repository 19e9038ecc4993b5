package harvest

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/harvest/internal/kit"
)

// RegisterMCP registers the harvest tools on srv.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	eps := e.endpoints()

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "harvest_list_schemas",
		Description: "List the extraction schemas in the catalog with their fields and tier hint.",
		InputSchema: kit.InputSchema(map[string]any{}, nil),
	}, eps.listSchemas, kit.DecodeJSON[listSchemasRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "harvest_get_schema",
		Description: "Return the full definition of one schema.",
		InputSchema: kit.InputSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Schema name"},
		}, []string{"name"}),
	}, eps.getSchema, kit.DecodeJSON[getSchemaRequest]())

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "harvest_run_query",
		Description: "Run a schema against a search query or URL, following pagination, and return the extracted records with a run summary.",
		InputSchema: kit.InputSchema(map[string]any{
			"schema":    map[string]any{"type": "string", "description": "Catalog schema name"},
			"query":     map[string]any{"type": "string", "description": "Search terms for {query}"},
			"location":  map[string]any{"type": "string", "description": "Location for {location}"},
			"url":       map[string]any{"type": "string", "description": "Explicit first page URL, replaces the search template"},
			"max_pages": map[string]any{"type": "integer", "description": "Page limit override"},
			"limit":     map[string]any{"type": "integer", "description": "Maximum records returned (default 100)"},
			"vars":      map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}, "description": "Extra template placeholders"},
		}, []string{"schema"}),
	}, eps.runQuery, kit.DecodeJSON[QueryRequest]())
}
