// Package catalog embeds the stock extraction schemas.
package catalog

import (
	"embed"

	"github.com/hazyhaar/harvest/schema"
)

//go:embed *.yaml
var FS embed.FS

// Load compiles the embedded schemas.
func Load() (*schema.Catalog, error) {
	return schema.LoadFS(FS, ".")
}
