package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSchema is wrapped by every load-time validation failure.
var ErrSchema = errors.New("schema: invalid schema")

// ErrNotFound is returned by Catalog.Get for an unknown schema name.
var ErrNotFound = errors.New("schema: not found")

// Error lists every problem found while validating one schema.
type Error struct {
	Schema   string
	Source   string
	Problems []string
}

func (e *Error) Error() string {
	name := e.Schema
	if name == "" {
		name = e.Source
	}
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("schema: %s: %s", name, strings.Join(e.Problems, "; "))
}

func (e *Error) Unwrap() error { return ErrSchema }

func (e *Error) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}
