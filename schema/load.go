package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Parse decodes and compiles one schema from YAML or JSON bytes. source is
// used in error messages only.
func Parse(data []byte, source string) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, &Error{Source: source, Problems: []string{"decode: " + err.Error()}}
	}
	c, err := Compile(&s)
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			se.Source = source
		}
		return nil, err
	}
	return c, nil
}

// LoadFile reads and compiles one schema file.
func LoadFile(p string) (*Schema, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("schema: load %s: %w", p, err)
	}
	return Parse(data, p)
}

// LoadDir loads every *.yaml, *.yml and *.json file in dir.
func LoadDir(dir string) (*Catalog, error) {
	return LoadFS(os.DirFS(dir), ".")
}

// LoadFS loads every schema file in dir of fsys. Problems across files are
// joined into one error; duplicate schema names are a load error.
func LoadFS(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("schema: read dir: %w", err)
	}
	cat := NewCatalog()
	var errs []error
	for _, ent := range entries {
		if ent.IsDir() || !isSchemaFile(ent.Name()) {
			continue
		}
		p := path.Join(dir, ent.Name())
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("schema: read %s: %w", p, err))
			continue
		}
		s, err := Parse(data, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := cat.Add(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cat, nil
}

func isSchemaFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Catalog is a named set of compiled schemas. Safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{schemas: make(map[string]*Schema)}
}

// Add registers s, compiling it first when needed.
func (c *Catalog) Add(s *Schema) error {
	if !s.Compiled() {
		var err error
		if s, err = Compile(s); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.schemas[s.Name]; dup {
		return &Error{Schema: s.Name, Problems: []string{"duplicate schema name"}}
	}
	c.schemas[s.Name] = s
	return nil
}

// Get returns a copy of the named schema.
func (c *Catalog) Get(name string) (*Schema, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[name]
	if !ok {
		return nil, fmt.Errorf("schema: get %q: %w", name, ErrNotFound)
	}
	return s.Clone(), nil
}

// Names returns the schema names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.schemas))
	for n := range c.schemas {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of schemas.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.schemas)
}
