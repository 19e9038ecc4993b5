package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/harvest/writable"
)

// JSONL writes one JSON document per line.
type JSONL struct {
	mu     sync.Mutex
	w      io.Writer
	c      io.Closer
	closed bool
}

// NewJSONL writes to w. Close does not close w.
func NewJSONL(w io.Writer) *JSONL { return &JSONL{w: w} }

// NewStdout writes JSON lines to standard output.
func NewStdout() *JSONL { return NewJSONL(os.Stdout) }

// CreateJSONL creates (or truncates) path and writes JSON lines to it.
func CreateJSONL(path string) (*JSONL, error) {
	f, err := create(path)
	if err != nil {
		return nil, err
	}
	return &JSONL{w: f, c: f}, nil
}

func (j *JSONL) Write(_ context.Context, w *writable.Writable) error {
	b, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("sink: jsonl: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if _, err := j.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("sink: jsonl: %w", err)
	}
	return nil
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.c != nil {
		return j.c.Close()
	}
	return nil
}

// CSV writes one row per record. The header is fixed by the first record:
// metadata columns followed by its field names. Lists are joined with "; ",
// dicts are JSON-encoded and Missing values are empty cells.
type CSV struct {
	mu     sync.Mutex
	cw     *csv.Writer
	c      io.Closer
	fields []string
	closed bool
}

var csvMeta = []string{"id", "schema", "query", "page", "index", "source_url", "fetched_at", "complete", "required_satisfied"}

// NewCSV writes to w. Close flushes but does not close w.
func NewCSV(w io.Writer) *CSV { return &CSV{cw: csv.NewWriter(w)} }

// CreateCSV creates (or truncates) path.
func CreateCSV(path string) (*CSV, error) {
	f, err := create(path)
	if err != nil {
		return nil, err
	}
	return &CSV{cw: csv.NewWriter(f), c: f}, nil
}

func (c *CSV) Write(_ context.Context, w *writable.Writable) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.fields == nil {
		c.fields = w.Keys()
		if err := c.cw.Write(append(append([]string{}, csvMeta...), c.fields...)); err != nil {
			return fmt.Errorf("sink: csv header: %w", err)
		}
	}
	m, v := w.Meta(), w.Validation()
	row := []string{
		w.ID(), m.Schema, m.Query, strconv.Itoa(m.Page), strconv.Itoa(m.Index), m.SourceURL,
		m.FetchedAt.UTC().Format(time.RFC3339), strconv.FormatBool(v.Complete), strconv.FormatBool(v.RequiredSatisfied),
	}
	for _, f := range c.fields {
		val, _ := w.Value(f)
		row = append(row, cell(val))
	}
	if err := c.cw.Write(row); err != nil {
		return fmt.Errorf("sink: csv: %w", err)
	}
	c.cw.Flush()
	return c.cw.Error()
}

func cell(v writable.Value) string {
	switch t := v.Any().(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = writable.Format(e)
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		b, _ := json.Marshal(t)
		return string(b)
	}
	return v.String()
}

func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cw.Flush()
	err := c.cw.Error()
	if c.c != nil {
		if cerr := c.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", path, err)
	}
	return f, nil
}
