package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/harvest/internal/kit"
	"github.com/hazyhaar/harvest/paginate"
	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/writable"
)

// SchemaInfo is the catalog listing entry of one schema.
type SchemaInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	TierHint    string   `json:"tier_hint"`
	Paginated   bool     `json:"paginated"`
	Fields      []string `json:"fields"`
}

// Describe returns the listing entry of s.
func Describe(s *schema.Schema) SchemaInfo {
	return SchemaInfo{
		Name:        s.Name,
		Version:     s.Version,
		Description: s.Description,
		Domain:      s.Domain,
		TierHint:    s.Hint().String(),
		Paginated:   s.Paginated(),
		Fields:      s.FieldNames(),
	}
}

type listSchemasRequest struct{}

type getSchemaRequest struct {
	Name string `json:"name"`
}

// QueryRequest is the body of POST /query and the harvest_run_query tool.
type QueryRequest struct {
	Schema   string            `json:"schema"`
	Query    string            `json:"query,omitempty"`
	Location string            `json:"location,omitempty"`
	URL      string            `json:"url,omitempty"`
	MaxPages int               `json:"max_pages,omitempty"`
	Vars     map[string]string `json:"vars,omitempty"`
	// Limit caps the records returned by the tool, not the records fetched.
	Limit int `json:"limit,omitempty"`
}

func (r QueryRequest) query() Query {
	return Query{Terms: r.Query, Location: r.Location, URL: r.URL, MaxPages: r.MaxPages, Vars: r.Vars}
}

// DefaultResultLimit bounds the records held in one RunResult.
const DefaultResultLimit = 100

// SkippedPage reports a page that failed for good.
type SkippedPage struct {
	Page  int    `json:"page"`
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// RunResult is the collected outcome of a run.
type RunResult struct {
	Summary   Summary              `json:"summary"`
	Records   []*writable.Writable `json:"records"`
	Truncated bool                 `json:"truncated,omitempty"`
	Skipped   []SkippedPage        `json:"skipped,omitempty"`
}

func (e *Engine) listSchemas(_ context.Context, _ any) (any, error) {
	names := e.catalog.Names()
	out := make([]SchemaInfo, 0, len(names))
	for _, n := range names {
		s, err := e.catalog.Get(n)
		if err != nil {
			continue
		}
		out = append(out, Describe(s))
	}
	return out, nil
}

func (e *Engine) getSchema(_ context.Context, req any) (any, error) {
	r := req.(*getSchemaRequest)
	if r.Name == "" {
		return nil, fmt.Errorf("harvest: get schema: name is required")
	}
	return e.catalog.Get(r.Name)
}

func (e *Engine) runQuery(ctx context.Context, req any) (any, error) {
	r := req.(*QueryRequest)
	if r.Schema == "" {
		return nil, fmt.Errorf("harvest: run query: schema is required")
	}
	limit := r.Limit
	if limit <= 0 {
		limit = DefaultResultLimit
	}
	start := time.Now()
	run, err := e.RunNamed(ctx, r.Schema, r.query())
	if err != nil {
		return nil, err
	}
	res := &RunResult{Records: []*writable.Writable{}}
	for ev := range run.Events() {
		switch ev.Kind {
		case EventRecord:
			if len(res.Records) < limit {
				res.Records = append(res.Records, ev.Record)
			} else {
				res.Truncated = true
			}
		case EventSkipped:
			sp := SkippedPage{Page: ev.Page, URL: ev.URL}
			if ev.Err != nil {
				sp.Error = ev.Err.Error()
			}
			res.Skipped = append(res.Skipped, sp)
		}
	}
	res.Summary = summarize(r.Schema, r.query(), run.State(), time.Since(start))
	if res.Summary.Reason == paginate.ReasonSchema {
		return nil, run.State().Err
	}
	return res, nil
}

type endpoints struct {
	listSchemas kit.Endpoint
	getSchema   kit.Endpoint
	runQuery    kit.Endpoint
}

func (e *Engine) endpoints() endpoints {
	wrap := func(name string, ep kit.Endpoint) kit.Endpoint {
		return kit.Logging(e.logger, name)(ep)
	}
	return endpoints{
		listSchemas: wrap("list_schemas", e.listSchemas),
		getSchema:   wrap("get_schema", e.getSchema),
		runQuery:    wrap("run_query", e.runQuery),
	}
}
