// Package assemble turns resolved items into sealed writables: it binds raw
// values, runs transforms and type coercion, applies defaults, records
// provenance and computes validation.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/harvest/resolve"
	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/tier"
	"github.com/hazyhaar/harvest/transform"
	"github.com/hazyhaar/harvest/writable"
)

// PageContext describes the page an item came from.
type PageContext struct {
	Schema    *schema.Schema
	Query     string
	PageURL   string
	Page      int
	Tier      tier.Tier
	FetchedAt time.Time
}

// Assembler builds writables. The zero value is usable.
type Assembler struct {
	Logger *slog.Logger
}

// New returns an Assembler logging to logger.
func New(logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{Logger: logger}
}

func (a *Assembler) logger() *slog.Logger {
	if a == nil || a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// Assemble creates one writable for raw. Field keys come from the schema in
// declaration order. The result is sealed, including when required fields
// are missing.
func (a *Assembler) Assemble(pc PageContext, raw resolve.Item) *writable.Writable {
	s := pc.Schema
	w := writable.New(writable.Meta{
		Schema:    s.Name,
		Query:     pc.Query,
		Page:      pc.Page,
		Index:     raw.Index,
		SourceURL: pc.PageURL,
		FetchedAt: pc.FetchedAt,
	}, s.FieldNames())

	env := transform.Env{PageURL: pc.PageURL}
	val := writable.Validation{Complete: true, RequiredSatisfied: true, MissingRequired: []string{}}
	for _, f := range s.Fields {
		r, ok := raw.Fields[f.Name]
		if !ok {
			r.Value = writable.Missing("not resolved")
		}
		v, prov := a.field(f, r, env)
		prov.Tier = pc.Tier.String()
		// Keys come from the same schema, so these cannot fail.
		_ = w.Set(f.Name, v)
		_ = w.Annotate(f.Name, prov)
		if v.IsMissing() {
			val.Complete = false
			if f.Required {
				val.RequiredSatisfied = false
				val.MissingRequired = append(val.MissingRequired, f.Name)
			}
		}
	}
	_ = w.Validate(val)
	w.Seal()

	if !val.RequiredSatisfied {
		a.logger().Debug("assemble: required fields missing", "schema", s.Name, "page", pc.Page, "index", raw.Index, "missing", val.MissingRequired)
	}
	return w
}

func (a *Assembler) field(f schema.FieldSpec, raw resolve.Raw, env transform.Env) (writable.Value, writable.Provenance) {
	prov := writable.Provenance{Locator: raw.Locator}
	if prov.Locator == "" {
		prov.Locator = f.Locator
	}
	v := raw.Value

	chain, err := f.Chain()
	if err != nil {
		v = writable.Missing(fmt.Sprintf("transform: %v", err))
	} else if len(chain) > 0 {
		res := chain.Run(v, env)
		v = res.Value
		prov.Transforms = res.Applied
	}
	v = transform.Coerce(v, f.Kind())

	if v.IsMissing() && f.HasDefault() {
		if d := transform.Coerce(writable.Of(f.Default), f.Kind()); !d.IsMissing() {
			v = d
			prov.Defaulted = true
		}
	}
	return v, prov
}

// Page assembles every item of a page in document order.
func (a *Assembler) Page(pc PageContext, items resolve.Items) []*writable.Writable {
	out := make([]*writable.Writable, 0, len(items))
	for _, it := range items {
		out = append(out, a.Assemble(pc, it))
	}
	return out
}

// Document parses body, resolves it against the page schema and assembles
// every item. A body that does not parse yields an error and no records.
func (a *Assembler) Document(ctx context.Context, pc PageContext, body []byte) ([]*writable.Writable, *resolve.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	doc, err := resolve.Parse(body, pc.PageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("assemble: %w", err)
	}
	return a.Page(pc, resolve.Resolve(doc, pc.Schema)), doc, nil
}
