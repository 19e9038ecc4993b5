// Package writable defines the record that flows through the extraction
// stages. A Writable is created with one slot per schema field; stages may
// replace a slot's value but can never add, remove or rename keys. Once
// sealed it is read-only and safe to share between goroutines.
package writable

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hazyhaar/harvest/internal/idgen"
)

// Meta describes where a writable came from.
type Meta struct {
	Schema    string
	Query     string
	Page      int // 1-based page number within the session
	Index     int // 1-based position within the page
	SourceURL string
	FetchedAt time.Time
}

// Provenance records how a field got its value.
type Provenance struct {
	Locator    string   `json:"locator,omitempty"`
	Tier       string   `json:"tier,omitempty"`
	Defaulted  bool     `json:"defaulted,omitempty"`
	Transforms []string `json:"transforms,omitempty"`
}

// Validation is computed by the assembler before sealing.
type Validation struct {
	// Complete is true when no field is Missing.
	Complete bool `json:"complete"`
	// RequiredSatisfied is true when no required field is Missing.
	RequiredSatisfied bool     `json:"required_satisfied"`
	MissingRequired   []string `json:"missing_required"`
}

// Writable is an ordered set of field slots plus metadata.
type Writable struct {
	id         string
	meta       Meta
	keys       []string
	slots      map[string]Value
	prov       map[string]Provenance
	validation Validation
	sealed     bool
}

// New creates a writable with one Missing slot per key. Duplicate keys keep
// their first position.
func New(meta Meta, keys []string) *Writable {
	w := &Writable{
		id:    idgen.New(),
		meta:  meta,
		slots: make(map[string]Value, len(keys)),
		prov:  make(map[string]Provenance, len(keys)),
	}
	for _, k := range keys {
		if _, dup := w.slots[k]; dup {
			continue
		}
		w.keys = append(w.keys, k)
		w.slots[k] = Missing("unset")
	}
	return w
}

// ID returns the writable's UUIDv7.
func (w *Writable) ID() string { return w.id }

// Meta returns a copy of the metadata.
func (w *Writable) Meta() Meta { return w.meta }

// Keys returns the field names in schema order.
func (w *Writable) Keys() []string { return slices.Clone(w.keys) }

// Sealed reports whether Seal has been called.
func (w *Writable) Sealed() bool { return w.sealed }

// Seal freezes the writable. Calling it twice is a no-op.
func (w *Writable) Seal() { w.sealed = true }

// Set replaces the value held by name.
func (w *Writable) Set(name string, v Value) error {
	if w.sealed {
		return fmt.Errorf("writable: set %q: %w", name, ErrSealed)
	}
	if _, ok := w.slots[name]; !ok {
		return fmt.Errorf("writable: set %q: %w", name, ErrUnknownField)
	}
	if !v.IsMissing() {
		v = Value{v: clone(v.v)}
	}
	w.slots[name] = v
	return nil
}

// Annotate records provenance for name.
func (w *Writable) Annotate(name string, p Provenance) error {
	if w.sealed {
		return fmt.Errorf("writable: annotate %q: %w", name, ErrSealed)
	}
	if _, ok := w.slots[name]; !ok {
		return fmt.Errorf("writable: annotate %q: %w", name, ErrUnknownField)
	}
	p.Transforms = slices.Clone(p.Transforms)
	w.prov[name] = p
	return nil
}

// Validate stores the validation block.
func (w *Writable) Validate(v Validation) error {
	if w.sealed {
		return fmt.Errorf("writable: validate: %w", ErrSealed)
	}
	v.MissingRequired = slices.Clone(v.MissingRequired)
	if v.MissingRequired == nil {
		v.MissingRequired = []string{}
	}
	w.validation = v
	return nil
}

// Get returns a copy of the present value held by name.
func (w *Writable) Get(name string) (any, error) {
	v, ok := w.slots[name]
	if !ok {
		return nil, fmt.Errorf("writable: get %q: %w", name, ErrUnknownField)
	}
	if v.IsMissing() {
		return nil, fmt.Errorf("writable: get %q: %s: %w", name, v.Reason(), ErrFieldMissing)
	}
	return clone(v.v), nil
}

// Value returns the slot held by name.
func (w *Writable) Value(name string) (Value, bool) {
	v, ok := w.slots[name]
	if ok && !v.IsMissing() {
		v = Value{v: clone(v.v)}
	}
	return v, ok
}

// Provenance returns the provenance recorded for name.
func (w *Writable) Provenance(name string) (Provenance, bool) {
	p, ok := w.prov[name]
	p.Transforms = slices.Clone(p.Transforms)
	return p, ok
}

// Validation returns the validation block.
func (w *Writable) Validation() Validation {
	v := w.validation
	v.MissingRequired = slices.Clone(v.MissingRequired)
	return v
}

// Missing maps every missing field to its reason.
func (w *Writable) Missing() map[string]string {
	out := make(map[string]string)
	for _, k := range w.keys {
		if v := w.slots[k]; v.IsMissing() {
			out[k] = v.Reason()
		}
	}
	return out
}

// Map returns the present values keyed by field name. Missing fields map to nil.
func (w *Writable) Map() map[string]any {
	out := make(map[string]any, len(w.keys))
	for _, k := range w.keys {
		out[k] = clone(w.slots[k].Any())
	}
	return out
}

// MarshalJSON encodes the writable with fields in schema order. Missing
// fields are rendered as null and listed with their reason under "missing".
func (w *Writable) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"id":`)
	writeJSON(&buf, w.id)
	buf.WriteString(`,"schema":`)
	writeJSON(&buf, w.meta.Schema)
	buf.WriteString(`,"query":`)
	writeJSON(&buf, w.meta.Query)
	fmt.Fprintf(&buf, `,"page":%d,"index":%d,"source_url":`, w.meta.Page, w.meta.Index)
	writeJSON(&buf, w.meta.SourceURL)
	buf.WriteString(`,"fetched_at":`)
	writeJSON(&buf, w.meta.FetchedAt.UTC().Format(time.RFC3339Nano))

	buf.WriteString(`,"fields":{`)
	for i, k := range w.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSON(&buf, k)
		buf.WriteByte(':')
		b, err := json.Marshal(w.slots[k].Any())
		if err != nil {
			return nil, fmt.Errorf("writable: marshal field %q: %w", k, err)
		}
		buf.Write(b)
	}
	buf.WriteString(`},"missing":`)
	writeJSON(&buf, w.Missing())
	buf.WriteString(`,"provenance":`)
	writeJSON(&buf, w.prov)
	buf.WriteString(`,"validation":`)
	v := w.Validation()
	if v.MissingRequired == nil {
		v.MissingRequired = []string{}
	}
	writeJSON(&buf, v)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) {
	b, _ := json.Marshal(v)
	buf.Write(b)
}

// clone deep-copies list and dict values so callers never share storage
// with a slot.
func clone(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = clone(e)
		}
		return out
	case map[string]string:
		return maps.Clone(t)
	}
	return v
}
