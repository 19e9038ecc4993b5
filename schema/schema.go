// Package schema is the declarative description of one extraction target:
// which elements form result items, which fields to bind from each item,
// how to normalise them, how to paginate, and which tier is known to work.
//
// Schemas are data. They are loaded from YAML or JSON, validated once and
// never mutated afterwards; every accessor hands out copies.
package schema

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/hazyhaar/harvest/transform"
	"github.com/hazyhaar/harvest/writable"
)

// FieldSpec declares one output field.
type FieldSpec struct {
	Name       string            `yaml:"name" json:"name"`
	Locator    string            `yaml:"locator" json:"locator,omitempty"`
	Required   bool              `yaml:"required" json:"required,omitempty"`
	Type       writable.Kind     `yaml:"type" json:"type,omitempty"`
	Transforms []string          `yaml:"transforms" json:"transforms,omitempty"`
	Default    any               `yaml:"default" json:"default,omitempty"`
	Keys       map[string]string `yaml:"keys" json:"keys,omitempty"`

	loc   Locator
	keys  []KeyLocator
	chain transform.Chain
	ready bool
}

// KeyLocator binds one dict key to a locator.
type KeyLocator struct {
	Key     string
	Locator Locator
}

// Kind returns the declared type, KindString when unset.
func (f FieldSpec) Kind() writable.Kind {
	if f.Type == "" {
		return writable.KindString
	}
	return f.Type
}

// Compiled returns the compiled locator. Schemas built by hand without
// Compile are compiled on demand.
func (f FieldSpec) Compiled() (Locator, error) {
	if f.ready {
		return f.loc, nil
	}
	return ParseLocator(f.Locator)
}

// KeyLocators returns the compiled dict key locators sorted by key.
func (f FieldSpec) KeyLocators() ([]KeyLocator, error) {
	if f.ready {
		return slices.Clone(f.keys), nil
	}
	return compileKeys(f.Keys)
}

// Chain returns the parsed transform chain.
func (f FieldSpec) Chain() (transform.Chain, error) {
	if f.ready {
		return f.chain, nil
	}
	return transform.Parse(f.Transforms)
}

// HasDefault reports whether a default value is declared.
func (f FieldSpec) HasDefault() bool { return f.Default != nil }

// PaginationSpec describes how to reach the next page. Next wins over
// URLTemplate when both are set.
type PaginationSpec struct {
	Next        string `yaml:"next" json:"next,omitempty"`
	URLTemplate string `yaml:"url_template" json:"url_template,omitempty"`
	MaxPages    int    `yaml:"max_pages" json:"max_pages,omitempty"`
	PerPage     int    `yaml:"per_page" json:"per_page,omitempty"`
}

// Readiness is the wait condition for the rendered tiers. Actions run in
// order once the selector is present, before the DOM is read.
type Readiness struct {
	Selector string        `yaml:"selector" json:"selector,omitempty"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	Actions  []Action      `yaml:"actions" json:"actions,omitempty"`
}

// Action is one page interaction, such as expanding a collapsed opening
// hours table. A missing target is skipped.
type Action struct {
	Click string `yaml:"click" json:"click"`
	// Wait is the pause after the click, DefaultActionWait when zero.
	Wait time.Duration `yaml:"wait" json:"wait,omitempty"`
}

// DefaultActionWait lets a clicked panel expand before the next step.
const DefaultActionWait = 500 * time.Millisecond

// CaptchaSpec lists CSS selectors and text markers that identify a
// challenge page.
type CaptchaSpec struct {
	Selectors []string `yaml:"selectors" json:"selectors,omitempty"`
	Markers   []string `yaml:"markers" json:"markers,omitempty"`
}

// ScrollSpec drives scroll-to-load for infinite feeds in the rendered tiers.
type ScrollSpec struct {
	Container string        `yaml:"container" json:"container,omitempty"`
	MaxScroll int           `yaml:"max_scrolls" json:"max_scrolls,omitempty"`
	MaxItems  int           `yaml:"max_items" json:"max_items,omitempty"`
	Delay     time.Duration `yaml:"delay" json:"delay,omitempty"`
}

// Schema is one extraction target.
type Schema struct {
	Name        string         `yaml:"name" json:"name"`
	Version     string         `yaml:"version" json:"version,omitempty"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Domain      string         `yaml:"domain" json:"domain,omitempty"`
	SearchURL   string         `yaml:"search_url" json:"search_url,omitempty"`
	Item        string         `yaml:"item" json:"item,omitempty"`
	Fields      []FieldSpec    `yaml:"fields" json:"fields"`
	NaturalKey  []string       `yaml:"natural_key" json:"natural_key,omitempty"`
	Pagination  PaginationSpec `yaml:"pagination" json:"pagination"`
	Readiness   Readiness      `yaml:"readiness" json:"readiness"`
	Captcha     CaptchaSpec    `yaml:"captcha" json:"captcha"`
	Scroll      ScrollSpec     `yaml:"scroll" json:"scroll"`
	TierHint    string         `yaml:"tier_hint" json:"tier_hint,omitempty"`

	item     Locator
	next     Locator
	hint     Tier
	compiled bool
}

// DefaultReadinessTimeout bounds the readiness wait when the schema sets none.
const DefaultReadinessTimeout = 10 * time.Second

// Compiled reports whether the schema went through Compile.
func (s *Schema) Compiled() bool { return s.compiled }

// ItemLocator returns the compiled item container locator.
func (s *Schema) ItemLocator() (Locator, error) {
	if s.compiled {
		return s.item, nil
	}
	return ParseLocator(s.Item)
}

// NextLocator returns the compiled next-page locator.
func (s *Schema) NextLocator() (Locator, error) {
	if s.compiled {
		return s.next, nil
	}
	return ParseLocator(s.Pagination.Next)
}

// Hint returns the minimum tier known to work.
func (s *Schema) Hint() Tier {
	if s.compiled {
		return s.hint
	}
	t, _ := ParseTier(s.TierHint)
	return t
}

// FieldNames returns the field names in declaration order.
func (s *Schema) FieldNames() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// Field returns the named field.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Paginated reports whether the schema declares a way to reach page 2.
func (s *Schema) Paginated() bool {
	return s.Pagination.Next != "" || s.Pagination.URLTemplate != ""
}

// UsesNext reports whether pagination follows the next-page affordance.
func (s *Schema) UsesNext() bool { return s.Pagination.Next != "" }

// PageLimit returns MaxPages, defaulting to 10 for paginated schemas and 1
// otherwise.
func (s *Schema) PageLimit() int {
	if s.Pagination.MaxPages > 0 {
		return s.Pagination.MaxPages
	}
	if s.Paginated() {
		return 10
	}
	return 1
}

// PerPage returns the declared page size, 10 when unset.
func (s *Schema) PerPage() int {
	if s.Pagination.PerPage > 0 {
		return s.Pagination.PerPage
	}
	return 10
}

// ReadyTimeout returns the readiness timeout with its default.
func (s *Schema) ReadyTimeout() time.Duration {
	if s.Readiness.Timeout > 0 {
		return s.Readiness.Timeout
	}
	return DefaultReadinessTimeout
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	c := *s
	c.Readiness.Actions = slices.Clone(s.Readiness.Actions)
	c.Fields = make([]FieldSpec, len(s.Fields))
	for i, f := range s.Fields {
		f.Transforms = slices.Clone(f.Transforms)
		f.Keys = maps.Clone(f.Keys)
		f.keys = slices.Clone(f.keys)
		c.Fields[i] = f
	}
	c.NaturalKey = slices.Clone(s.NaturalKey)
	c.Captcha.Selectors = slices.Clone(s.Captcha.Selectors)
	c.Captcha.Markers = slices.Clone(s.Captcha.Markers)
	return &c
}

func compileKeys(keys map[string]string) ([]KeyLocator, error) {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]KeyLocator, 0, len(names))
	for _, k := range names {
		l, err := ParseLocator(keys[k])
		if err != nil {
			return nil, err
		}
		out = append(out, KeyLocator{Key: k, Locator: l})
	}
	return out, nil
}
