package schema

import (
	"strings"

	"github.com/hazyhaar/harvest/transform"
)

// Compile validates s and returns a compiled deep copy. Every problem is
// collected into one *Error.
func Compile(s *Schema) (*Schema, error) {
	c := s.Clone()
	e := &Error{Schema: s.Name}

	if strings.TrimSpace(c.Name) == "" {
		e.add("name is required")
	}
	if len(c.Fields) == 0 {
		e.add("at least one field is required")
	}

	seen := make(map[string]bool, len(c.Fields))
	for i := range c.Fields {
		f := &c.Fields[i]
		if f.Name == "" {
			e.add("field #%d: name is required", i+1)
			continue
		}
		if seen[f.Name] {
			e.add("field %q: duplicate field name", f.Name)
		}
		seen[f.Name] = true

		if !f.Kind().Valid() {
			e.add("field %q: unknown type %q", f.Name, f.Type)
		}
		if f.Required && strings.TrimSpace(f.Locator) == "" && len(f.Keys) == 0 && !f.HasDefault() {
			e.add("field %q: required field has no locator and no default", f.Name)
		}
		loc, err := ParseLocator(f.Locator)
		if err != nil {
			e.add("field %q: %v", f.Name, err)
		}
		f.loc = loc
		if len(f.Keys) > 0 {
			if f.Kind() != "dict" {
				e.add("field %q: keys are only valid for dict fields", f.Name)
			}
			keys, err := compileKeys(f.Keys)
			if err != nil {
				e.add("field %q: %v", f.Name, err)
			}
			f.keys = keys
		}
		chain, err := transform.Parse(f.Transforms)
		if err != nil {
			e.add("field %q: %v", f.Name, err)
		}
		f.chain = chain
		f.ready = true
	}

	for _, k := range c.NaturalKey {
		if !seen[k] {
			e.add("natural_key: %q names no field", k)
		}
	}

	if c.Item != "" {
		item, err := ParseLocator(c.Item)
		if err != nil {
			e.add("item: %v", err)
		} else if item.Kind != LocCSS && item.Kind != LocXPath {
			e.add("item: locator must be css or xpath")
		}
		c.item = item
	}

	p := c.Pagination
	if p.MaxPages < 0 {
		e.add("pagination: max_pages must not be negative")
	}
	if p.MaxPages > 1 && !c.Paginated() {
		e.add("pagination: max_pages is %d but neither next nor url_template is set", p.MaxPages)
	}
	if p.Next != "" {
		next, err := ParseLocator(p.Next)
		if err != nil {
			e.add("pagination: next: %v", err)
		} else if next.Kind != LocCSS && next.Kind != LocXPath {
			e.add("pagination: next must be a css or xpath locator")
		}
		c.next = next
	}
	if p.URLTemplate != "" && !strings.Contains(p.URLTemplate, "{page}") && !strings.Contains(p.URLTemplate, "{offset}") {
		e.add("pagination: url_template must reference {page} or {offset}")
	}

	if c.Readiness.Selector != "" {
		if _, err := CompileCSS(c.Readiness.Selector); err != nil {
			e.add("readiness: %v", err)
		}
	}
	if c.Readiness.Timeout < 0 {
		e.add("readiness: timeout must not be negative")
	}
	for i, a := range c.Readiness.Actions {
		if strings.TrimSpace(a.Click) == "" {
			e.add("readiness: actions[%d]: click selector is required", i)
		} else if _, err := CompileCSS(a.Click); err != nil {
			e.add("readiness: actions[%d]: %v", i, err)
		}
		if a.Wait < 0 {
			e.add("readiness: actions[%d]: wait must not be negative", i)
		}
	}
	for _, sel := range c.Captcha.Selectors {
		if _, err := CompileCSS(sel); err != nil {
			e.add("captcha: %v", err)
		}
	}
	if c.Scroll.Container != "" {
		if _, err := CompileCSS(c.Scroll.Container); err != nil {
			e.add("scroll: %v", err)
		}
	}

	hint, err := ParseTier(c.TierHint)
	if err != nil {
		e.add("tier_hint: unknown tier %q", c.TierHint)
	}
	c.hint = hint

	if len(e.Problems) > 0 {
		return nil, e
	}
	c.compiled = true
	return c, nil
}
