// Package resolve binds schema locators to a parsed document. It never
// fails as a whole: a locator that matches nothing, or cannot be evaluated,
// yields a Missing slot for that field and leaves the others untouched.
package resolve

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/writable"
)

// Document is a page parsed once for every locator evaluated against it.
type Document struct {
	URL string
	doc *goquery.Document
}

// Parse parses an HTML body. pageURL resolves relative links.
func Parse(body []byte, pageURL string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("resolve: parse: %w", err)
	}
	return &Document{URL: pageURL, doc: doc}, nil
}

// Selection returns the document root selection.
func (d *Document) Selection() *goquery.Selection { return d.doc.Selection }

// Text returns the document's visible text.
func (d *Document) Text() string { return d.doc.Text() }

// Raw is one field's value before transforms: a string for scalar kinds,
// []any of strings for lists, map[string]any of strings for dicts.
type Raw struct {
	Locator string
	Value   writable.Value
}

// Item is one result item with every schema field bound.
type Item struct {
	Index  int // 1-based position in the page
	Fields map[string]Raw
}

// Items are the items of one page in document order.
type Items []Item

// Resolve splits doc into items with the schema's item locator and binds
// every field of every item. Without an item locator the whole document is
// one item. An item locator that matches nothing yields no items.
func Resolve(doc *Document, s *schema.Schema) Items {
	var out Items
	for i, sel := range Split(doc, s) {
		out = append(out, Item{Index: i + 1, Fields: Fields(doc, sel, i+1, s.Fields)})
	}
	return out
}

// Split returns one selection per result item.
func Split(doc *Document, s *schema.Schema) []*goquery.Selection {
	root := doc.Selection()
	if s.Item == "" {
		return []*goquery.Selection{root}
	}
	loc, err := s.ItemLocator()
	if err != nil {
		return nil
	}
	matches, err := safeMatch(doc, root, loc)
	if err != nil || matches == nil {
		return nil
	}
	out := make([]*goquery.Selection, 0, matches.Length())
	matches.Each(func(_ int, sel *goquery.Selection) {
		out = append(out, sel)
	})
	return out
}

// Fields binds every field against one item selection.
func Fields(doc *Document, item *goquery.Selection, index int, fields []schema.FieldSpec) map[string]Raw {
	out := make(map[string]Raw, len(fields))
	for _, f := range fields {
		out[f.Name] = Raw{Locator: f.Locator, Value: field(doc, item, index, f)}
	}
	return out
}

func field(doc *Document, item *goquery.Selection, index int, f schema.FieldSpec) (v writable.Value) {
	defer func() {
		if r := recover(); r != nil {
			v = writable.Missing(fmt.Sprintf("resolve panic: %v", r))
		}
	}()
	kind := f.Kind()
	// A dict with transforms is built by the chain (address, coords) from
	// the first match; otherwise it is read as key/value rows.
	if kind == writable.KindDict && (len(f.Keys) > 0 || len(f.Transforms) == 0) {
		return dict(doc, item, f)
	}
	loc, err := f.Compiled()
	if err != nil {
		return writable.Missing(err.Error())
	}
	vals, reason := values(doc, item, index, loc)
	if len(vals) == 0 {
		return writable.Missing(reason)
	}
	if kind == writable.KindList {
		list := make([]any, len(vals))
		for i, s := range vals {
			list[i] = s
		}
		return writable.Of(list)
	}
	return writable.Of(vals[0])
}

func dict(doc *Document, item *goquery.Selection, f schema.FieldSpec) writable.Value {
	out := map[string]any{}
	if len(f.Keys) > 0 {
		keys, err := f.KeyLocators()
		if err != nil {
			return writable.Missing(err.Error())
		}
		for _, k := range keys {
			if vals, _ := values(doc, item, 0, k.Locator); len(vals) > 0 {
				out[k.Key] = vals[0]
			}
		}
	} else {
		loc, err := f.Compiled()
		if err != nil {
			return writable.Missing(err.Error())
		}
		matches, err := safeMatch(doc, item, loc)
		if err != nil {
			return writable.Missing(err.Error())
		}
		if matches != nil {
			matches.Each(func(_ int, sel *goquery.Selection) {
				if k, v, ok := pair(sel, loc); ok {
					out[k] = v
				}
			})
		}
	}
	if len(out) == 0 {
		return writable.Missing("no match")
	}
	return writable.Of(out)
}

// pair reads a key/value row: two or more child elements, or "key: value"
// text.
func pair(sel *goquery.Selection, loc schema.Locator) (string, string, bool) {
	if loc.Attr == "" && !loc.HTML {
		if kids := sel.Children(); kids.Length() >= 2 {
			key := clean(kids.First().Text())
			var rest []string
			kids.Slice(1, kids.Length()).Each(func(_ int, c *goquery.Selection) {
				if t := clean(c.Text()); t != "" {
					rest = append(rest, t)
				}
			})
			if key != "" {
				return key, strings.Join(rest, " "), true
			}
		}
	}
	text, ok := read(sel, loc)
	if !ok {
		return "", "", false
	}
	k, v, found := strings.Cut(text, ":")
	k = strings.TrimSpace(k)
	if !found || k == "" {
		return "", "", false
	}
	return k, strings.TrimSpace(v), true
}

// values evaluates loc against item and returns every match in document
// order. reason explains an empty result.
func values(doc *Document, item *goquery.Selection, index int, loc schema.Locator) ([]string, string) {
	switch loc.Kind {
	case schema.LocNone:
		return nil, "no locator"
	case schema.LocIndex:
		if index < 1 {
			return nil, "no item index"
		}
		return []string{strconv.Itoa(index)}, ""
	case schema.LocRegex:
		re := loc.Regexp()
		if re == nil {
			return nil, "regex not compiled"
		}
		var out []string
		for _, m := range re.FindAllStringSubmatch(item.Text(), -1) {
			if len(m) > 1 {
				out = append(out, m[1])
			} else {
				out = append(out, m[0])
			}
		}
		if len(out) == 0 {
			return nil, "no match"
		}
		return out, ""
	}
	matches, err := safeMatch(doc, item, loc)
	if err != nil {
		return nil, err.Error()
	}
	if matches == nil || matches.Length() == 0 {
		return nil, "no match"
	}
	var out []string
	matches.Each(func(_ int, sel *goquery.Selection) {
		if v, ok := read(sel, loc); ok {
			out = append(out, v)
		}
	})
	if len(out) == 0 {
		if loc.Attr != "" {
			return nil, fmt.Sprintf("no attribute %q", loc.Attr)
		}
		return nil, "no match"
	}
	return out, ""
}

// safeMatch evaluates a css or xpath locator relative to item. A nil CSS
// selector with an attribute selects the item itself.
func safeMatch(doc *Document, item *goquery.Selection, loc schema.Locator) (sel *goquery.Selection, err error) {
	defer func() {
		if r := recover(); r != nil {
			sel, err = nil, fmt.Errorf("resolve: locator %q: %v", loc.Raw, r)
		}
	}()
	switch loc.Kind {
	case schema.LocCSS:
		if loc.CSS() == nil {
			if loc.Expr != "" {
				c, err := cascadia.Compile(loc.Expr)
				if err != nil {
					return nil, fmt.Errorf("resolve: locator %q: %w", loc.Raw, err)
				}
				return item.FindMatcher(c), nil
			}
			return item, nil
		}
		return item.FindMatcher(loc.CSS()), nil
	case schema.LocXPath:
		xp := loc.XPath()
		if xp == nil {
			return nil, fmt.Errorf("resolve: locator %q: xpath not compiled", loc.Raw)
		}
		var out []*goquery.Selection
		for _, n := range item.Nodes {
			for _, m := range xp.Select(n) {
				out = append(out, doc.doc.FindNodes(m))
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		acc := out[0]
		for _, s := range out[1:] {
			acc = acc.AddSelection(s)
		}
		return acc, nil
	}
	return nil, fmt.Errorf("resolve: locator %q: kind %s does not select elements", loc.Raw, loc.Kind)
}

func read(sel *goquery.Selection, loc schema.Locator) (string, bool) {
	switch {
	case loc.Attr != "":
		return sel.Attr(loc.Attr)
	case loc.HTML:
		h, err := sel.Html()
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(h), true
	}
	return clean(sel.Text()), true
}

func clean(s string) string { return strings.TrimSpace(s) }

// Exists reports whether css matches anything in doc. Invalid selectors
// never match.
func Exists(doc *Document, css string) bool {
	c, err := cascadia.Compile(css)
	if err != nil {
		return false
	}
	return doc.Selection().FindMatcher(c).Length() > 0
}

// Count returns the number of elements css matches in doc.
func Count(doc *Document, css string) int {
	c, err := cascadia.Compile(css)
	if err != nil {
		return 0
	}
	return doc.Selection().FindMatcher(c).Length()
}

// Next evaluates the next-page locator and returns the absolute target URL.
// A locator without attribute reads href, falling back to the text.
func Next(doc *Document, loc schema.Locator, base string) (string, bool) {
	if loc.Kind != schema.LocCSS && loc.Kind != schema.LocXPath {
		return "", false
	}
	matches, err := safeMatch(doc, doc.Selection(), loc)
	if err != nil || matches == nil || matches.Length() == 0 {
		return "", false
	}
	first := matches.First()
	var href string
	var ok bool
	if loc.Attr != "" {
		href, ok = first.Attr(loc.Attr)
	} else if href, ok = first.Attr("href"); !ok {
		href, ok = clean(first.Text()), true
	}
	href = strings.TrimSpace(href)
	if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base == "" {
		base = doc.URL
	}
	b, err := url.Parse(base)
	if err != nil || ref.IsAbs() {
		return ref.String(), true
	}
	return b.ResolveReference(ref).String(), true
}
