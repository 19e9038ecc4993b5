package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const listings = `
name: listings
version: "1"
search_url: "https://example.com/search?q={query}&loc={location}&start={offset}"
item: "css:div.result"
fields:
  - name: name
    locator: "css:h3"
    required: true
    transforms: [trim]
  - name: url
    locator: "css:a.title@href"
    transforms: [url-abs]
  - name: phone
    locator: "css:.phone"
    transforms: [phone]
  - name: hours
    type: dict
    locator: "css:table.hours tr"
natural_key: [name]
pagination:
  next: "css:a.next@href"
  max_pages: 3
readiness:
  selector: "div.result"
  timeout: 5s
captcha:
  selectors: ["form#captcha-form"]
  markers: ["unusual traffic"]
tier_hint: rendered
`

func TestParse_Valid(t *testing.T) {
	s, err := Parse([]byte(listings), "listings.yaml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !s.Compiled() {
		t.Fatal("expected compiled schema")
	}
	if got := strings.Join(s.FieldNames(), ","); got != "name,url,phone,hours" {
		t.Errorf("fields: got %q", got)
	}
	if s.Hint() != TierRendered {
		t.Errorf("hint: got %v", s.Hint())
	}
	if s.ReadyTimeout() != 5*time.Second {
		t.Errorf("ready timeout: got %v", s.ReadyTimeout())
	}
	if s.PageLimit() != 3 {
		t.Errorf("page limit: got %d", s.PageLimit())
	}
	f, _ := s.Field("url")
	loc, err := f.Compiled()
	if err != nil || loc.Kind != LocCSS || loc.Attr != "href" || loc.Expr != "a.title" {
		t.Errorf("url locator: %+v, %v", loc, err)
	}
	next, _ := s.NextLocator()
	if next.Attr != "href" {
		t.Errorf("next attr: got %q", next.Attr)
	}
}

func TestParse_DuplicateField(t *testing.T) {
	_, err := Parse([]byte(`
name: dup
fields:
  - {name: title, locator: "h1"}
  - {name: title, locator: "h2"}
`), "dup.yaml")
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("got %v, want ErrSchema", err)
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("want *Error, got %T", err)
	}
	if len(se.Problems) != 1 || !strings.Contains(se.Problems[0], "duplicate") {
		t.Errorf("problems: %v", se.Problems)
	}
}

// WHAT: every problem in a schema is reported in one error.
// WHY: catalog authors fix a file in one pass instead of one error per load.
func TestParse_ReportsAllProblems(t *testing.T) {
	_, err := Parse([]byte(`
name: broken
fields:
  - {name: a, required: true}
  - {name: b, locator: "css:div[", type: string}
  - {name: c, locator: "h1", type: money}
  - {name: d, locator: "h1", transforms: [shout]}
  - {name: e, locator: "xpath://div[", type: string}
  - {name: f, locator: "regex:(", type: string}
natural_key: [zzz]
pagination: {max_pages: 5}
tier_hint: warp
`), "broken.yaml")
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("want *Error, got %v", err)
	}
	wants := []string{
		`field "a": required field has no locator`,
		`field "b"`,
		`field "c": unknown type`,
		`field "d"`,
		`field "e"`,
		`field "f"`,
		`natural_key: "zzz"`,
		"pagination: max_pages is 5",
		"tier_hint",
	}
	joined := strings.Join(se.Problems, "\n")
	for _, w := range wants {
		if !strings.Contains(joined, w) {
			t.Errorf("missing problem %q in:\n%s", w, joined)
		}
	}
	if len(se.Problems) != len(wants) {
		t.Errorf("problems: got %d, want %d:\n%s", len(se.Problems), len(wants), joined)
	}
}

func TestParse_RequiredWithDefault(t *testing.T) {
	_, err := Parse([]byte(`
name: ok
fields:
  - {name: source, required: true, default: maps}
`), "ok.yaml")
	if err != nil {
		t.Fatalf("required field with default should load: %v", err)
	}
}

func TestPageLimit_Defaults(t *testing.T) {
	plain := &Schema{Name: "p", Fields: []FieldSpec{{Name: "a", Locator: "h1"}}}
	if plain.PageLimit() != 1 {
		t.Errorf("no pagination: got %d, want 1", plain.PageLimit())
	}
	paged := &Schema{Name: "p", Pagination: PaginationSpec{URLTemplate: "/s?p={page}"}}
	if paged.PageLimit() != 10 {
		t.Errorf("paginated: got %d, want 10", paged.PageLimit())
	}
}

func TestParseLocator(t *testing.T) {
	cases := []struct {
		in   string
		kind LocatorKind
		expr string
		attr string
		html bool
	}{
		{"h3.title", LocCSS, "h3.title", "", false},
		{"css:a.link@href", LocCSS, "a.link", "href", false},
		{"css:div.desc@html", LocCSS, "div.desc", "", true},
		{`a[href*="@"]`, LocCSS, `a[href*="@"]`, "", false},
		{"@data-id", LocCSS, "", "data-id", false},
		{"xpath://a/@href", LocXPath, "//a/@href", "href", false},
		{"xpath://div[@class='d']@html", LocXPath, "//div[@class='d']", "", true},
		{`regex:(\d+) reviews`, LocRegex, `(\d+) reviews`, "", false},
		{"index", LocIndex, "", "", false},
		{"", LocNone, "", "", false},
	}
	for _, c := range cases {
		l, err := ParseLocator(c.in)
		if err != nil {
			t.Errorf("ParseLocator(%q): %v", c.in, err)
			continue
		}
		if l.Kind != c.kind || l.Expr != c.expr || l.Attr != c.attr || l.HTML != c.html {
			t.Errorf("ParseLocator(%q): got kind=%v expr=%q attr=%q html=%v", c.in, l.Kind, l.Expr, l.Attr, l.HTML)
		}
	}
}

func TestExpand(t *testing.T) {
	s := &Schema{Pagination: PaginationSpec{PerPage: 20}}
	got := s.Expand("https://x.test/search?q={query}&near={location}&start={offset}&n={per_page}",
		Vars{Terms: "pizza place", Location: "Austin, TX"}, 3)
	want := "https://x.test/search?q=pizza+place&near=Austin%2C+TX&start=40&n=20"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFirstURL(t *testing.T) {
	s := &Schema{Domain: "example.com", SearchURL: "https://example.com/s?q={query}"}
	if got, _ := s.FirstURL("", Vars{Terms: "a b"}); got != "https://example.com/s?q=a+b" {
		t.Errorf("template: got %q", got)
	}
	if got, _ := s.FirstURL("/list?p=1", Vars{}); got != "https://example.com/list?p=1" {
		t.Errorf("relative: got %q", got)
	}
	if _, err := (&Schema{}).FirstURL("", Vars{}); !errors.Is(err, ErrNoURL) {
		t.Errorf("no url: got %v", err)
	}
}

func TestLoadDir_DuplicateNames(t *testing.T) {
	dir := t.TempDir()
	body := "name: same\nfields:\n  - {name: a, locator: h1}\n"
	for _, n := range []string{"a.yaml", "b.yml"} {
		if err := os.WriteFile(filepath.Join(dir, n), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)
	_, err := LoadDir(dir)
	if !errors.Is(err, ErrSchema) || !strings.Contains(err.Error(), "duplicate schema name") {
		t.Fatalf("got %v, want duplicate schema name", err)
	}
}

func TestCatalog(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "one.json"),
		[]byte(`{"name":"one","fields":[{"name":"a","locator":"h1"}]}`), 0o644)
	cat, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cat.Names(); len(got) != 1 || got[0] != "one" {
		t.Fatalf("names: got %v", got)
	}
	s, err := cat.Get("one")
	if err != nil {
		t.Fatal(err)
	}
	s.Fields[0].Name = "mutated"
	again, _ := cat.Get("one")
	if again.Fields[0].Name != "a" {
		t.Error("Get must return a copy")
	}
	if _, err := cat.Get("two"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v", err)
	}
}

func TestTier(t *testing.T) {
	next, ok := TierSimple.Next()
	if !ok || next != TierRendered {
		t.Errorf("simple.Next: got %v %v", next, ok)
	}
	if _, ok := TierStealth.Next(); ok {
		t.Error("stealth has no next tier")
	}
	if MaxTier(TierRendered, TierSimple, TierStealth) != TierStealth {
		t.Error("MaxTier")
	}
	if _, err := ParseTier("warp"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestParse_ReadinessActions(t *testing.T) {
	s, err := Parse([]byte(`
name: profile
fields:
  - {name: hours, locator: "css:table tr", type: dict}
readiness:
  selector: "h1"
  actions:
    - {click: "button.hours", wait: 1s}
    - {click: "div[role='button']"}
`), "profile.yaml")
	if err != nil {
		t.Fatal(err)
	}
	got := s.Readiness.Actions
	if len(got) != 2 || got[0].Click != "button.hours" || got[0].Wait != time.Second || got[1].Wait != 0 {
		t.Errorf("actions: %+v", got)
	}
	c := s.Clone()
	c.Readiness.Actions[0].Click = "mutated"
	if s.Readiness.Actions[0].Click != "button.hours" {
		t.Error("Clone must copy actions")
	}

	_, err = Parse([]byte(`
name: broken
fields:
  - {name: a, locator: "h1"}
readiness:
  actions:
    - {click: ""}
    - {click: "div["}
    - {click: "a", wait: -1s}
`), "broken.yaml")
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("want *Error, got %v", err)
	}
	joined := strings.Join(se.Problems, "\n")
	for _, w := range []string{"actions[0]: click selector is required", "actions[1]:", "actions[2]: wait must not be negative"} {
		if !strings.Contains(joined, w) {
			t.Errorf("missing problem %q in:\n%s", w, joined)
		}
	}
}
