package resolve

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/writable"
)

const results = `<html><body>
<div class="result" data-id="a1">
  <h3> Joe's Pizza </h3>
  <a class="title" href="/biz/joes">Joe's</a>
  <span class="phone">(555) 123-4567</span>
  <span class="tag">pizza</span><span class="tag">late night</span>
  <p class="rating">4.5 stars (1,234 reviews)</p>
  <table class="hours"><tr><td>Mon</td><td>9-5</td></tr><tr><td>Tue</td><td>10-6</td></tr></table>
  <ul class="meta"><li>Price: $$</li><li>Delivery: yes</li></ul>
</div>
<div class="result" data-id="b2">
  <h3>Sal's</h3>
  <a class="title" href="https://sals.example/">Sal's</a>
</div>
<a class="next" href="?page=2">Next</a>
</body></html>`

func mustSchema(t *testing.T, s *schema.Schema) *schema.Schema {
	t.Helper()
	c, err := schema.Compile(s)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c
}

func parse(t *testing.T) *Document {
	t.Helper()
	doc, err := Parse([]byte(results), "https://example.com/search?q=pizza")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func testSchema(t *testing.T) *schema.Schema {
	return mustSchema(t, &schema.Schema{
		Name: "listings",
		Item: "css:div.result",
		Fields: []schema.FieldSpec{
			{Name: "name", Locator: "css:h3", Required: true},
			{Name: "url", Locator: "css:a.title@href"},
			{Name: "id", Locator: "css:@data-id"},
			{Name: "phone", Locator: "css:.phone"},
			{Name: "tags", Locator: "css:span.tag", Type: writable.KindList},
			{Name: "reviews", Locator: `regex:\(([\d,]+) reviews\)`},
			{Name: "hours", Locator: "css:table.hours tr", Type: writable.KindDict},
			{Name: "meta", Locator: "css:ul.meta li", Type: writable.KindDict},
			{Name: "title_x", Locator: "xpath:.//a[@class='title']/@href"},
			{Name: "position", Locator: "index"},
			{Name: "email", Locator: "css:.email"},
		},
	})
}

func TestResolve_Items(t *testing.T) {
	items := Resolve(parse(t), testSchema(t))
	if len(items) != 2 {
		t.Fatalf("items: got %d, want 2", len(items))
	}
	first := items[0]
	want := map[string]any{
		"name":     "Joe's Pizza",
		"url":      "/biz/joes",
		"id":       "a1",
		"phone":    "(555) 123-4567",
		"tags":     []any{"pizza", "late night"},
		"reviews":  "1,234",
		"hours":    map[string]any{"Mon": "9-5", "Tue": "10-6"},
		"meta":     map[string]any{"Price": "$$", "Delivery": "yes"},
		"title_x":  "/biz/joes",
		"position": "1",
		"email":    nil,
	}
	got := make(map[string]any, len(first.Fields))
	for k, raw := range first.Fields {
		got[k] = raw.Value.Any()
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("first item mismatch (-want +got):\n%s", diff)
	}
	if r := first.Fields["email"].Value.Reason(); r != "no match" {
		t.Errorf("email reason: got %q", r)
	}
	if items[1].Index != 2 || items[1].Fields["position"].Value.Any() != "2" {
		t.Errorf("second item index: %+v", items[1].Fields["position"])
	}
	if !items[1].Fields["phone"].Value.IsMissing() {
		t.Error("second item has no phone")
	}
}

// WHAT: every field is present in every item, even when nothing matches.
// WHY: downstream stages rely on a fixed key set per schema.
func TestResolve_EveryFieldPresent(t *testing.T) {
	s := testSchema(t)
	doc, _ := Parse([]byte(`<html><body><div class="result"></div></body></html>`), "")
	items := Resolve(doc, s)
	if len(items) != 1 {
		t.Fatalf("items: got %d", len(items))
	}
	for _, name := range s.FieldNames() {
		raw, ok := items[0].Fields[name]
		if !ok {
			t.Errorf("field %q absent", name)
			continue
		}
		if name != "position" && !raw.Value.IsMissing() {
			t.Errorf("field %q: want missing, got %v", name, raw.Value.Any())
		}
	}
}

func TestResolve_WholeDocument(t *testing.T) {
	s := mustSchema(t, &schema.Schema{
		Name:   "doc",
		Fields: []schema.FieldSpec{{Name: "first", Locator: "h3"}},
	})
	items := Resolve(parse(t), s)
	if len(items) != 1 || items[0].Fields["first"].Value.Any() != "Joe's Pizza" {
		t.Fatalf("got %+v", items)
	}
}

func TestResolve_HandBuiltInvalidLocator(t *testing.T) {
	s := &schema.Schema{
		Name: "raw",
		Fields: []schema.FieldSpec{
			{Name: "bad", Locator: "css:div[["},
			{Name: "good", Locator: "h3"},
		},
	}
	items := Resolve(parse(t), s)
	if len(items) != 1 {
		t.Fatalf("items: got %d", len(items))
	}
	bad := items[0].Fields["bad"].Value
	if !bad.IsMissing() || !strings.Contains(bad.Reason(), "locator") {
		t.Errorf("bad: got %v / %q", bad.Any(), bad.Reason())
	}
	if items[0].Fields["good"].Value.IsMissing() {
		t.Error("good field should still resolve")
	}
}

func TestResolve_DictKeys(t *testing.T) {
	s := mustSchema(t, &schema.Schema{
		Name: "k",
		Item: "div.result",
		Fields: []schema.FieldSpec{{
			Name: "contact", Type: writable.KindDict,
			Keys: map[string]string{"phone": ".phone", "site": "a.title@href", "fax": ".fax"},
		}},
	})
	items := Resolve(parse(t), s)
	want := map[string]any{"phone": "(555) 123-4567", "site": "/biz/joes"}
	if diff := cmp.Diff(want, items[0].Fields["contact"].Value.Any()); diff != "" {
		t.Errorf("contact mismatch:\n%s", diff)
	}
}

func TestNext(t *testing.T) {
	doc := parse(t)
	loc, _ := schema.ParseLocator("css:a.next@href")
	got, ok := Next(doc, loc, "")
	if !ok || got != "https://example.com/search?page=2" {
		t.Errorf("next: got %q %v", got, ok)
	}
	loc, _ = schema.ParseLocator("a.prev")
	if _, ok := Next(doc, loc, ""); ok {
		t.Error("missing next should report false")
	}
}

func TestExistsCount(t *testing.T) {
	doc := parse(t)
	if !Exists(doc, "div.result") || Exists(doc, "form#captcha") || Exists(doc, "div[[") {
		t.Error("Exists mismatch")
	}
	if Count(doc, "div.result") != 2 {
		t.Errorf("count: got %d", Count(doc, "div.result"))
	}
}

func TestResolve_NestedListOrder(t *testing.T) {
	doc, err := Parse([]byte(`<html><body><div id="outer"><p>one</p><div id="inner"><p>two</p></div><p>three</p></div></body></html>`), "")
	if err != nil {
		t.Fatal(err)
	}
	s := mustSchema(t, &schema.Schema{
		Name: "nested",
		Fields: []schema.FieldSpec{
			{Name: "by_xpath", Locator: "xpath://div/p", Type: writable.KindList},
			{Name: "by_css", Locator: "css:div > p", Type: writable.KindList},
			{Name: "first", Locator: "xpath://div/p"},
		},
	})
	items := Resolve(doc, s)
	want := []any{"one", "two", "three"}
	for _, name := range []string{"by_xpath", "by_css"} {
		if diff := cmp.Diff(want, items[0].Fields[name].Value.Any()); diff != "" {
			t.Errorf("%s order (-want +got):\n%s", name, diff)
		}
	}
	if got := items[0].Fields["first"].Value.Any(); got != "one" {
		t.Errorf("first: got %v", got)
	}
}

func TestResolve_XPathItems(t *testing.T) {
	s := mustSchema(t, &schema.Schema{
		Name:   "x",
		Item:   "xpath://div[@data-id]",
		Fields: []schema.FieldSpec{{Name: "id", Locator: "xpath:@data-id"}, {Name: "name", Locator: "xpath:./h3/text()"}},
	})
	items := Resolve(parse(t), s)
	if len(items) != 2 {
		t.Fatalf("items: got %d", len(items))
	}
	got := []any{items[0].Fields["id"].Value.Any(), items[1].Fields["id"].Value.Any(), items[1].Fields["name"].Value.Any()}
	if diff := cmp.Diff([]any{"a1", "b2", "Sal's"}, got); diff != "" {
		t.Errorf("xpath items (-want +got):\n%s", diff)
	}
}
