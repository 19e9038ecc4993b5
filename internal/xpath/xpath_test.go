package xpath

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/net/html"
)

const page = `<html><body>
<div class="card featured" data-id="1"><h3>Alpha</h3><a href="/a">A</a></div>
<div class="card" data-id="2"><h3>Beta</h3><a href="/b">B</a></div>
<div class="ad"><h3>Sponsored</h3></div>
<ul><li>one</li><li>two</li><li>three</li></ul>
</body></html>`

func parse(t *testing.T) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func texts(nodes []*html.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = text(n)
	}
	return out
}

func TestSelect(t *testing.T) {
	doc := parse(t)
	cases := []struct {
		expr string
		want string
	}{
		{"//h3", "Alpha|Beta|Sponsored"},
		{"/html/body/ul/li", "one|two|three"},
		{"//li[2]", "two"},
		{"//div[@data-id='2']/h3", "Beta"},
		{"//div[@data-id]/h3", "Alpha|Beta"},
		{"//div[contains(@class,'card')]//h3", "Alpha|Beta"},
		{"//div[contains(@class,'card')][2]/h3", "Beta"},
		{"/html/body/div/h3", "Alpha|Beta|Sponsored"},
		{"//li | //h3", "Alpha|Beta|Sponsored|one|two|three"},
		{"//li[last()]", "three"},
		{"//*[@class='ad']/h3", "Sponsored"},
		{"//table", ""},
	}
	for _, c := range cases {
		e, err := Compile(c.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", c.expr, err)
		}
		got := strings.Join(texts(e.Select(doc)), "|")
		if got != c.want {
			t.Errorf("%s: got %q, want %q", c.expr, got, c.want)
		}
	}
}

func TestSelect_Relative(t *testing.T) {
	doc := parse(t)
	cards := MustCompile("//div[@data-id]").Select(doc)
	if len(cards) != 2 {
		t.Fatalf("cards: got %d, want 2", len(cards))
	}
	got := texts(MustCompile(".//h3").Select(cards[1]))
	if len(got) != 1 || got[0] != "Beta" {
		t.Errorf(".//h3 on second card: got %v", got)
	}
	got = texts(MustCompile("./a").Select(cards[0]))
	if len(got) != 1 || got[0] != "A" {
		t.Errorf("./a on first card: got %v", got)
	}
	// Absolute paths ignore the context node.
	if n := len(MustCompile("//h3").Select(cards[0])); n != 3 {
		t.Errorf("//h3 from card: got %d, want 3", n)
	}
}

// WHAT: matches under nested context nodes come back in document order.
// WHY: list fields and item splitting must follow the page order.
func TestSelect_NestedDocumentOrder(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(`<html><body><div id="outer"><p>one</p><div id="inner"><p>two</p></div><p>three</p></div></body></html>`))
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(texts(MustCompile("//div/p").Select(doc)), "|")
	if got != "one|two|three" {
		t.Errorf("//div/p: got %q, want %q", got, "one|two|three")
	}
}

func TestCompile_AttrAndText(t *testing.T) {
	e := MustCompile("//div[@data-id='1']/a/@href")
	if e.Attr() != "href" {
		t.Fatalf("attr: got %q", e.Attr())
	}
	nodes := e.Select(parse(t))
	if len(nodes) != 1 || nodes[0].Data != "a" {
		t.Fatalf("nodes: got %v", nodes)
	}
	if e := MustCompile("//div[@data-id]"); e.Attr() != "" {
		t.Errorf("predicate attribute taken as selection: %q", e.Attr())
	}
	self := MustCompile("@data-id")
	cards := MustCompile("//div[@data-id]").Select(parse(t))
	if self.Attr() != "data-id" || len(self.Select(cards[0])) != 1 || self.Select(cards[0])[0] != cards[0] {
		t.Errorf("bare attribute should select the context element")
	}

	tx := MustCompile("//p/text()")
	if !tx.Text() {
		t.Error("expected text() selection")
	}
	doc, _ := html.Parse(strings.NewReader(`<p>direct <b>bold</b> tail</p>`))
	var own []string
	for _, n := range tx.Select(doc) {
		if n.Type != html.TextNode {
			t.Fatalf("text(): got node type %v", n.Type)
		}
		own = append(own, n.Data)
	}
	if strings.Join(own, "|") != "direct | tail" {
		t.Errorf("text(): got %q", own)
	}
}

func TestCompile_Errors(t *testing.T) {
	for _, expr := range []string{
		"",
		"   ",
		"//div[",
		"//div[@class='x]",
		"//@href",
		"/@href",
	} {
		if _, err := Compile(expr); !errors.Is(err, ErrSyntax) {
			t.Errorf("Compile(%q): got %v, want ErrSyntax", expr, err)
		}
	}
}
