// Package xpath compiles XPath 1.0 locators with antchfx/xpath and
// evaluates them over golang.org/x/net/html trees through htmlquery's
// navigator. A trailing /@name step is split off so callers read the
// attribute from the selected element; text() steps select the element's
// own text nodes.
//
// Expressions are compiled once and are safe for concurrent use.
package xpath

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

// ErrSyntax is wrapped by every Compile error.
var ErrSyntax = errors.New("xpath: syntax error")

// Expr is a compiled expression.
type Expr struct {
	src  string
	expr *xpath.Expr
	attr string
	text bool
}

// String returns the source expression.
func (e *Expr) String() string { return e.src }

// Attr returns the attribute selected by a trailing /@name, or "".
func (e *Expr) Attr() string { return e.attr }

// Text reports whether the expression ends in /text().
func (e *Expr) Text() bool { return e.text }

// Compile parses expr.
func Compile(expr string) (*Expr, error) {
	src := expr
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	e := &Expr{src: src}
	switch i := strings.LastIndex(expr, "@"); {
	case i == 0 && validName(expr[1:]):
		e.attr, expr = expr[1:], "."
	case i > 0 && expr[i-1] == '/' && validName(expr[i+1:]):
		head := expr[:i-1]
		if head == "" || strings.HasSuffix(head, "/") {
			return nil, fmt.Errorf("%w: %q: attribute step needs an element step", ErrSyntax, src)
		}
		e.attr, expr = expr[i+1:], head
	}
	e.text = strings.HasSuffix(expr, "text()")
	x, err := xpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSyntax, src, err)
	}
	e.expr = x
	return e, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(expr string) *Expr {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == ':', r == '.':
		default:
			return false
		}
	}
	return true
}

// Select evaluates the expression with ctx as the context node and returns
// the matching element and text nodes in document order, without
// duplicates. Absolute expressions start from the root of the tree ctx
// belongs to.
func (e *Expr) Select(ctx *html.Node) []*html.Node {
	if ctx == nil {
		return nil
	}
	it := e.expr.Select(navigatorAt(ctx))
	seen := make(map[*html.Node]bool)
	var out []*html.Node
	for it.MoveNext() {
		nav, ok := it.Current().(*htmlquery.NodeNavigator)
		if !ok || nav.NodeType() == xpath.AttributeNode {
			continue
		}
		n := nav.Current()
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	slices.SortStableFunc(out, compareOrder)
	return out
}

// navigatorAt returns a navigator over the whole tree positioned on ctx,
// so "//" reaches the root and ".." leaves the item.
func navigatorAt(ctx *html.Node) *htmlquery.NodeNavigator {
	var path []*html.Node
	root := ctx
	for ; root.Parent != nil; root = root.Parent {
		path = append(path, root)
	}
	nav := htmlquery.CreateXPathNavigator(root)
	for i := len(path) - 1; i >= 0; i-- {
		if !nav.MoveToChild() {
			return htmlquery.CreateXPathNavigator(ctx)
		}
		for nav.Current() != path[i] {
			if !nav.MoveToNext() {
				return htmlquery.CreateXPathNavigator(ctx)
			}
		}
	}
	return nav
}

// compareOrder orders two nodes of one tree by document position. An
// ancestor precedes its descendants.
func compareOrder(a, b *html.Node) int {
	if a == b {
		return 0
	}
	pa, pb := ancestry(a), ancestry(b)
	i := 0
	for i < len(pa) && i < len(pb) && pa[i] == pb[i] {
		i++
	}
	switch {
	case i == len(pa):
		return -1
	case i == len(pb):
		return 1
	}
	for n := pa[i].NextSibling; n != nil; n = n.NextSibling {
		if n == pb[i] {
			return -1
		}
	}
	return 1
}

// ancestry returns the chain from the root down to n.
func ancestry(n *html.Node) []*html.Node {
	var out []*html.Node
	for ; n != nil; n = n.Parent {
		out = append(out, n)
	}
	slices.Reverse(out)
	return out
}
