package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"

	"github.com/hazyhaar/harvest/internal/xpath"
)

// LocatorKind selects how a locator is evaluated.
type LocatorKind int

const (
	LocNone LocatorKind = iota
	LocCSS
	LocXPath
	LocRegex
	LocIndex
)

func (k LocatorKind) String() string {
	switch k {
	case LocCSS:
		return "css"
	case LocXPath:
		return "xpath"
	case LocRegex:
		return "regex"
	case LocIndex:
		return "index"
	}
	return "none"
}

// Locator is a compiled field locator.
//
// Syntax:
//
//	css:<selector>[@attr|@html]   (the css: prefix is optional)
//	xpath:<expr>[@html]           (attributes via a trailing /@attr)
//	regex:<pattern>               first capture group over the item text
//	index                         1-based item position within the page
//
// An empty CSS selector with an attribute ("@href") reads the item element
// itself.
type Locator struct {
	Raw  string
	Kind LocatorKind
	Expr string
	Attr string
	HTML bool

	css cascadia.Selector
	xp  *xpath.Expr
	re  *regexp.Regexp
}

// CSS returns the compiled selector, nil for the item itself.
func (l Locator) CSS() cascadia.Selector { return l.css }

// XPath returns the compiled expression.
func (l Locator) XPath() *xpath.Expr { return l.xp }

// Regexp returns the compiled pattern.
func (l Locator) Regexp() *regexp.Regexp { return l.re }

func (l Locator) String() string { return l.Raw }

// ParseLocator compiles s. The empty string yields a LocNone locator.
func ParseLocator(s string) (Locator, error) {
	raw := s
	s = strings.TrimSpace(s)
	l := Locator{Raw: raw}
	if s == "" {
		return l, nil
	}
	kind, body := LocCSS, s
	switch {
	case strings.HasPrefix(s, "css:"):
		body = s[len("css:"):]
	case strings.HasPrefix(s, "xpath:"):
		kind, body = LocXPath, s[len("xpath:"):]
	case strings.HasPrefix(s, "regex:"):
		kind, body = LocRegex, s[len("regex:"):]
	case s == "index" || s == "index:":
		l.Kind = LocIndex
		return l, nil
	}
	l.Kind = kind
	body = strings.TrimSpace(body)

	switch kind {
	case LocRegex:
		re, err := regexp.Compile(body)
		if err != nil {
			return l, fmt.Errorf("schema: locator %q: %w", raw, err)
		}
		l.Expr, l.re = body, re
	case LocXPath:
		if strings.HasSuffix(body, "@html") && !strings.HasSuffix(body, "/@html") {
			body, l.HTML = strings.TrimSuffix(body, "@html"), true
		}
		xp, err := xpath.Compile(body)
		if err != nil {
			return l, fmt.Errorf("schema: locator %q: %w", raw, err)
		}
		l.Expr, l.xp, l.Attr = body, xp, xp.Attr()
	case LocCSS:
		sel, attr := splitAttr(body)
		if attr == "html" {
			l.HTML = true
		} else {
			l.Attr = attr
		}
		sel = strings.TrimSpace(sel)
		if sel == "" && attr == "" {
			return l, fmt.Errorf("schema: locator %q: empty selector", raw)
		}
		if sel != "" {
			c, err := cascadia.Compile(sel)
			if err != nil {
				return l, fmt.Errorf("schema: locator %q: %w", raw, err)
			}
			l.css = c
		}
		l.Expr = sel
	}
	return l, nil
}

// splitAttr cuts a trailing "@name" that sits outside brackets and quotes.
func splitAttr(s string) (sel, attr string) {
	depth := 0
	var quote byte
	at := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[' || c == '(':
			depth++
		case c == ']' || c == ')':
			depth--
		case c == '@' && depth == 0:
			at = i
		}
	}
	if at < 0 {
		return s, ""
	}
	name := s[at+1:]
	if name == "" || strings.ContainsAny(name, " >+~.#:[]()") {
		return s, ""
	}
	return s[:at], name
}

// CompileCSS validates a plain CSS selector used for readiness and captcha
// checks.
func CompileCSS(sel string) (cascadia.Selector, error) {
	c, err := cascadia.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("schema: selector %q: %w", sel, err)
	}
	return c, nil
}
