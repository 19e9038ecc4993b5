package transform

import (
	"errors"
	"fmt"
	"html"
	"math"
	"net/url"
	"regexp"
	"regexp/syntax"
	"strconv"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hazyhaar/harvest/writable"
)

var (
	reMarkup   = regexp.MustCompile(`<[a-zA-Z!/][^>]*>|&(?:[a-zA-Z]+|#\d+|#x[0-9a-fA-F]+);`)
	rePhone    = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{5,}\d`)
	reEmail    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	reAddress  = regexp.MustCompile(`^(.+?),\s*([^,]+),\s*([A-Z]{2})\s*(\d{5}(?:-\d{4})?)?$`)
	reDecimal  = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	reInt      = regexp.MustCompile(`-?\d[\d,]*`)
	reFloat    = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
	reCoords   = regexp.MustCompile(`@(-?\d+\.\d+),(-?\d+\.\d+)`)
	rePlaceURL = regexp.MustCompile(`/place/[^/]+/(?:@[^/]+/)?data=!3m1!4b1!4m[^!]+!3m[^!]+!1s(0x[a-f0-9]+:[a-f0-9x]+)`)
	rePlaceID  = regexp.MustCompile(`^0x[a-f0-9]+:[a-f0-9x]+$`)
)

var (
	strict = bluemonday.StrictPolicy()

	mdConverter = sync.OnceValue(func() *converter.Converter {
		return converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
	})
)

var errNotText = errors.New("not a text value")

func text(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int64, int, float64, bool:
		return writable.Format(t), nil
	}
	return "", fmt.Errorf("%w: %T", errNotText, v)
}

func trim(v any, _ string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func lower(v any, _ string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	return cases.Lower(language.Und).String(s), nil
}

func upper(v any, _ string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	return cases.Upper(language.Und).String(s), nil
}

func collapseSpace(v any, _ string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	return strings.Join(strings.Fields(s), " "), nil
}

// maxStripPasses bounds how many layers of escaped markup stripHTML peels.
const maxStripPasses = 8

// stripHTML removes all markup. Escaped markup ("&lt;b&gt;") becomes live
// after unescaping, so passes repeat until no markup is left. Text without
// tags or entities passes through unchanged.
func stripHTML(v any, _ string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	for i := 0; i < maxStripPasses && reMarkup.MatchString(s); i++ {
		s = strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
	}
	return s, nil
}

func toMarkdown(v any, _ string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	if !reMarkup.MatchString(s) {
		return strings.TrimSpace(s), nil
	}
	md, err := mdConverter().ConvertString(s)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(md), nil
}

// phone normalises the first phone-like run to "+<digits>". Ten-digit
// numbers get the US country code.
func phone(v any, _ string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	m := rePhone.FindString(s)
	if m == "" {
		return nil, errors.New("no phone number")
	}
	var digits strings.Builder
	for _, r := range m {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case strings.HasPrefix(m, "+"):
	case len(d) == 10:
		d = "1" + d
	case len(d) < 7:
		return nil, fmt.Errorf("too few digits in %q", m)
	}
	return "+" + d, nil
}

func email(v any, _ string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "mailto:")
	m := reEmail.FindString(s)
	if m == "" {
		return nil, errors.New("no email address")
	}
	return strings.ToLower(m), nil
}

// address splits "street, city, ST 12345" into components. Input that does
// not match keeps the whole string as the street.
func address(v any, _ string, _ Env) (any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	out := map[string]any{"street": s, "city": "", "state": "", "zip": ""}
	if m := reAddress.FindStringSubmatch(s); m != nil {
		out["street"] = strings.TrimSpace(m[1])
		out["city"] = strings.TrimSpace(m[2])
		out["state"] = m[3]
		out["zip"] = m[4]
	}
	return out, nil
}

// rating returns the first number in the input, which must lie in [0, 5].
func rating(v any, _ string, _ Env) (any, error) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int64:
		f = float64(t)
	default:
		s, err := text(v)
		if err != nil {
			return nil, err
		}
		m := reDecimal.FindString(s)
		if m == "" {
			return nil, errors.New("no rating")
		}
		f, err = strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
		if err != nil {
			return nil, err
		}
	}
	if f < 0 || f > 5 || math.IsNaN(f) {
		return nil, fmt.Errorf("rating %v out of range", f)
	}
	return f, nil
}

// toInt takes the first integer in the input, dropping thousands separators
// ("(1,234 reviews)" gives 1234).
func toInt(v any, _ string, _ Env) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	}
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	m := reInt.FindString(s)
	if m == "" {
		return nil, errors.New("no integer")
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m, ",", ""), 10, 64)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func toFloat(v any, _ string, _ Env) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	}
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	m := reFloat.FindString(s)
	if m == "" {
		return nil, errors.New("no number")
	}
	return strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
}

func toBool(v any, _ string, _ Env) (any, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "on":
		return true, nil
	case "false", "no", "n", "0", "off":
		return false, nil
	}
	return nil, fmt.Errorf("not a boolean: %q", s)
}

func urlAbs(v any, _ string, env Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() || env.PageURL == "" {
		return ref.String(), nil
	}
	b, err := url.Parse(env.PageURL)
	if err != nil {
		return nil, fmt.Errorf("page url: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}

// coords extracts "@lat,lng" from a maps URL.
func coords(v any, _ string, _ Env) (any, error) {
	if m, ok := v.(map[string]any); ok {
		if _, ok := m["latitude"]; ok {
			return m, nil
		}
	}
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	m := reCoords.FindStringSubmatch(s)
	if m == nil {
		return nil, errors.New("no coordinates")
	}
	lat, _ := strconv.ParseFloat(m[1], 64)
	lng, _ := strconv.ParseFloat(m[2], 64)
	return map[string]any{"latitude": lat, "longitude": lng}, nil
}

func placeID(v any, _ string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	if rePlaceID.MatchString(s) {
		return s, nil
	}
	m := rePlaceURL.FindStringSubmatch(s)
	if m == nil {
		return nil, errors.New("no place id")
	}
	return m[1], nil
}

// groupRegex is a transform pattern plus, when it has a capture group, the
// group's own pattern anchored to the whole input.
type groupRegex struct {
	re    *regexp.Regexp
	group *regexp.Regexp
}

var (
	regexMu    sync.Mutex
	regexCache = map[string]groupRegex{}
)

func cachedRegex(pattern string) (groupRegex, error) {
	regexMu.Lock()
	defer regexMu.Unlock()
	if g, ok := regexCache[pattern]; ok {
		return g, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return groupRegex{}, err
	}
	g := groupRegex{re: re}
	if sub := firstGroup(pattern); sub != "" {
		g.group, _ = regexp.Compile(`^(?:` + sub + `)$`)
	}
	regexCache[pattern] = g
	return g, nil
}

// firstGroup returns the source of capture group 1, or "" without groups.
func firstGroup(pattern string) string {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return ""
	}
	var walk func(*syntax.Regexp) *syntax.Regexp
	walk = func(r *syntax.Regexp) *syntax.Regexp {
		if r.Op == syntax.OpCapture && r.Cap == 1 {
			return r.Sub[0]
		}
		for _, s := range r.Sub {
			if g := walk(s); g != nil {
				return g
			}
		}
		return nil
	}
	if g := walk(re); g != nil {
		return g.String()
	}
	return ""
}

// regexGroup returns the first capture group, or the whole match when the
// pattern has no group. A value the pattern misses but that is itself a
// complete capture ("4" for "Rating: (\d+)") is returned unchanged.
func regexGroup(v any, pattern string, _ Env) (any, error) {
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	g, err := cachedRegex(pattern)
	if err != nil {
		return nil, err
	}
	m := g.re.FindStringSubmatch(s)
	if m == nil {
		if g.group != nil && g.group.MatchString(s) {
			return s, nil
		}
		return nil, errors.New("no match")
	}
	if len(m) > 1 {
		return m[1], nil
	}
	return m[0], nil
}

func defaultValue(v any, arg string, _ Env) (any, error) {
	if v == nil {
		return arg, nil
	}
	return v, nil
}

func split(v any, sep string, _ Env) (any, error) {
	if l, ok := v.([]any); ok {
		return l, nil
	}
	s, err := text(v)
	if err != nil {
		return nil, err
	}
	out := []any{}
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}
