// Package transform normalises raw extracted values. A Chain is an ordered
// list of named steps applied left to right; every step is total, a failing
// step turns the value into writable.Missing and later steps still run (so a
// trailing default can recover it).
package transform

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/hazyhaar/harvest/writable"
)

// Env carries page context some steps need.
type Env struct {
	PageURL string
}

// Func transforms one value. arg is the text after the first ':' in the
// step identifier, empty when none was given.
type Func func(v any, arg string, env Env) (any, error)

type def struct {
	fn Func
	// lift applies fn to every list element / dict value instead of the whole value.
	lift bool
	// arg is required ("regex:", "default:", "split:").
	arg bool
	// onMissing runs the step even when the input is Missing.
	onMissing bool
	// compile validates the argument at parse time.
	compile func(arg string) error
}

var registry = map[string]def{
	"trim":           {fn: trim, lift: true},
	"lower":          {fn: lower, lift: true},
	"upper":          {fn: upper, lift: true},
	"collapse-space": {fn: collapseSpace, lift: true},
	"strip-html":     {fn: stripHTML, lift: true},
	"markdown":       {fn: toMarkdown, lift: true},
	"phone":          {fn: phone, lift: true},
	"email":          {fn: email, lift: true},
	"address":        {fn: address},
	"rating":         {fn: rating, lift: true},
	"int":            {fn: toInt, lift: true},
	"float":          {fn: toFloat, lift: true},
	"bool":           {fn: toBool, lift: true},
	"url-abs":        {fn: urlAbs, lift: true},
	"coords":         {fn: coords},
	"place-id":       {fn: placeID, lift: true},
	"regex":          {fn: regexGroup, lift: true, arg: true, compile: compileRegex},
	"default":        {fn: defaultValue, arg: true, onMissing: true},
	"split":          {fn: split, arg: true},
}

// Lookup reports whether name is a registered transform. name may carry an
// argument ("regex:(\d+)").
func Lookup(id string) bool {
	name, _, _ := strings.Cut(id, ":")
	_, ok := registry[name]
	return ok
}

// Names returns the registered transform names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Step is one parsed transform identifier.
type Step struct {
	Name string
	Arg  string
	d    def
}

// ID returns the identifier the step was parsed from.
func (s Step) ID() string {
	if s.d.arg || s.Arg != "" {
		return s.Name + ":" + s.Arg
	}
	return s.Name
}

// Chain is an ordered list of steps.
type Chain []Step

// Parse resolves transform identifiers into a Chain. Unknown names and
// invalid arguments are reported with ErrUnknown / ErrBadArg.
func Parse(ids []string) (Chain, error) {
	chain := make(Chain, 0, len(ids))
	for _, id := range ids {
		name, arg, hasArg := strings.Cut(strings.TrimSpace(id), ":")
		d, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("transform: parse %q: %w", id, ErrUnknown)
		}
		if d.arg && !hasArg {
			return nil, fmt.Errorf("transform: parse %q: argument required: %w", id, ErrBadArg)
		}
		if d.compile != nil {
			if err := d.compile(arg); err != nil {
				return nil, fmt.Errorf("transform: parse %q: %v: %w", id, err, ErrBadArg)
			}
		}
		chain = append(chain, Step{Name: name, Arg: arg, d: d})
	}
	return chain, nil
}

// Result is a chain's output plus the identifiers of the steps that ran.
type Result struct {
	Value   writable.Value
	Applied []string
}

// Run applies every step in order. Steps on a Missing value are skipped
// unless they handle Missing themselves.
func (c Chain) Run(v writable.Value, env Env) Result {
	res := Result{Value: v}
	for _, s := range c {
		if res.Value.IsMissing() && !s.d.onMissing {
			continue
		}
		out, err := s.apply(res.Value, env)
		res.Applied = append(res.Applied, s.ID())
		if err != nil {
			res.Value = writable.Missing(fmt.Sprintf("transform %s: %v", s.Name, err))
			continue
		}
		res.Value = writable.Of(out)
	}
	return res
}

// IDs returns the step identifiers in order.
func (c Chain) IDs() []string {
	out := make([]string, len(c))
	for i, s := range c {
		out[i] = s.ID()
	}
	return out
}

// Apply runs chain over raw and returns the resulting value.
func Apply(raw writable.Value, chain Chain, env Env) writable.Value {
	return chain.Run(raw, env).Value
}

func (s Step) apply(v writable.Value, env Env) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	if v.IsMissing() {
		return s.d.fn(nil, s.Arg, env)
	}
	x := v.Any()
	if !s.d.lift {
		return s.d.fn(x, s.Arg, env)
	}
	switch t := x.(type) {
	case []any:
		outs := make([]any, 0, len(t))
		for _, e := range t {
			r, err := s.d.fn(e, s.Arg, env)
			if err != nil {
				return nil, err
			}
			outs = append(outs, r)
		}
		return outs, nil
	case map[string]any:
		outm := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			r, err := s.d.fn(t[k], s.Arg, env)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			outm[k] = r
		}
		return outm, nil
	}
	return s.d.fn(x, s.Arg, env)
}

func compileRegex(arg string) error {
	_, err := regexp.Compile(arg)
	return err
}
