package transform

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/harvest/writable"
)

// Coerce converts a present value to kind. Empty strings and empty
// collections become Missing; values that cannot be converted become
// Missing with a "coerce" reason.
func Coerce(v writable.Value, kind writable.Kind) writable.Value {
	if v.IsMissing() {
		return v
	}
	out, err := coerce(v.Any(), kind)
	if err != nil {
		return writable.Missing(fmt.Sprintf("coerce %s: %v", kind, err))
	}
	if empty(out) {
		return writable.Missing("empty value")
	}
	return writable.Of(out)
}

func coerce(x any, kind writable.Kind) (any, error) {
	switch kind {
	case writable.KindString, "":
		switch t := x.(type) {
		case []any:
			parts := make([]string, len(t))
			for i, e := range t {
				parts[i] = writable.Format(e)
			}
			return strings.Join(parts, ", "), nil
		case map[string]any:
			return nil, fmt.Errorf("dict value for string field")
		}
		return writable.Format(x), nil
	case writable.KindInt:
		return toInt(x, "", Env{})
	case writable.KindFloat:
		return toFloat(x, "", Env{})
	case writable.KindBool:
		return toBool(x, "", Env{})
	case writable.KindList:
		switch t := x.(type) {
		case []any:
			return t, nil
		case []string:
			out := make([]any, len(t))
			for i, s := range t {
				out[i] = s
			}
			return out, nil
		case map[string]any:
			return nil, fmt.Errorf("dict value for list field")
		}
		return []any{x}, nil
	case writable.KindDict:
		switch t := x.(type) {
		case map[string]any:
			return t, nil
		case map[string]string:
			out := make(map[string]any, len(t))
			for k, s := range t {
				out[k] = s
			}
			return out, nil
		}
		return nil, fmt.Errorf("%T value for dict field", x)
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func empty(x any) bool {
	switch t := x.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return x == nil
}
