package writable

import (
	"fmt"
	"strconv"
)

// Kind is the declared type of a schema field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindDict   Kind = "dict"
)

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindString, KindInt, KindFloat, KindBool, KindList, KindDict:
		return true
	}
	return false
}

// Multi reports whether the kind collects every match instead of the first.
func (k Kind) Multi() bool { return k == KindList || k == KindDict }

// Value is a field slot: either a present value or Missing with a reason.
//
// Present values are one of string, int64, float64, bool, []any or
// map[string]any.
type Value struct {
	v       any
	missing bool
	reason  string
}

// Of wraps a present value. A nil v is treated as Missing.
func Of(v any) Value {
	if v == nil {
		return Missing("nil value")
	}
	return Value{v: v}
}

// Missing returns a missing slot carrying reason.
func Missing(reason string) Value {
	if reason == "" {
		reason = "missing"
	}
	return Value{missing: true, reason: reason}
}

// IsMissing reports whether the slot holds no value.
func (v Value) IsMissing() bool { return v.missing || v.v == nil }

// Reason explains why the slot is missing. Empty for present values.
func (v Value) Reason() string {
	if !v.IsMissing() {
		return ""
	}
	if v.reason == "" {
		return "missing"
	}
	return v.reason
}

// Any returns the underlying value, nil when missing.
func (v Value) Any() any {
	if v.IsMissing() {
		return nil
	}
	return v.v
}

// String renders the value as text. Missing yields "".
func (v Value) String() string {
	if v.IsMissing() {
		return ""
	}
	return Format(v.v)
}

// Format renders a present value as text the same way for every kind.
func Format(x any) string {
	switch t := x.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
