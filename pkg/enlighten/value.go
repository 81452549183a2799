package enlighten

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Value is a loosely typed JSON value. The Enlighten cloud reports the same
// field as a bool, a number or a string depending on deployment, so every
// accessor normalizes instead of failing.
type Value struct {
	v any
}

// NewValue wraps a decoded JSON value or a Go literal.
func NewValue(v any) Value {
	return Value{v: v}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(b []byte) error {
	var x any
	if err := json.Unmarshal(b, &x); err != nil {
		return err
	}
	v.v = x
	return nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.v)
}

// Raw returns the underlying value.
func (v Value) Raw() any {
	return v.v
}

// IsNull reports whether the value is missing or JSON null.
func (v Value) IsNull() bool {
	return v.v == nil
}

func (v Value) object() (map[string]any, bool) {
	switch m := v.v.(type) {
	case map[string]any:
		return m, true
	case map[string]Value:
		out := make(map[string]any, len(m))
		for k, x := range m {
			out[k] = x.v
		}
		return out, true
	}
	return nil, false
}

// IsObject reports whether the value is a JSON object.
func (v Value) IsObject() bool {
	_, ok := v.object()
	return ok
}

// IsList reports whether the value is a JSON array.
func (v Value) IsList() bool {
	switch v.v.(type) {
	case []any, []Value:
		return true
	}
	return false
}

// Get returns the member named key, or a null Value.
func (v Value) Get(key string) Value {
	m, ok := v.object()
	if !ok {
		return Value{}
	}
	return unwrap(m[key])
}

// Keys returns the object's member names in sorted order.
func (v Value) Keys() []string {
	m, ok := v.object()
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// List returns the elements of an array, or nil.
func (v Value) List() []Value {
	switch l := v.v.(type) {
	case []any:
		out := make([]Value, len(l))
		for i, x := range l {
			out[i] = unwrap(x)
		}
		return out
	case []Value:
		return l
	}
	return nil
}

// First returns the first element of an array, or a null Value.
func (v Value) First() Value {
	l := v.List()
	if len(l) == 0 {
		return Value{}
	}
	return l[0]
}

func unwrap(x any) Value {
	if vv, ok := x.(Value); ok {
		return vv
	}
	return Value{v: x}
}

func number(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Bool normalizes mixed boolean representations: numbers are true when
// non-zero and strings when they read true, 1, yes or y.
func (v Value) Bool() bool {
	switch b := v.v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "y":
			return true
		}
		return false
	}
	if n, ok := number(v.v); ok {
		return n != 0
	}
	return false
}

// Truthy reports JSON truthiness: non-empty strings, arrays and objects,
// non-zero numbers and true.
func (v Value) Truthy() bool {
	switch x := v.v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case []Value:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	case map[string]Value:
		return len(x) > 0
	}
	if n, ok := number(v.v); ok {
		return n != 0
	}
	return true
}

// Text renders scalars as text. Objects, arrays and null are not strings.
func (v Value) Text() (string, bool) {
	switch x := v.v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	}
	if n, ok := number(v.v); ok {
		if n == math.Trunc(n) && math.Abs(n) < 1e18 {
			return strconv.FormatInt(int64(n), 10), true
		}
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return "", false
}

// Int parses integral numbers and integer strings. Fractional values are
// rejected rather than truncated.
func (v Value) Int() (int64, bool) {
	if s, ok := v.v.(string); ok {
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return i, err == nil
	}
	if n, ok := number(v.v); ok {
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// Float parses numbers and numeric strings.
func (v Value) Float() (float64, bool) {
	if s, ok := v.v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return number(v.v)
}

// Seconds reads an epoch timestamp in seconds. Values above 10^12 are
// treated as milliseconds.
func (v Value) Seconds() (int64, bool) {
	var i int64
	if s, ok := v.v.(string); ok {
		p, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, false
		}
		i = p
	} else if n, ok := number(v.v); ok {
		i = int64(n)
	} else {
		return 0, false
	}
	if i > 1e12 {
		i /= 1000
	}
	return i, true
}

// FirstTruthy returns the first truthy value, or the last one if none are.
func FirstTruthy(vals ...Value) Value {
	for _, v := range vals {
		if v.Truthy() {
			return v
		}
	}
	if len(vals) == 0 {
		return Value{}
	}
	return vals[len(vals)-1]
}

// StringPtr returns the scalar as a string pointer, nil when null or not a
// scalar.
func (v Value) StringPtr() *string {
	s, ok := v.Text()
	if !ok {
		return nil
	}
	return &s
}
