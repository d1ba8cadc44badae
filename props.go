package pagecraft

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unicode/utf8"
)

// Props maps property names to values. Values are limited to strings,
// numbers (stored as float64), booleans, nested objects following the same
// rules, and arrays of primitives.
type Props map[string]any

// Clone returns a deep copy of p.
func (p Props) Clone() Props {
	if p == nil {
		return nil
	}
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Props:
		return map[string]any(t.Clone())
	case []any:
		return append([]any(nil), t...)
	default:
		return v
	}
}

// String returns the string prop at key, or def when missing or not a string.
func (p Props) String(key, def string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return def
}

// Number returns the numeric prop at key, or def. Numeric strings are accepted
// so hand-edited documents degrade instead of losing the value.
func (p Props) Number(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if f, ok := toFloat(p[key]); ok {
		return f
	}
	return def
}

// Int returns the prop at key truncated to an int, or def.
func (p Props) Int(key string, def int) int {
	f := p.Number(key, math.NaN())
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return int(f)
}

// Bool returns the boolean prop at key, or def.
func (p Props) Bool(key string, def bool) bool {
	if b, ok := p[key].(bool); ok {
		return b
	}
	return def
}

// Object returns the nested object at key, or nil.
func (p Props) Object(key string) Props {
	switch v := p[key].(type) {
	case map[string]any:
		return Props(v)
	case Props:
		return v
	}
	return nil
}

// Strings returns the string elements of the array prop at key.
func (p Props) Strings(key string) []string {
	arr, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// NormalizeProps converts Go values into the canonical prop representation
// (float64 numbers, map[string]any objects, []any arrays) and rejects
// anything outside the allowed value set. A nil input yields nil.
func NormalizeProps(in map[string]any) (Props, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(Props, len(in))
	for k, v := range in {
		if !utf8.ValidString(k) {
			return nil, fmt.Errorf("prop name %q is not valid UTF-8", k)
		}
		nv, err := normalizeValue(k, v, false)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

// normalizePatch is NormalizeProps for updateProps patches, where nil marks
// a key for deletion.
func normalizePatch(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if !utf8.ValidString(k) {
			return nil, fmt.Errorf("prop name %q is not valid UTF-8", k)
		}
		if v == nil {
			out[k] = nil
			continue
		}
		nv, err := normalizeValue(k, v, false)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(path string, v any, inArray bool) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, fmt.Errorf("prop %q: null values are not allowed", path)
	case string:
		if !utf8.ValidString(t) {
			return nil, fmt.Errorf("prop %q: string is not valid UTF-8", path)
		}
		return t, nil
	case bool:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("prop %q: number must be finite", path)
		}
		return t, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("prop %q: %w", path, err)
		}
		return f, nil
	case map[string]any:
		if inArray {
			return nil, fmt.Errorf("prop %q: arrays may only hold primitives", path)
		}
		m := make(map[string]any, len(t))
		for k, vv := range t {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("prop %q: key %q is not valid UTF-8", path, k)
			}
			nv, err := normalizeValue(path+"."+k, vv, false)
			if err != nil {
				return nil, err
			}
			m[k] = nv
		}
		return m, nil
	case Props:
		return normalizeValue(path, map[string]any(t), inArray)
	case []any:
		if inArray {
			return nil, fmt.Errorf("prop %q: nested arrays are not allowed", path)
		}
		arr := make([]any, len(t))
		for i, vv := range t {
			nv, err := normalizeValue(fmt.Sprintf("%s[%d]", path, i), vv, true)
			if err != nil {
				return nil, err
			}
			arr[i] = nv
		}
		return arr, nil
	}

	if f, ok := toFloat(v); ok {
		return normalizeValue(path, f, inArray)
	}

	// Typed slices such as []string or []int.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if inArray {
			return nil, fmt.Errorf("prop %q: nested arrays are not allowed", path)
		}
		arr := make([]any, rv.Len())
		for i := range arr {
			nv, err := normalizeValue(fmt.Sprintf("%s[%d]", path, i), rv.Index(i).Interface(), true)
			if err != nil {
				return nil, err
			}
			arr[i] = nv
		}
		return arr, nil
	}

	return nil, fmt.Errorf("prop %q: unsupported value type %T", path, v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// checkProps reports the first value in p that is not already canonical.
func checkProps(p Props) error {
	for k, v := range p {
		if !utf8.ValidString(k) {
			return fmt.Errorf("prop name %q is not valid UTF-8", k)
		}
		if err := checkValue(k, v, false); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(path string, v any, inArray bool) error {
	switch t := v.(type) {
	case string:
		if !utf8.ValidString(t) {
			return fmt.Errorf("prop %q: string is not valid UTF-8", path)
		}
		return nil
	case bool:
		return nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("prop %q: number must be finite", path)
		}
		return nil
	case map[string]any:
		if inArray {
			return fmt.Errorf("prop %q: arrays may only hold primitives", path)
		}
		for k, vv := range t {
			if !utf8.ValidString(k) {
				return fmt.Errorf("prop %q: key %q is not valid UTF-8", path, k)
			}
			if err := checkValue(path+"."+k, vv, false); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if inArray {
			return fmt.Errorf("prop %q: nested arrays are not allowed", path)
		}
		for i, vv := range t {
			if err := checkValue(fmt.Sprintf("%s[%d]", path, i), vv, true); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return fmt.Errorf("prop %q: null values are not allowed", path)
	}
	return fmt.Errorf("prop %q: unsupported value type %T", path, v)
}
