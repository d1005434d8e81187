package management

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Attribute values come back as native Go values from the local adapter and
// as JSON-decoded values (float64, []any, string) from remote adapters. The
// helpers below normalise both.

// Int returns attrs[key] as an int and whether it was present and numeric.
func Int(attrs map[string]any, key string) (int, bool) {
	v, ok := attrs[strings.ToLower(key)]
	if !ok || v == nil {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		return int(x), true
	case float32:
		return int(x), true
	case json.Number:
		i, err := x.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(x)
		return i, err == nil
	}
	return 0, false
}

// Bool returns attrs[key] as a bool and whether it was present.
func Bool(attrs map[string]any, key string) (bool, bool) {
	v, ok := attrs[strings.ToLower(key)]
	if !ok || v == nil {
		return false, false
	}
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	}
	return false, false
}

// String returns attrs[key] as a string, "" when absent.
func String(attrs map[string]any, key string) string {
	v, ok := attrs[strings.ToLower(key)]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Ints returns attrs[key] as an int slice.
func Ints(attrs map[string]any, key string) []int {
	v, ok := attrs[strings.ToLower(key)]
	if !ok || v == nil {
		return nil
	}
	switch x := v.(type) {
	case []int:
		return append([]int(nil), x...)
	case []any:
		out := make([]int, 0, len(x))
		for _, e := range x {
			if i, ok := Int(map[string]any{"v": e}, "v"); ok {
				out = append(out, i)
			}
		}
		return out
	}
	return nil
}
