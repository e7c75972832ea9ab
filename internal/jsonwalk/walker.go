// Package jsonwalk provides typed traversal of free-form decoded JSON.
// All content-mapping selectors in the fetch core are dotted paths evaluated
// here; unknown paths report missing rather than erroring.
package jsonwalk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Walk resolves a dotted path ("user.profile.name", "items.0.title") against
// a decoded JSON value. The second return is false when any path segment is
// absent or the value shape does not match the segment.
func Walk(value any, path string) (any, bool) {
	if path == "" {
		return value, value != nil
	}
	cur := value
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// WalkString resolves a path and coerces scalars to their string form.
// Objects and arrays report missing; content mapping only consumes scalars.
func WalkString(value any, path string) (string, bool) {
	v, ok := Walk(value, path)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	case nil:
		return "", false
	default:
		return "", false
	}
}

// WalkSlice resolves a path to a JSON array.
func WalkSlice(value any, path string) ([]any, bool) {
	v, ok := Walk(value, path)
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

// FieldNames collects the set of field names present in a decoded JSON value,
// recursing up to maxDepth levels. Array elements do not consume a level so a
// list of objects exposes its element fields.
func FieldNames(value any, maxDepth int) map[string]bool {
	out := make(map[string]bool)
	collectFields(value, maxDepth, out)
	return out
}

func collectFields(value any, depth int, out map[string]bool) {
	if depth <= 0 {
		return
	}
	switch v := value.(type) {
	case map[string]any:
		for k, child := range v {
			out[k] = true
			collectFields(child, depth-1, out)
		}
	case []any:
		for _, child := range v {
			collectFields(child, depth, out)
		}
	}
}

// Flatten renders a decoded JSON value as readable text, one "key: value"
// line per scalar leaf with object keys in sorted order. Used to build
// markdown from pattern-invoke responses that have no content mapping.
func Flatten(value any) string {
	var b strings.Builder
	flattenInto(&b, "", value)
	return strings.TrimRight(b.String(), "\n")
}

func flattenInto(b *strings.Builder, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenInto(b, p, v[k])
		}
	case []any:
		for i, child := range v {
			flattenInto(b, fmt.Sprintf("%s.%d", prefix, i), child)
		}
	case nil:
	default:
		fmt.Fprintf(b, "%s: %v\n", prefix, v)
	}
}
