package policy

import (
	"strconv"
	"strings"
)

// ExtractAttribute resolves a dot-separated path against a decoded JSON
// value. Numeric segments index arrays; a key segment applied to an array
// fans out over its elements, so "items.url" yields every item's url. The
// second result is false when nothing resolves.
func ExtractAttribute(doc interface{}, path string) ([]interface{}, bool) {
	if path == "" {
		return []interface{}{doc}, true
	}
	current := []interface{}{doc}
	for _, seg := range strings.Split(path, ".") {
		var next []interface{}
		for _, v := range current {
			next = append(next, step(v, seg)...)
		}
		if len(next) == 0 {
			return nil, false
		}
		current = next
	}
	return current, true
}

func step(v interface{}, seg string) []interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if child, ok := t[seg]; ok {
			return []interface{}{child}
		}
	case []interface{}:
		if idx, err := strconv.Atoi(seg); err == nil {
			if idx >= 0 && idx < len(t) {
				return []interface{}{t[idx]}
			}
			return nil
		}
		var out []interface{}
		for _, el := range t {
			out = append(out, step(el, seg)...)
		}
		return out
	}
	return nil
}
