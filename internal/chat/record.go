// Package chat reconciles the marketplace backend's chat records.
//
// The backend has shipped several response shapes over time; field names
// for the same datum differ between endpoints ("createdAt" vs "created_at",
// "senderId" vs "fromUserId", ...). Everything in this package is pure and
// tolerant: malformed input yields "no result", never a panic or error.
package chat

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Record is one decoded JSON object from the backend.
type Record map[string]any

// lookup resolves a dotted path ("sender.id") through nested objects.
// Only non-nil values count as present.
func (r Record) lookup(path string) (any, bool) {
	if r == nil {
		return nil, false
	}
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok || v == nil {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// first returns the first present value among paths.
func (r Record) first(paths []string) (any, bool) {
	for _, p := range paths {
		if v, ok := r.lookup(p); ok {
			return v, true
		}
	}
	return nil, false
}

// firstString is first() coerced to an identifier string.
func (r Record) firstString(paths []string) string {
	v, ok := r.first(paths)
	if !ok {
		return ""
	}
	return idString(v)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	default:
		return nil, false
	}
}

func asRecord(v any) (Record, bool) {
	m, ok := asMap(v)
	if !ok {
		return nil, false
	}
	return Record(m), true
}

// idString renders ids that arrive as strings or JSON numbers.
func idString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}

// SameUser compares user ids the way the backend emits them: trimmed,
// case-insensitive (GUIDs come back in either case).
func SameUser(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}
