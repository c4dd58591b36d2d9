package query

import (
	"encoding/json"
	"strings"
	"time"
)

// Document is a provider value decoded into generic JSON form.
type Document map[string]any

// Decode turns a stored JSON value into a Document.
func Decode(raw []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Match reports whether doc satisfies s. A nil selector matches everything.
// s must have passed Validate.
func (s *Selector) Match(doc Document) bool {
	if s == nil {
		return true
	}
	switch {
	case s.And != nil:
		for _, c := range s.And {
			if !c.Match(doc) {
				return false
			}
		}
		return true
	case s.Or != nil:
		for _, c := range s.Or {
			if c.Match(doc) {
				return true
			}
		}
		return false
	case s.Not != nil:
		return !s.Not.Match(doc)
	}
	return s.matchLeaf(Resolve(doc, s.Field))
}

func (s *Selector) matchLeaf(values []any) bool {
	switch s.Op {
	case OpExists:
		want := true
		if b, ok := s.Value.(bool); ok {
			want = b
		}
		return (len(values) > 0) == want
	case OpNe:
		return !anyOf(values, func(v any) bool { return equal(v, s.Value) })
	case OpEq:
		return anyOf(values, func(v any) bool { return equal(v, s.Value) })
	case OpIn:
		items := s.Value.([]any)
		return anyOf(values, func(v any) bool {
			for _, it := range items {
				if equal(v, it) {
					return true
				}
			}
			return false
		})
	case OpContains:
		needle := s.Value.(string)
		return anyOf(values, func(v any) bool {
			str, ok := v.(string)
			return ok && strings.Contains(str, needle)
		})
	case OpPrefix:
		p := s.Value.(string)
		return anyOf(values, func(v any) bool {
			str, ok := v.(string)
			return ok && strings.HasPrefix(str, p)
		})
	case OpGt, OpGte, OpLt, OpLte:
		return anyOf(values, func(v any) bool {
			c, ok := compare(v, s.Value)
			if !ok {
				return false
			}
			switch s.Op {
			case OpGt:
				return c > 0
			case OpGte:
				return c >= 0
			case OpLt:
				return c < 0
			default:
				return c <= 0
			}
		})
	}
	return false
}

// Resolve returns every value found at path in doc, fanning out through
// arrays. Metadata keys may themselves contain dots.
func Resolve(doc Document, path string) []any {
	if key, ok := strings.CutPrefix(path, MetadataPrefix); ok {
		meta, _ := doc["metadata"].(map[string]any)
		if v, ok := meta[key]; ok && v != nil {
			return []any{v}
		}
		return nil
	}

	current := []any{map[string]any(doc)}
	for _, seg := range strings.Split(path, ".") {
		var next []any
		for _, c := range current {
			obj, ok := c.(map[string]any)
			if !ok {
				continue
			}
			switch v := obj[seg].(type) {
			case nil:
			case []any:
				next = append(next, v...)
			default:
				next = append(next, v)
			}
		}
		current = next
	}
	out := current[:0]
	for _, v := range current {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func anyOf(values []any, fn func(any) bool) bool {
	for _, v := range values {
		if fn(v) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return false
		}
		if tx, ty, ok := instants(x, y); ok {
			return tx.Equal(ty)
		}
		return x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

// compare orders two values of the same kind. Timestamps compare as instants
// since RFC3339Nano trims trailing zeros from the fraction. Other strings
// compare bytewise, which is chronological for YYYY-MM-DD dates.
func compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		if tx, ty, ok := instants(x, y); ok {
			return tx.Compare(ty), true
		}
		return strings.Compare(x, y), true
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// instants parses both strings as RFC 3339 timestamps.
func instants(x, y string) (time.Time, time.Time, bool) {
	if !looksLikeTimestamp(x) || !looksLikeTimestamp(y) {
		return time.Time{}, time.Time{}, false
	}
	tx, err := time.Parse(time.RFC3339Nano, x)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	ty, err := time.Parse(time.RFC3339Nano, y)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	return tx, ty, true
}

func looksLikeTimestamp(s string) bool {
	return len(s) >= len("2006-01-02T15:04:05Z") && s[4] == '-' && s[10] == 'T'
}
