package activitypub

import (
	"strings"
	"time"
)

// Helpers over decoded JSON-LD values. Values may be strings, objects or arrays of either.

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// idOf returns the id of a reference: the string itself or an object's "id" (or "href" for links).
func idOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if id := str(t, "id"); id != "" {
			return id
		}
		return str(t, "href")
	case []any:
		if len(t) > 0 {
			return idOf(t[0])
		}
	}
	return ""
}

// ids flattens a single or multi valued reference field into ids.
func ids(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		var out []string
		for _, e := range t {
			if id := idOf(e); id != "" {
				out = append(out, id)
			}
		}
		return out
	default:
		if id := idOf(t); id != "" {
			return []string{id}
		}
	}
	return nil
}

func objects(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []any:
		var out []map[string]any
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// primaryType returns the first non-namespaced value of a possibly multi valued type.
func primaryType(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		first := ""
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				continue
			}
			if first == "" {
				first = s
			}
			if !strings.Contains(s, ":") {
				return s
			}
		}
		return first
	}
	return ""
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// copyMap returns a shallow copy without the named keys.
func copyMap(m map[string]any, without ...string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range without {
		delete(out, k)
	}
	return out
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		found := false
		for _, e := range list {
			if e == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}
