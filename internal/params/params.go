// Package params merges path-embedded and query-string WMS parameters into a
// single case-insensitive map.
package params

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"
)

// Value is either a scalar or an ordered list of non-empty strings.
type Value struct {
	vals  []string
	multi bool
}

// Scalar returns a single-valued Value.
func Scalar(s string) Value {
	return Value{vals: []string{s}}
}

// Multi returns a list Value. The slice is copied.
func Multi(vs []string) Value {
	return Value{vals: slices.Clone(vs), multi: true}
}

// IsMulti reports whether v was built from more than one surviving entry.
func (v Value) IsMulti() bool { return v.multi }

// String returns the scalar value, or the first element of a list.
func (v Value) String() string {
	if len(v.vals) == 0 {
		return ""
	}
	return v.vals[0]
}

// Values returns a copy of all values in order.
func (v Value) Values() []string {
	return slices.Clone(v.vals)
}

// Map holds parameters keyed by their uppercased name.
type Map map[string]Value

// Get looks a parameter up case-insensitively.
func (m Map) Get(key string) (Value, bool) {
	v, ok := m[strings.ToUpper(key)]
	return v, ok
}

// Set stores v under the uppercased key.
func (m Map) Set(key string, v Value) {
	m[strings.ToUpper(key)] = v
}

// Encode renders m as a query string on top of base. Keys in m replace keys in
// base; list values become repeated keys.
func (m Map) Encode(base url.Values) string {
	q := make(url.Values, len(base)+len(m))
	for k, vs := range base {
		q[k] = slices.Clone(vs)
	}
	for k, v := range m {
		q[k] = v.Values()
	}
	return q.Encode()
}

// LogValue implements slog.LogValuer so the map logs as one sorted group.
func (m Map) LogValue() slog.Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		if v.IsMulti() {
			attrs = append(attrs, slog.Any(k, v.vals))
			continue
		}
		attrs = append(attrs, slog.String(k, v.String()))
	}
	return slog.GroupValue(attrs...)
}

// Normalize splits the escaped path rawPath at the first '?' (literal or
// %3F), parses the remainder and rawQuery as query strings, and merges them
// with rawQuery taking precedence. It returns the decoded forwarding path and
// the normalized map.
func Normalize(rawPath, rawQuery string) (string, Map) {
	path, embedded := splitEmbedded(rawPath)

	merged := Merge(Fold(parse(embedded)), Fold(parse(rawQuery)))

	m := make(Map, len(merged))
	for k, vs := range merged {
		if v, ok := Collapse(vs); ok {
			m[k] = v
		}
	}
	return path, m
}

// splitEmbedded cuts rawPath at its first '?' or %3F. An embedded query that
// still carries literal '=' or '&' was escaped as a path, so its %26 is data
// and it is parsed as-is. One with neither was escaped as a whole component
// and is decoded once before parsing.
func splitEmbedded(rawPath string) (path, embedded string) {
	i := strings.IndexByte(rawPath, '?')
	sep := 1
	for _, enc := range []string{"%3F", "%3f"} {
		if j := strings.Index(rawPath, enc); j >= 0 && (i < 0 || j < i) {
			i, sep = j, len(enc)
		}
	}
	if i < 0 {
		return unescapePath(rawPath), ""
	}
	path, embedded = unescapePath(rawPath[:i]), rawPath[i+sep:]
	if sep == 3 && !strings.ContainsAny(embedded, "=&") {
		if dec, err := url.PathUnescape(embedded); err == nil {
			embedded = dec
		}
	}
	return path, embedded
}

func unescapePath(p string) string {
	if dec, err := url.PathUnescape(p); err == nil {
		return dec
	}
	return p
}

// Fold uppercases keys. Keys that collide after uppercasing have their values
// appended in the sorted order of the original keys.
func Fold(src url.Values) url.Values {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(url.Values, len(src))
	for _, k := range keys {
		uk := strings.ToUpper(k)
		out[uk] = append(out[uk], src[k]...)
	}
	return out
}

// Merge returns base with every key of override replacing the same key in base.
// Neither input is modified.
func Merge(base, override url.Values) url.Values {
	out := make(url.Values, len(base)+len(override))
	for k, vs := range base {
		out[k] = vs
	}
	for k, vs := range override {
		out[k] = vs
	}
	return out
}

// Collapse drops blank entries from vs. It returns a Scalar for one survivor, a
// Multi for several, and false when nothing is left.
func Collapse(vs []string) (Value, bool) {
	kept := make([]string, 0, len(vs))
	for _, s := range vs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		kept = append(kept, s)
	}
	switch len(kept) {
	case 0:
		return Value{}, false
	case 1:
		return Scalar(kept[0]), true
	default:
		return Value{vals: kept, multi: true}, true
	}
}

// parse never fails: net/url keeps every pair it could decode.
func parse(raw string) url.Values {
	if raw == "" {
		return url.Values{}
	}
	v, _ := url.ParseQuery(raw)
	return v
}
