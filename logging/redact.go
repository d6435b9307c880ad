package logging

import (
	"log/slog"
	"strings"
)

// Redacted replaces the value of every redacted attribute.
const Redacted = "[REDACTED]"

// DefaultRedactedKeys are always redacted. Keys containing "authorization"
// are redacted regardless of the list.
var DefaultRedactedKeys = []string{"password", "token", "secret", "apiKey", "creditCard"}

// Redactor decides which attribute keys carry secrets and scrubs them.
//
// Keys are compared case-insensitively with '_' and '-' ignored, and a key
// matches an entry when it equals it or ends with it, so "refresh_token" and
// "X-Api-Key" match "token" and "apiKey".
type Redactor struct {
	keys []string
}

// NewRedactor builds a redactor over the default keys plus extra.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{}
	seen := map[string]bool{}
	for _, k := range append(append([]string{}, DefaultRedactedKeys...), extra...) {
		n := normalizeKey(k)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		r.keys = append(r.keys, n)
	}
	return r
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	return strings.NewReplacer("_", "", "-", "").Replace(k)
}

// Matches reports whether key must be redacted.
func (r *Redactor) Matches(key string) bool {
	n := normalizeKey(key)
	if strings.Contains(n, "authorization") {
		return true
	}
	for _, k := range r.keys {
		if n == k || strings.HasSuffix(n, k) {
			return true
		}
	}
	return false
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if r.Matches(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindAny {
		if v, changed := r.scrub(a.Value.Any()); changed {
			return slog.Any(a.Key, v)
		}
	}
	return a
}

// scrub walks maps and slices produced by JSON decoding or handlers and
// returns a redacted copy when anything was replaced.
func (r *Redactor) scrub(v any) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		var out map[string]any
		for k, val := range t {
			nv, changed := val, false
			if r.Matches(k) {
				nv, changed = Redacted, true
			} else {
				nv, changed = r.scrub(val)
			}
			if changed && out == nil {
				out = make(map[string]any, len(t))
				for k2, v2 := range t {
					out[k2] = v2
				}
			}
			if changed {
				out[k] = nv
			}
		}
		if out == nil {
			return v, false
		}
		return out, true
	case map[string]string:
		var out map[string]string
		for k := range t {
			if !r.Matches(k) {
				continue
			}
			if out == nil {
				out = make(map[string]string, len(t))
				for k2, v2 := range t {
					out[k2] = v2
				}
			}
			out[k] = Redacted
		}
		if out == nil {
			return v, false
		}
		return out, true
	case map[string][]string:
		var out map[string][]string
		for k := range t {
			if !r.Matches(k) {
				continue
			}
			if out == nil {
				out = make(map[string][]string, len(t))
				for k2, v2 := range t {
					out[k2] = v2
				}
			}
			out[k] = []string{Redacted}
		}
		if out == nil {
			return v, false
		}
		return out, true
	case []any:
		var out []any
		for i, val := range t {
			nv, changed := r.scrub(val)
			if !changed {
				continue
			}
			if out == nil {
				out = append([]any(nil), t...)
			}
			out[i] = nv
		}
		if out == nil {
			return v, false
		}
		return out, true
	}
	return v, false
}
