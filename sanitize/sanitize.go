// Package sanitize strips operator keys, control characters and script-like
// markup from decoded request input. Every function is pure and idempotent:
// sanitizing an already sanitized value returns an equal value.
package sanitize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/ggoodman/cashback-api/apierror"
)

// Limits caps the shape of structured input.
type Limits struct {
	MaxDepth      int
	MaxKeys       int
	MaxArrayItems int
}

// DefaultLimits are applied when a field is zero.
var DefaultLimits = Limits{MaxDepth: 10, MaxKeys: 1000, MaxArrayItems: 10000}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultLimits.MaxDepth
	}
	if l.MaxKeys <= 0 {
		l.MaxKeys = DefaultLimits.MaxKeys
	}
	if l.MaxArrayItems <= 0 {
		l.MaxArrayItems = DefaultLimits.MaxArrayItems
	}
	return l
}

var (
	blockTags = []*regexp.Regexp{
		regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>`),
		regexp.MustCompile(`(?is)<\s*iframe\b[^>]*>.*?<\s*/\s*iframe\s*>`),
		regexp.MustCompile(`(?is)<\s*object\b[^>]*>.*?<\s*/\s*object\s*>`),
		regexp.MustCompile(`(?is)<\s*embed\b[^>]*>.*?<\s*/\s*embed\s*>`),
	}
	strayTags = regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed)\b[^>]*>`)
	jsScheme  = regexp.MustCompile(`(?i)javascript\s*:`)
)

// DroppedKey reports whether an object key is removed.
func DroppedKey(k string) bool {
	return strings.HasPrefix(k, "$") || strings.Contains(k, ".")
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// String removes control characters (other than tab, LF and CR), script,
// iframe, object and embed elements, and javascript: schemes. Removal
// repeats until nothing changes, so nested constructs such as
// "<scr<script>ipt>" cannot reassemble.
func String(s string) string {
	for {
		out := stripControl(s)
		for _, re := range blockTags {
			out = re.ReplaceAllString(out, "")
		}
		out = strayTags.ReplaceAllString(out, "")
		out = jsScheme.ReplaceAllString(out, "")
		if out == s {
			return out
		}
		s = out
	}
}

// Value returns a sanitized copy of a value produced by encoding/json
// (decoded with UseNumber). Limit violations are validation errors naming the
// offending path.
func Value(v any, lim Limits) (any, error) {
	return walk(v, lim.withDefaults(), "body", 1)
}

func walk(v any, lim Limits, path string, depth int) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if depth > lim.MaxDepth {
			return nil, apierror.Fieldf(path, "nesting deeper than %d", lim.MaxDepth)
		}
		if len(t) > lim.MaxKeys {
			return nil, apierror.Fieldf(path, "more than %d keys", lim.MaxKeys)
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			if DroppedKey(k) {
				continue
			}
			c, err := walk(child, lim, path+"."+k, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		if depth > lim.MaxDepth {
			return nil, apierror.Fieldf(path, "nesting deeper than %d", lim.MaxDepth)
		}
		if len(t) > lim.MaxArrayItems {
			return nil, apierror.Fieldf(path, "more than %d items", lim.MaxArrayItems)
		}
		out := make([]any, len(t))
		for i, child := range t {
			c, err := walk(child, lim, path+"["+strconv.Itoa(i)+"]", depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case string:
		return String(t), nil
	case nil, bool, json.Number, float64:
		return t, nil
	default:
		return nil, apierror.Internal(fmt.Errorf("sanitize: unexpected type %T at %s", v, path))
	}
}

// Values sanitizes query or form values.
func Values(v url.Values, lim Limits) (url.Values, error) {
	lim = lim.withDefaults()
	if len(v) > lim.MaxKeys {
		return nil, apierror.Fieldf("query", "more than %d keys", lim.MaxKeys)
	}
	out := make(url.Values, len(v))
	for k, vs := range v {
		if DroppedKey(k) {
			continue
		}
		if len(vs) > lim.MaxArrayItems {
			return nil, apierror.Fieldf(k, "more than %d values", lim.MaxArrayItems)
		}
		cp := make([]string, len(vs))
		for i, s := range vs {
			cp[i] = String(s)
		}
		out[k] = cp
	}
	return out, nil
}
