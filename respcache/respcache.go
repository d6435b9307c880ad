// Package respcache is the read-through cache for anonymous, successful GET
// responses. Entries live in the shared key/value store under
// cache:{canonical request} and expire with their route's TTL.
//
// The cache is never authoritative: read failures are misses and write
// failures are logged and dropped.
package respcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/storage"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	DefaultMaxBytes = 256 << 10

	storePrefix = "cache:"
	scanBatch   = 100
	// maxInvalidateRounds bounds Invalidate when deletes do not take.
	maxInvalidateRounds = 1000
)

// VaryHeaders are the request headers that take part in the key, in order.
var VaryHeaders = []string{"accept-language", "accept-encoding"}

// Key returns the canonical request string for method, path, query and the
// vary headers of h.
func Key(method, path string, query url.Values, h http.Header) string {
	var b strings.Builder
	b.WriteString("api:")
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(':')
	b.WriteString(path)
	b.WriteByte('?')
	b.WriteString(SortedQuery(query))
	b.WriteString("|vary=")
	first := true
	for _, name := range VaryHeaders {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if !first {
			b.WriteByte(';')
		}
		first = false
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// SortedQuery renders q with keys sorted and each key's values sorted.
func SortedQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var parts []string
	for _, k := range keys {
		vs := slices.Clone(q[k])
		slices.Sort(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// Entry is a cached response.
type Entry struct {
	Status      int           `msgpack:"status"`
	Body        []byte        `msgpack:"body"`
	ContentType string        `msgpack:"contentType"`
	CreatedAt   time.Time     `msgpack:"createdAt"`
	TTL         time.Duration `msgpack:"ttl"`
}

// Remaining is the time left before e goes stale.
func (e *Entry) Remaining(now time.Time) time.Duration {
	return e.TTL - now.Sub(e.CreatedAt)
}

// MaxAge renders the Cache-Control value for e at now.
func (e *Entry) MaxAge(now time.Time) string {
	secs := int64(e.Remaining(now) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("public, max-age=%d", secs)
}

// Candidate describes a finished response offered to the cache.
type Candidate struct {
	Method    string
	Anonymous bool
	Status    int
	SetCookie bool
	BodySize  int
	NoStore   bool
	TTL       time.Duration
}

// Cache reads and writes entries.
type Cache struct {
	store    storage.Store
	clock    clock.Clock
	log      *slog.Logger
	maxBytes int
}

// Option configures a Cache.
type Option func(*Cache)

func WithClock(c clock.Clock) Option { return func(ca *Cache) { ca.clock = clock.OrSystem(c) } }

func WithLogger(l *slog.Logger) Option {
	return func(ca *Cache) {
		if l != nil {
			ca.log = l
		}
	}
}

// WithMaxBytes caps the body size of cached entries.
func WithMaxBytes(n int) Option {
	return func(ca *Cache) {
		if n > 0 {
			ca.maxBytes = n
		}
	}
}

// New returns a Cache over store.
func New(store storage.Store, opts ...Option) *Cache {
	c := &Cache{store: store, clock: clock.System{}, log: slog.Default(), maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now is the cache's clock reading.
func (c *Cache) Now() time.Time { return c.clock.Now() }

// Admits reports whether cand may be written.
func (c *Cache) Admits(cand Candidate) bool {
	return cand.Method == http.MethodGet &&
		cand.Anonymous &&
		cand.Status >= 200 && cand.Status < 300 &&
		!cand.SetCookie &&
		cand.BodySize <= c.maxBytes &&
		!cand.NoStore &&
		cand.TTL > 0
}

// Lookup returns the live entry for key. Store and decode failures are
// reported as misses.
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, bool) {
	b, err := c.store.Get(ctx, storePrefix+key)
	if err != nil {
		c.log.DebugContext(ctx, "cache.read.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if b == nil {
		return nil, false
	}
	var e Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		c.log.WarnContext(ctx, "cache.decode.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if e.Remaining(c.clock.Now()) <= 0 {
		return nil, false
	}
	return &e, true
}

// Store writes e under key with e.TTL.
func (c *Cache) Store(ctx context.Context, key string, e *Entry) error {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, storePrefix+key, b, storage.WithTTL(e.TTL))
}

// Invalidate deletes every GET entry whose path starts with pathPrefix and
// returns the number of keys removed.
func (c *Cache) Invalidate(ctx context.Context, pathPrefix string) (int, error) {
	prefix := storePrefix + "api:" + http.MethodGet + ":" + pathPrefix
	n := 0
	for range maxInvalidateRounds {
		keys, err := c.store.Scan(ctx, prefix, scanBatch)
		if err != nil {
			return n, err
		}
		if len(keys) == 0 {
			break
		}
		if err := c.store.Delete(ctx, keys...); err != nil {
			return n, err
		}
		n += len(keys)
	}
	if n > 0 {
		c.log.DebugContext(ctx, "cache.invalidate", slog.String("prefix", pathPrefix), slog.Int("keys", n))
	}
	return n, nil
}
