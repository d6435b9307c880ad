// Package ratelimit implements fixed-window request counters kept in the
// shared key/value store. A window starts with the first request for a
// bucket and subject and lasts for the bucket's window; the counter is
// incremented by a single atomic store primitive.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/storage"
)

// Bucket is a named limit.
type Bucket struct {
	Name   string
	Window time.Duration
	Max    int64
}

// Well-known bucket names.
const (
	BucketGlobal = "global"
	BucketAuth   = "auth"
	BucketSearch = "search"
)

// DefaultBuckets returns the built-in limits.
func DefaultBuckets() map[string]Bucket {
	return map[string]Bucket{
		BucketGlobal: {Name: BucketGlobal, Window: 60 * time.Second, Max: 1000},
		BucketAuth:   {Name: BucketAuth, Window: 60 * time.Second, Max: 100},
		BucketSearch: {Name: BucketSearch, Window: 60 * time.Second, Max: 120},
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Bucket     string
	Limit      int64
	Remaining  int64
	Reset      time.Time
	Allowed    bool
	RetryAfter time.Duration
}

// Headers writes the X-RateLimit-* headers, and Retry-After on denial.
func (d Decision) Headers(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(RetryAfterSeconds(d.RetryAfter), 10))
	}
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Tighter returns whichever decision leaves the client less room. A denial
// is always tighter than an allowance.
func Tighter(a, b *Decision) *Decision {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Allowed != b.Allowed:
		if !a.Allowed {
			return a
		}
		return b
	case b.Remaining < a.Remaining:
		return b
	case b.Remaining == a.Remaining && b.Reset.After(a.Reset):
		return b
	}
	return a
}

// Key is the store key for bucket and subject.
func Key(bucket, subject string) string {
	return "rl:" + bucket + ":" + subject
}

// UserSubject and IPSubject build the subject part of a key.
func UserSubject(sub string) string { return "user:" + sub }
func IPSubject(ip string) string    { return "ip:" + ip }

// Limiter evaluates buckets against a store.
type Limiter struct {
	store storage.Store
	clock clock.Clock
}

// New returns a Limiter. A nil clock selects the system clock.
func New(store storage.Store, c clock.Clock) *Limiter {
	return &Limiter{store: store, clock: clock.OrSystem(c)}
}

// Allow counts one request for subject against b. Store failures are
// returned unchanged (infra errors); the caller decides how to surface them.
func (l *Limiter) Allow(ctx context.Context, b Bucket, subject string) (*Decision, error) {
	if b.Max <= 0 || b.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: bucket %q is not configured", b.Name)
	}
	c, err := l.store.IncrWithTTL(ctx, Key(b.Name, subject), b.Window)
	if err != nil {
		return nil, err
	}
	ttl := c.TTL
	if ttl < 0 || ttl > b.Window {
		ttl = b.Window
	}
	d := &Decision{
		Bucket:    b.Name,
		Limit:     b.Max,
		Remaining: max(b.Max-c.Count, 0),
		Reset:     l.clock.Now().Add(ttl),
		Allowed:   c.Count <= b.Max,
	}
	if !d.Allowed {
		d.RetryAfter = ttl
	}
	return d, nil
}
