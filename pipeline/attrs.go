package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/ratelimit"
)

// ErrAttributeSet is returned when a stage writes an attribute that is
// already set.
var ErrAttributeSet = errors.New("pipeline: attribute already set")

// Key is a typed, write-once request attribute.
type Key[T any] struct {
	name string
}

// NewKey declares an attribute. Keys are compared by identity, so declare
// each one once at package level.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

func (k *Key[T]) String() string { return k.name }

// Get returns the value and whether it was set.
func (k *Key[T]) Get(r *Request) (T, bool) {
	var zero T
	v, ok := r.attrs.get(k)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Set stores v. A second Set of the same key fails and leaves the first
// value in place.
func (k *Key[T]) Set(r *Request, v T) error {
	if !r.attrs.setOnce(k, v) {
		return fmt.Errorf("%w: %s", ErrAttributeSet, k.name)
	}
	return nil
}

type attrBag struct {
	mu sync.Mutex
	m  map[any]any
}

func (b *attrBag) get(k any) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[k]
	return v, ok
}

func (b *attrBag) setOnce(k, v any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.m[k]; ok {
		return false
	}
	if b.m == nil {
		b.m = make(map[any]any)
	}
	b.m[k] = v
	return true
}

// Standard attributes.
var (
	AttrPrincipal       = NewKey[*auth.Principal]("principal")
	AttrCSRFVerified    = NewKey[bool]("csrfVerified")
	AttrCacheKey        = NewKey[string]("cacheKey")
	AttrRateLimitGlobal = NewKey[*ratelimit.Decision]("rateLimitInfo.global")
	AttrRateLimitRoute  = NewKey[*ratelimit.Decision]("rateLimitInfo.route")
	AttrCacheResult     = NewKey[string]("cacheResult")
	AttrPeekedSubject   = NewKey[string]("peekedSubject")
)
