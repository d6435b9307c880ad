// Package memory provides an in-process implementation of storage.Store
// using github.com/hashicorp/golang-lru/v2 with lazy TTL expiry. It is meant
// for development and tests; state does not span processes.
//
// Only keys written with a TTL live in the LRU and can be evicted under
// pressure. Keys without an expiry (token versions, API keys) are pinned:
// losing one would silently undo a revocation.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxItems bounds the LRU of expiring keys when New is given a
// non-positive size.
const DefaultMaxItems = 100_000

type item struct {
	data      []byte
	expiresAt time.Time // zero = no expiration
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// Storage implements storage.Store in memory.
type Storage struct {
	// mu guards pinned and serializes read-modify-write sequences (Incr,
	// Take); the LRU is itself safe for concurrent use.
	mu     sync.Mutex
	cache  *lru.Cache[string, *item]
	pinned map[string]*item
	clock  clock.Clock
	closed atomic.Bool
}

// Option configures the in-memory store.
type Option func(*Storage)

// WithClock injects the time source used for expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Storage) { s.clock = clock.OrSystem(c) }
}

// New creates a new in-memory store holding at most maxItems keys.
func New(maxItems int, opts ...Option) (*Storage, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	cache, err := lru.New[string, *item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Storage{cache: cache, pinned: make(map[string]*item), clock: clock.System{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// lookup returns the live item at key, evicting it if expired. Callers hold mu.
func (s *Storage) lookup(key string) (*item, bool) {
	if it, ok := s.pinned[key]; ok {
		return it, true
	}
	it, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	if it.expired(s.clock.Now()) {
		s.cache.Remove(key)
		return nil, false
	}
	return it, true
}

// put files it under key: expiring items in the LRU, the rest pinned.
// Callers hold mu.
func (s *Storage) put(key string, it *item) {
	if it.expiresAt.IsZero() {
		s.cache.Remove(key)
		s.pinned[key] = it
		return
	}
	delete(s.pinned, key)
	s.cache.Add(key, it)
}

func (s *Storage) remove(key string) {
	delete(s.pinned, key)
	s.cache.Remove(key)
}

func (s *Storage) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable(err)
	}
	if s.closed.Load() {
		return storage.Unavailable(storage.ErrClosed)
	}
	return nil
}

func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	it, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(it.data))
	copy(out, it.data)
	return out, nil
}

func (s *Storage) Set(ctx context.Context, key string, value []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	it := &item{data: make([]byte, len(value))}
	copy(it.data, value)
	if o.TTL > 0 {
		it.expiresAt = s.clock.Now().Add(o.TTL)
	}
	s.put(key, it)
	return nil
}

func (s *Storage) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	for _, k := range keys {
		s.remove(k)
	}
	return nil
}

func (s *Storage) Scan(ctx context.Context, prefix string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var keys []string
	for k := range s.pinned {
		if limit > 0 && len(keys) >= limit {
			return keys, nil
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for _, k := range s.cache.Keys() {
		if limit > 0 && len(keys) >= limit {
			break
		}
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if it, ok := s.cache.Peek(k); !ok || it.expired(now) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Storage) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (storage.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return storage.Counter{}, err
	}
	now := s.clock.Now()
	it, ok := s.lookup(key)
	if !ok {
		it = &item{data: []byte("0")}
		if ttl > 0 {
			it.expiresAt = now.Add(ttl)
		}
	}
	n, err := strconv.ParseInt(string(it.data), 10, 64)
	if err != nil {
		return storage.Counter{}, fmt.Errorf("%w: %s", storage.ErrNotInteger, key)
	}
	n++
	it.data = []byte(strconv.FormatInt(n, 10))
	s.put(key, it)

	c := storage.Counter{Count: n, TTL: -1}
	if !it.expiresAt.IsZero() {
		c.TTL = it.expiresAt.Sub(now)
	}
	return c, nil
}

func (s *Storage) Incr(ctx context.Context, key string) (int64, error) {
	c, err := s.IncrWithTTL(ctx, key, 0)
	if err != nil {
		return 0, err
	}
	return c.Count, nil
}

func (s *Storage) Take(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	it, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	s.remove(key)
	return it.data, nil
}

// Close purges all data. Subsequent operations fail.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
	clear(s.pinned)
	s.closed.Store(true)
	return nil
}

// Ping succeeds while the store is open. It does not take the store lock.
func (s *Storage) Ping(ctx context.Context) error {
	return s.checkOpen(ctx)
}

func (s *Storage) Degraded() bool { return false }

// Compile-time interface checks
var (
	_ storage.Store          = (*Storage)(nil)
	_ storage.HealthReporter = (*Storage)(nil)
)
