// Package redis provides a Redis-based implementation of storage.Store.
//
// Every operation runs under a per-operation timeout and is never retried
// inside a request. After a configurable number of consecutive transport
// failures the store enters a degraded state: operations fail fast while a
// background loop pings Redis with capped exponential backoff, and the store
// leaves the degraded state on the first successful ping.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// ErrDegraded is wrapped by errors returned while the store is degraded.
var ErrDegraded = errors.New("redis: store degraded")

// Config contains configuration options for the Redis storage. Defaults can
// be loaded via envdecode.
type Config struct {
	// Client is an existing client. When nil, one is built from URL.
	Client *redis.Client

	// URL like "redis://localhost:6379/0". ENV: REDIS_URL
	URL string `env:"REDIS_URL,default=redis://localhost:6379/0"`

	// KeyPrefix is the prefix for all Redis keys. ENV: KV_KEY_PREFIX
	KeyPrefix string `env:"KV_KEY_PREFIX"`

	// OpTimeout bounds each operation. Default 500ms. ENV: KV_TIMEOUT
	OpTimeout time.Duration `env:"KV_TIMEOUT,default=500ms"`

	// MaxFailures is the number of consecutive transport failures after
	// which the store is marked degraded. Default 5. ENV: KV_MAX_RECONNECT
	MaxFailures int `env:"KV_MAX_RECONNECT,default=5"`

	// BackoffBase and BackoffMax bound the reconnect backoff. Defaults 100ms
	// and 5s.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Logger *slog.Logger
}

// Storage implements storage.Store using Redis.
type Storage struct {
	client      *redis.Client
	ownsClient  bool
	keyPrefix   string
	opTimeout   time.Duration
	maxFailures int64
	backoffBase time.Duration
	backoffMax  time.Duration
	log         *slog.Logger

	failures   atomic.Int64
	degraded   atomic.Bool
	recovering atomic.Bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// incrScript increments a counter and sets its expiry only when the counter
// was created by this call, returning the new count and remaining PTTL.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// New creates a new Redis-based storage instance. It does not contact Redis;
// use Ping to verify connectivity.
func New(config Config) (*Storage, error) {
	client := config.Client
	owns := false
	if client == nil {
		if config.URL == "" {
			return nil, fmt.Errorf("redis client or URL is required")
		}
		opts, err := redis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		// Requests never retry against their own dependencies.
		opts.MaxRetries = -1
		client = redis.NewClient(opts)
		owns = true
	}

	// Apply defaults
	if config.OpTimeout <= 0 {
		config.OpTimeout = 500 * time.Millisecond
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 100 * time.Millisecond
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Storage{
		client:      client,
		ownsClient:  owns,
		keyPrefix:   config.KeyPrefix,
		opTimeout:   config.OpTimeout,
		maxFailures: int64(config.MaxFailures),
		backoffBase: config.BackoffBase,
		backoffMax:  config.BackoffMax,
		log:         config.Logger,
		stop:        make(chan struct{}),
	}, nil
}

// NewFromEnv builds a Storage using envdecode to populate Config.
func NewFromEnv() (*Storage, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Storage) key(k string) string { return s.keyPrefix + k }

// do runs fn under the operation timeout and tracks consecutive transport
// failures.
func (s *Storage) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.degraded.Load() {
		return apierror.Infra(apierror.ReasonDegraded, ErrDegraded)
	}
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	err := fn(opCtx)
	if err == nil || errors.Is(err, redis.Nil) {
		s.failures.Store(0)
		return err
	}
	if ctx.Err() != nil {
		// The caller gave up; that says nothing about Redis.
		return storage.Unavailable(ctx.Err())
	}
	var replyErr redis.Error
	if !errors.As(err, &replyErr) {
		if n := s.failures.Add(1); n >= s.maxFailures {
			s.enterDegraded(err)
		}
	}
	return storage.Unavailable(err)
}

func (s *Storage) enterDegraded(cause error) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	s.log.Warn("kv.degraded", slog.Int64("failures", s.failures.Load()), slog.String("err", cause.Error()))
	if !s.recovering.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.reconnect()
}

// reconnect pings Redis with capped exponential backoff until it answers or
// the store is closed.
func (s *Storage) reconnect() {
	defer s.wg.Done()
	defer s.recovering.Store(false)

	backoff := s.backoffBase
	attempt := 0
	for {
		timer := time.NewTimer(backoff)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		err := s.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			s.failures.Store(0)
			s.degraded.Store(false)
			s.log.Info("kv.recovered", slog.Int("attempts", attempt))
			return
		}
		s.log.Debug("kv.reconnect.fail", slog.Int("attempt", attempt), slog.Duration("backoff", backoff), slog.String("err", err.Error()))
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, func(ctx context.Context) error {
		b, err := s.client.Get(ctx, s.key(key)).Bytes()
		out = b
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil // Key doesn't exist
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) Set(ctx context.Context, key string, value []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	ttl := o.TTL
	if ttl < 0 {
		ttl = 0
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, s.key(key), value, ttl).Err()
	})
}

func (s *Storage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, full...).Err()
	})
}

// Scan walks SCAN MATCH in batches of 100 until limit keys are found or the
// keyspace is exhausted. Returned keys do not carry the key prefix.
func (s *Storage) Scan(ctx context.Context, prefix string, limit int) ([]string, error) {
	pattern := escapeGlob(s.key(prefix)) + "*"
	var keys []string
	err := s.do(ctx, func(ctx context.Context) error {
		var cursor uint64
		for {
			batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			for _, k := range batch {
				keys = append(keys, strings.TrimPrefix(k, s.keyPrefix))
				if limit > 0 && len(keys) >= limit {
					return nil
				}
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Storage) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (storage.Counter, error) {
	var res []int64
	err := s.do(ctx, func(ctx context.Context) error {
		vals, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Int64Slice()
		res = vals
		return err
	})
	if err != nil {
		return storage.Counter{}, err
	}
	if len(res) != 2 {
		return storage.Counter{}, apierror.Internal(fmt.Errorf("redis: unexpected script reply %v", res))
	}
	c := storage.Counter{Count: res[0], TTL: -1}
	if res[1] >= 0 {
		c.TTL = time.Duration(res[1]) * time.Millisecond
	}
	return c, nil
}

func (s *Storage) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := s.client.Incr(ctx, s.key(key)).Result()
		n = v
		return err
	})
	return n, err
}

func (s *Storage) Take(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, func(ctx context.Context) error {
		b, err := s.client.GetDel(ctx, s.key(key)).Bytes()
		out = b
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks connectivity, bypassing the degraded fast-fail.
func (s *Storage) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storage.Unavailable(err)
	}
	return nil
}

// Degraded reports whether the store is failing fast.
func (s *Storage) Degraded() bool { return s.degraded.Load() }

// Close stops the reconnect loop and closes the client if this store created it.
func (s *Storage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if s.ownsClient {
			err = s.client.Close()
		}
	})
	return err
}

// escapeGlob quotes the characters SCAN MATCH treats specially so that
// prefixes containing '?' or '[' (as cache keys do) match literally.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Compile-time interface checks
var (
	_ storage.Store          = (*Storage)(nil)
	_ storage.HealthReporter = (*Storage)(nil)
)
