// Package storage defines the key/value adapter the request pipeline uses for
// every piece of state that must outlive a request or span instances: rate
// limit counters, cached responses, refresh tokens, token versions and API
// keys.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
)

// Store is the key/value contract. Implementations must be safe for
// concurrent use. Every failure is an *apierror.Error of kind infra with
// reason timeout, unreachable or degraded.
type Store interface {
	// Get returns the value stored at key, or nil and no error when the key
	// is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. Without WithTTL the key never expires.
	Set(ctx context.Context, key string, value []byte, opts ...Option) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Scan returns up to limit keys starting with prefix, in no particular
	// order.
	Scan(ctx context.Context, prefix string, limit int) ([]string, error)

	// IncrWithTTL atomically increments the integer at key. When the key did
	// not exist it is created with the given ttl; an existing expiry is never
	// extended.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (Counter, error)

	// Incr atomically increments the integer at key without touching its
	// expiry and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Take atomically reads and deletes key. Of several concurrent callers
	// at most one receives the value; the others get nil.
	Take(ctx context.Context, key string) ([]byte, error)

	// Close releases resources held by the store.
	Close() error
}

// Counter is the result of IncrWithTTL.
type Counter struct {
	Count int64
	// TTL is the remaining lifetime of the counter; negative when the key
	// has no expiry.
	TTL time.Duration
}

// HealthReporter is implemented by stores that can report connectivity.
type HealthReporter interface {
	Ping(ctx context.Context) error
	// Degraded reports that the store gave up after repeated failures and is
	// waiting for the backend to come back.
	Degraded() bool
}

// Option configures a Set.
type Option func(*Options)

// Options collects Set options.
type Options struct {
	TTL time.Duration
}

// WithTTL sets a time-to-live. Non-positive values mean no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ErrClosed is returned (wrapped as an infra error) after Close.
var ErrClosed = errors.New("storage: closed")

// ErrNotInteger is returned when an increment targets a non-integer value.
var ErrNotInteger = errors.New("storage: value is not an integer")

// Unavailable wraps a transport failure.
func Unavailable(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return apierror.Canceled(err)
	case errors.Is(err, context.DeadlineExceeded):
		return apierror.Infra(apierror.ReasonTimeout, err)
	}
	return apierror.Infra(apierror.ReasonUnreachable, err)
}
