package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/storage/storagetest"
)

func newTestStore(t *testing.T, m *miniredis.Miniredis, cfg Config) *Storage {
	t.Helper()
	cfg.URL = "redis://" + m.Addr()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore(t *testing.T) {
	storagetest.RunStoreTests(t, func(t *testing.T) storagetest.Harness {
		m := miniredis.RunT(t)
		s := newTestStore(t, m, Config{KeyPrefix: "test:"})
		return storagetest.Harness{Store: s, Advance: m.FastForward}
	})
}

func TestKeyPrefixIsAppliedAndStripped(t *testing.T) {
	m := miniredis.RunT(t)
	s := newTestStore(t, m, Config{KeyPrefix: "cb:"})
	ctx := context.Background()

	if err := s.Set(ctx, "ak:1", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !m.Exists("cb:ak:1") {
		t.Fatalf("want prefixed key in redis, have %v", m.Keys())
	}
	keys, err := s.Scan(ctx, "ak:", 10)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 1 || keys[0] != "ak:1" {
		t.Fatalf("want [ak:1] got %v", keys)
	}
}

func TestTransportFailureIsInfraError(t *testing.T) {
	m := miniredis.RunT(t)
	s := newTestStore(t, m, Config{MaxFailures: 100})
	m.Close()

	_, err := s.Get(context.Background(), "k")
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierror.KindInfra {
		t.Fatalf("want infra error, got %v", err)
	}
	if s.Degraded() {
		t.Fatalf("one failure must not degrade the store")
	}
}

func TestServerErrorDoesNotCountTowardsDegraded(t *testing.T) {
	m := miniredis.RunT(t)
	s := newTestStore(t, m, Config{MaxFailures: 1})
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("not-a-number"))

	if _, err := s.Incr(ctx, "k"); err == nil {
		t.Fatalf("want error incrementing a string")
	}
	if s.Degraded() {
		t.Fatalf("reply errors are not transport failures")
	}
}

func TestDegradedAndRecovery(t *testing.T) {
	m := miniredis.RunT(t)
	s := newTestStore(t, m, Config{
		MaxFailures: 2,
		OpTimeout:   200 * time.Millisecond,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  50 * time.Millisecond,
	})
	ctx := context.Background()
	m.Close()

	for i := 0; i < 2; i++ {
		_, _ = s.Get(ctx, "k")
	}
	if !s.Degraded() {
		t.Fatalf("want degraded after 2 failures")
	}
	_, err := s.Get(ctx, "k")
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.Reason != apierror.ReasonDegraded {
		t.Fatalf("want fast degraded failure, got %v", err)
	}

	if err := m.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.Degraded() {
		if time.Now().After(deadline) {
			t.Fatalf("store did not recover")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set after recovery: %v", err)
	}
}

func TestEscapeGlob(t *testing.T) {
	if want, got := `cache:api:GET:/a\?x=1\[0\]\*`, escapeGlob("cache:api:GET:/a?x=1[0]*"); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
}
