// Package storagetest holds a conformance suite that every storage.Store
// implementation must pass.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cashback-api/storage"
)

// Harness is what a backend provides to the suite.
type Harness struct {
	Store storage.Store
	// Advance moves the backend's notion of time forward so that TTLs can be
	// exercised without sleeping.
	Advance func(d time.Duration)
}

// Factory creates a fresh, empty store for each subtest.
type Factory func(t *testing.T) Harness

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Run("GetMissingReturnsNil", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("SetGetRoundTrip", func(t *testing.T) { testSetGet(t, factory) })
	t.Run("SetWithTTLExpires", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("DeleteIgnoresMissing", func(t *testing.T) { testDelete(t, factory) })
	t.Run("ScanByPrefix", func(t *testing.T) { testScan(t, factory) })
	t.Run("ScanEscapesGlobCharacters", func(t *testing.T) { testScanGlob(t, factory) })
	t.Run("IncrWithTTL_SetsExpiryOnce", func(t *testing.T) { testIncrWithTTL(t, factory) })
	t.Run("IncrWithTTL_ConcurrentIncrementsAreNotLost", func(t *testing.T) { testIncrConcurrent(t, factory) })
	t.Run("IncrWithTTL_RestartsAfterExpiry", func(t *testing.T) { testIncrRestart(t, factory) })
	t.Run("Incr_NoExpiry", func(t *testing.T) { testIncr(t, factory) })
	t.Run("Take_OnlyOneWinner", func(t *testing.T) { testTakeOnce(t, factory) })
}

func testGetMissing(t *testing.T, factory Factory) {
	h := factory(t)
	got, err := h.Store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("want nil for missing key, got %q", got)
	}
}

func testSetGet(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	if err := h.Store.Set(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := h.Store.Set(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := h.Store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := []byte("v2"); !bytes.Equal(want, got) {
		t.Fatalf("want %q got %q", want, got)
	}
}

func testTTLExpiry(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	if err := h.Store.Set(ctx, "short", []byte("x"), storage.WithTTL(2*time.Second)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := h.Store.Set(ctx, "forever", []byte("y")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h.Advance(time.Second)
	if got, _ := h.Store.Get(ctx, "short"); got == nil {
		t.Fatalf("want value before expiry")
	}
	h.Advance(2 * time.Second)
	if got, _ := h.Store.Get(ctx, "short"); got != nil {
		t.Fatalf("want nil after expiry, got %q", got)
	}
	if got, _ := h.Store.Get(ctx, "forever"); got == nil {
		t.Fatalf("key without TTL must not expire")
	}
}

func testDelete(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	_ = h.Store.Set(ctx, "a", []byte("1"))
	_ = h.Store.Set(ctx, "b", []byte("2"))
	if err := h.Store.Delete(ctx, "a", "b", "missing"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if got, _ := h.Store.Get(ctx, k); got != nil {
			t.Fatalf("want %s deleted", k)
		}
	}
	if err := h.Store.Delete(ctx); err != nil {
		t.Fatalf("Delete with no keys: %v", err)
	}
}

func testScan(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = h.Store.Set(ctx, fmt.Sprintf("cache:api:GET:/api/coupons/%d", i), []byte("x"))
	}
	_ = h.Store.Set(ctx, "cache:api:GET:/api/stores", []byte("x"))

	keys, err := h.Store.Scan(ctx, "cache:api:GET:/api/coupons", 100)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if want, got := 5, len(keys); want != got {
		t.Fatalf("want %d keys got %d: %v", want, got, keys)
	}

	limited, err := h.Store.Scan(ctx, "cache:", 2)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(limited) == 0 || len(limited) > 2 {
		t.Fatalf("want 1..2 keys with limit 2, got %d", len(limited))
	}
}

func testScanGlob(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	_ = h.Store.Set(ctx, "cache:api:GET:/a?x=1|vary=", []byte("x"))
	_ = h.Store.Set(ctx, "cache:api:GET:/ab?x=1|vary=", []byte("x"))
	_ = h.Store.Set(ctx, "cache:api:GET:/a[1]", []byte("x"))

	keys, err := h.Store.Scan(ctx, "cache:api:GET:/a?", 100)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if want, got := []string{"cache:api:GET:/a?x=1|vary="}, keys; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("want %v got %v", want, got)
	}

	keys, err = h.Store.Scan(ctx, "cache:api:GET:/a[", 100)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 1 || keys[0] != "cache:api:GET:/a[1]" {
		t.Fatalf("want literal bracket match, got %v", keys)
	}
}

func testIncrWithTTL(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	c, err := h.Store.IncrWithTTL(ctx, "rl:global:ip:1", time.Minute)
	if err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	if c.Count != 1 || c.TTL <= 0 || c.TTL > time.Minute {
		t.Fatalf("want count 1 with ttl in (0,1m], got %+v", c)
	}
	h.Advance(20 * time.Second)
	c, err = h.Store.IncrWithTTL(ctx, "rl:global:ip:1", time.Minute)
	if err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	if c.Count != 2 {
		t.Fatalf("want count 2, got %d", c.Count)
	}
	if c.TTL > 40*time.Second {
		t.Fatalf("expiry must not be extended: ttl %v", c.TTL)
	}
}

func testIncrConcurrent(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	const n = 50
	var wg sync.WaitGroup
	counts := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := h.Store.IncrWithTTL(ctx, "rl:auth:ip:2", time.Minute)
			if err != nil {
				t.Errorf("IncrWithTTL: %v", err)
				return
			}
			counts[i] = c.Count
		}(i)
	}
	wg.Wait()
	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })
	for i, c := range counts {
		if want := int64(i + 1); c != want {
			t.Fatalf("want every count 1..%d exactly once, got %v", n, counts)
		}
	}
}

func testIncrRestart(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := h.Store.IncrWithTTL(ctx, "rl:x", time.Second); err != nil {
			t.Fatalf("IncrWithTTL: %v", err)
		}
	}
	h.Advance(2 * time.Second)
	c, err := h.Store.IncrWithTTL(ctx, "rl:x", time.Second)
	if err != nil {
		t.Fatalf("IncrWithTTL: %v", err)
	}
	if want, got := int64(1), c.Count; want != got {
		t.Fatalf("want window restart at %d got %d", want, got)
	}
}

func testIncr(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := h.Store.Incr(ctx, "tv:user-1")
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if want != got {
			t.Fatalf("want %d got %d", want, got)
		}
	}
	h.Advance(24 * time.Hour)
	v, err := h.Store.Get(ctx, "tv:user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want, got := "3", string(v); want != got {
		t.Fatalf("want %s got %s", want, got)
	}
}

func testTakeOnce(t *testing.T, factory Factory) {
	h := factory(t)
	ctx := context.Background()
	if err := h.Store.Set(ctx, "rt:abc", []byte("record"), storage.WithTTL(time.Hour)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.Store.Take(ctx, "rt:abc")
			if err != nil {
				t.Errorf("Take: %v", err)
				return
			}
			if v != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if want, got := 1, winners; want != got {
		t.Fatalf("want %d winner got %d", want, got)
	}
	if v, _ := h.Store.Get(ctx, "rt:abc"); v != nil {
		t.Fatalf("want key gone after Take")
	}
}
