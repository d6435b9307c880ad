package stages

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/ratelimit"
)

type mapPeeker map[string]string

func (m mapPeeker) Peek(raw string) (string, bool) {
	sub, ok := m[raw]
	return sub, ok
}

func limitedRoute(method, pattern, bucket string) pipeline.Route {
	rt := okRoute(method, pattern)
	rt.RateLimit = bucket
	return rt
}

func rateLimitHarness(t *testing.T, routeMax int64, opts ...RateLimitOption) *harness {
	t.Helper()
	h := newHarness(t)
	l := ratelimit.New(h.store, h.clock)
	buckets := map[string]ratelimit.Bucket{
		"auth": {Name: "auth", Window: time.Minute, Max: routeMax},
	}
	global := ratelimit.Bucket{Name: ratelimit.BucketGlobal, Window: time.Minute, Max: 1000}
	h.install(Set{
		GlobalRateLimit: NewGlobalRateLimit(l, global, append([]RateLimitOption{WithFailOpen()}, opts...)...),
		RouteRateLimit:  NewRouteRateLimit(l, buckets, opts...),
	}, limitedRoute("POST", "/api/auth/login", "auth"), okRoute("GET", "/api/coupons"), limitedRoute("GET", "/broken", "nope"))
	return h
}

func TestRateLimit_TripsAfterMax(t *testing.T) {
	h := rateLimitHarness(t, 3)
	last := int64(1 << 62)
	for i := 0; i < 3; i++ {
		resp := h.do(httptest.NewRequest("POST", "/api/auth/login", nil))
		wantStatus(t, resp, http.StatusOK)
		if want, got := "3", resp.Header().Get("X-RateLimit-Limit"); want != got {
			t.Fatalf("want the tighter route limit %s got %s", want, got)
		}
		rem, err := strconv.ParseInt(resp.Header().Get("X-RateLimit-Remaining"), 10, 64)
		if err != nil || rem > last {
			t.Fatalf("remaining must not increase: %d after %d (%v)", rem, last, err)
		}
		last = rem
	}
	resp := h.do(httptest.NewRequest("POST", "/api/auth/login", nil))
	wantCode(t, resp, http.StatusTooManyRequests, apierror.CodeRateLimit)
	ra, err := strconv.Atoi(resp.Header().Get("Retry-After"))
	if err != nil || ra < 1 || ra > 60 {
		t.Fatalf("want Retry-After in [1,60] got %q", resp.Header().Get("Retry-After"))
	}
	if resp.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("want remaining 0 on denial")
	}
	if h.calls.Load() != 3 {
		t.Fatalf("want 3 handler calls got %d", h.calls.Load())
	}

	// Routes without a bucket only count against the global limit.
	wantStatus(t, h.do(httptest.NewRequest("GET", "/api/coupons", nil)), http.StatusOK)

	h.clock.Advance(61 * time.Second)
	wantStatus(t, h.do(httptest.NewRequest("POST", "/api/auth/login", nil)), http.StatusOK)
}

func TestRateLimit_ConcurrentRequests(t *testing.T) {
	const n, max = 50, 20
	h := rateLimitHarness(t, max)
	var wg sync.WaitGroup
	var mu sync.Mutex
	counts := map[int]int{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.p.Dispatch(httptest.NewRequest("POST", "/api/auth/login", nil))
			mu.Lock()
			counts[resp.Status()]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counts[http.StatusOK] != max || counts[http.StatusTooManyRequests] != n-max {
		t.Fatalf("want %d ok and %d limited, got %v", max, n-max, counts)
	}
}

func TestRateLimit_KeysByPeekedSubject(t *testing.T) {
	h := rateLimitHarness(t, 2, WithPeeker(mapPeeker{"tok": "user-1"}))
	for i, addr := range []string{"198.51.100.1:1", "198.51.100.2:1", "198.51.100.3:1"} {
		r := httptest.NewRequest("POST", "/api/auth/login", nil)
		r.RemoteAddr = addr
		r.Header.Set("Authorization", "Bearer tok")
		resp := h.do(r)
		if i < 2 {
			wantStatus(t, resp, http.StatusOK)
			continue
		}
		wantCode(t, resp, http.StatusTooManyRequests, apierror.CodeRateLimit)
	}

	// Anonymous traffic from a fresh address has its own counter.
	r := httptest.NewRequest("POST", "/api/auth/login", nil)
	r.RemoteAddr = "198.51.100.9:1"
	wantStatus(t, h.do(r), http.StatusOK)
}

func TestRateLimit_NoSubjectIsRejected(t *testing.T) {
	h := rateLimitHarness(t, 2)
	r := httptest.NewRequest("GET", "/api/coupons", nil)
	r.RemoteAddr = ""
	wantCode(t, h.do(r), http.StatusBadRequest, apierror.CodeValidation)
}

func TestRateLimit_StoreOutage(t *testing.T) {
	h := rateLimitHarness(t, 2)
	_ = h.store.Close()

	// The global limiter lets traffic through; the auth bucket does not.
	wantStatus(t, h.do(httptest.NewRequest("GET", "/api/coupons", nil)), http.StatusOK)

	resp := h.do(httptest.NewRequest("POST", "/api/auth/login", nil))
	wantCode(t, resp, http.StatusServiceUnavailable, apierror.CodeUnavailable)
	if want, got := "1", resp.Header().Get("Retry-After"); want != got {
		t.Fatalf("want Retry-After %s got %q", want, got)
	}
	if !h.log.Contains("msg=ratelimit.skip") {
		t.Fatalf("want skipped global limit logged")
	}
}

func TestRateLimit_UnknownBucketIsInternal(t *testing.T) {
	h := rateLimitHarness(t, 2)
	wantCode(t, h.do(httptest.NewRequest("GET", "/broken", nil)), http.StatusInternalServerError, apierror.CodeInternal)
}
