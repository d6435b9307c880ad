package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/storage/memory"
	"github.com/google/go-cmp/cmp"
)

type fakeStore struct {
	degraded bool
	pinged   bool
	err      error
}

func (f *fakeStore) Ping(context.Context) error { f.pinged = true; return f.err }
func (f *fakeStore) Degraded() bool             { return f.degraded }

func TestProbe_AllUp(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	store, err := memory.New(0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	p := New("1.2.3",
		WithClock(fc),
		WithStore(store),
		WithIdentity(CheckerFunc(func(context.Context) error { return nil })),
	)
	fc.Advance(90 * time.Second)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if want, got := http.StatusOK, rec.Code; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := Report{
		Status:       StatusUp,
		Uptime:       90,
		Dependencies: map[string]string{"kv": StatusUp, "identity": StatusUp},
		Version:      "1.2.3",
	}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestProbe_DegradedStoreSkipsPing(t *testing.T) {
	fs := &fakeStore{degraded: true}
	p := New("dev", WithStore(fs))
	rep := p.Check(context.Background())
	if rep.Up() || rep.Dependencies["kv"] != StatusDown {
		t.Fatalf("want kv down, got %+v", rep)
	}
	if fs.pinged {
		t.Fatalf("degraded store must not be pinged")
	}
}

func TestProbe_FailuresReport503(t *testing.T) {
	p := New("dev",
		WithStore(&fakeStore{err: errors.New("connection refused")}),
		WithIdentity(CheckerFunc(func(context.Context) error { return nil })),
	)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if want, got := http.StatusServiceUnavailable, rec.Code; want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
	var rep Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.Dependencies["kv"] != StatusDown || rep.Dependencies["identity"] != StatusUp {
		t.Fatalf("unexpected dependencies %v", rep.Dependencies)
	}
}

func TestProbe_SlowCheckIsBoundedByBudget(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := CheckerFunc(func(ctx context.Context) error {
		<-release
		return nil
	})
	p := New("dev", WithIdentity(slow), WithBudget(20*time.Millisecond))

	start := time.Now()
	rep := p.Check(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("probe took %v", elapsed)
	}
	if rep.Dependencies["identity"] != StatusDown {
		t.Fatalf("want slow dependency down, got %+v", rep)
	}
}
