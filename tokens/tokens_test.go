package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/internal/jwtauth"
	"github.com/ggoodman/cashback-api/storage"
	"github.com/ggoodman/cashback-api/storage/memory"
)

var testKey = []byte(strings.Repeat("k", 32))

type fixture struct {
	svc   *Service
	store *memory.Storage
	clock *clock.Fake
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	return newSizedFixture(t, cfg, 0)
}

// newSizedFixture bounds the store's LRU to maxItems expiring keys.
func newSizedFixture(t *testing.T, cfg Config, maxItems int) fixture {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := memory.New(maxItems, memory.WithClock(fc))
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	codec, err := jwtauth.NewCodec(testKey, jwtauth.WithClock(fc))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := New(store, codec, cfg, WithClock(fc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{svc: svc, store: store, clock: fc}
}

func wantAuth(t *testing.T, err error, reason apierror.Reason) {
	t.Helper()
	e := apierror.As(err)
	if e == nil || e.Kind != apierror.KindAuth || e.Reason != reason {
		t.Fatalf("want auth(%s) got %v", reason, err)
	}
}

func TestNew_RejectsAccessTTLAboveMax(t *testing.T) {
	fc := clock.NewFake(time.Now())
	store, _ := memory.New(0)
	codec, _ := jwtauth.NewCodec(testKey, jwtauth.WithClock(fc))
	if _, err := New(store, codec, Config{AccessTTL: MaxAccessTTL + time.Second}); !errors.Is(err, ErrAccessTTL) {
		t.Fatalf("want ErrAccessTTL got %v", err)
	}
}

func TestIssueAndVerify(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	tok, exp, err := f.svc.IssueAccess(ctx, "user-1", auth.RoleUser)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if want := f.clock.Now().Add(DefaultAccessTTL); !exp.Equal(want) {
		t.Fatalf("want exp %v got %v", want, exp)
	}
	p, err := f.svc.Verify(ctx, tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "user-1" || p.Kind != auth.KindUser {
		t.Fatalf("unexpected principal %+v", p)
	}

	f.clock.Advance(DefaultAccessTTL)
	_, err = f.svc.Verify(ctx, tok)
	wantAuth(t, err, apierror.ReasonExpired)
}

func TestVerify_Malformed(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.Verify(context.Background(), "garbage")
	wantAuth(t, err, apierror.ReasonMalformed)
}

func TestLogoutEverywhere_SurvivesCacheChurn(t *testing.T) {
	f := newSizedFixture(t, Config{}, 100)
	ctx := context.Background()

	old, _, err := f.svc.IssueAccess(ctx, "user-1", auth.RoleUser)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if err := f.svc.LogoutEverywhere(ctx, "user-1"); err != nil {
		t.Fatalf("LogoutEverywhere: %v", err)
	}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("cache:api:GET:/api/coupons?page=%d|vary=", i)
		if err := f.store.Set(ctx, key, []byte("{}"), storage.WithTTL(time.Minute)); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	_, err = f.svc.Verify(ctx, old)
	wantAuth(t, err, apierror.ReasonRevoked)
}

func TestLogoutEverywhere_RevokesAccessTokens(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, Identity{Subject: "user-1", Role: auth.RoleUser}, "dev", "203.0.113.7", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	other, _, err := f.svc.IssueAccess(ctx, "user-2", auth.RoleUser)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	if err := f.svc.LogoutEverywhere(ctx, "user-1"); err != nil {
		t.Fatalf("LogoutEverywhere: %v", err)
	}
	_, err = f.svc.Verify(ctx, pair.AccessToken)
	wantAuth(t, err, apierror.ReasonRevoked)
	if _, err := f.svc.Verify(ctx, other); err != nil {
		t.Fatalf("other subject must stay valid: %v", err)
	}
	_, err = f.svc.Refresh(ctx, pair.RefreshToken, "dev", "203.0.113.7")
	wantAuth(t, err, apierror.ReasonRevoked)

	// Tokens issued after the bump carry the new version.
	fresh, _, err := f.svc.IssueAccess(ctx, "user-1", auth.RoleUser)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := f.svc.Verify(ctx, fresh); err != nil {
		t.Fatalf("Verify fresh: %v", err)
	}
}

func TestLogin_SecondFactor(t *testing.T) {
	f := newFixture(t, Config{})
	id := Identity{Subject: "admin-1", Role: auth.RoleAdmin, RequiresSecondFactor: true}
	_, err := f.svc.Login(context.Background(), id, "", "", false)
	wantAuth(t, err, apierror.ReasonSecondFactor)
	if _, err := f.svc.Login(context.Background(), id, "", "", true); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestRefresh_RotatesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	rt1, err := f.svc.Login(ctx, Identity{Subject: "user-1", Role: auth.RoleUser}, "dev", "", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	rt2, err := f.svc.Refresh(ctx, rt1.RefreshToken, "dev", "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rt2.RefreshToken == rt1.RefreshToken || rt2.AccessToken == "" {
		t.Fatalf("want a new pair, got %+v", rt2)
	}
	_, err = f.svc.Refresh(ctx, rt1.RefreshToken, "dev", "")
	wantAuth(t, err, apierror.ReasonRevoked)
	if code := apierror.As(err).Code(); code != apierror.CodeAuthInvalid {
		t.Fatalf("want %s got %s", apierror.CodeAuthInvalid, code)
	}
	if _, err := f.svc.Refresh(ctx, rt2.RefreshToken, "dev", ""); err != nil {
		t.Fatalf("Refresh with rotated token: %v", err)
	}
}

func TestRefresh_ConcurrentPresentationHasOneWinner(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	pair, err := f.svc.Login(ctx, Identity{Subject: "user-1", Role: auth.RoleUser}, "", "", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, pair.RefreshToken, "", "")
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			if !apierror.IsKind(err, apierror.KindAuth) {
				t.Errorf("want auth error for losers, got %v", err)
			}
		}()
	}
	wg.Wait()
	if want, got := 1, ok; want != got {
		t.Fatalf("want %d successful refresh got %d", want, got)
	}
}

func TestRefresh_Expired(t *testing.T) {
	f := newFixture(t, Config{RefreshTTL: time.Hour})
	ctx := context.Background()
	pair, err := f.svc.Login(ctx, Identity{Subject: "user-1"}, "", "", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.clock.Advance(time.Hour - time.Nanosecond)
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, "", ""); err != nil {
		t.Fatalf("Refresh before expiry: %v", err)
	}

	pair2, err := f.svc.Login(ctx, Identity{Subject: "user-1"}, "", "", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.clock.Advance(time.Hour)
	_, err = f.svc.Refresh(ctx, pair2.RefreshToken, "", "")
	if !apierror.IsKind(err, apierror.KindAuth) {
		t.Fatalf("want auth error after expiry, got %v", err)
	}
}

func TestRefresh_DeviceMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	pair, err := f.svc.Login(ctx, Identity{Subject: "user-1"}, "laptop", "", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err = f.svc.Refresh(ctx, pair.RefreshToken, "phone", "")
	wantAuth(t, err, apierror.ReasonDeviceMismatch)
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, "laptop", ""); err != nil {
		t.Fatalf("mismatch must not consume the token: %v", err)
	}
}

func TestRefresh_EmptyStoredDeviceAcceptsAny(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	pair, err := f.svc.Login(ctx, Identity{Subject: "user-1"}, "", "", false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, "anything", ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func TestLogout_RevokesOnlyPresentedToken(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a, _ := f.svc.Login(ctx, Identity{Subject: "user-1"}, "", "", false)
	f.clock.Advance(time.Millisecond)
	b, _ := f.svc.Login(ctx, Identity{Subject: "user-1"}, "", "", false)

	if err := f.svc.Logout(ctx, a.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err := f.svc.Refresh(ctx, a.RefreshToken, "", "")
	wantAuth(t, err, apierror.ReasonRevoked)
	if _, err := f.svc.Refresh(ctx, b.RefreshToken, "", ""); err != nil {
		t.Fatalf("other session must survive: %v", err)
	}
	if _, err := f.svc.Verify(ctx, a.AccessToken); err != nil {
		t.Fatalf("logout does not bump the token version: %v", err)
	}
	if err := f.svc.Logout(ctx, a.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestMaxRefreshTokensPerUser_EvictsOldest(t *testing.T) {
	f := newFixture(t, Config{MaxRefreshPerUser: 2})
	ctx := context.Background()
	var pairs []Pair
	for i := 0; i < 3; i++ {
		p, err := f.svc.Login(ctx, Identity{Subject: "user:1"}, "", "", false)
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		pairs = append(pairs, p)
		f.clock.Advance(time.Second)
	}
	_, err := f.svc.Refresh(ctx, pairs[0].RefreshToken, "", "")
	wantAuth(t, err, apierror.ReasonRevoked)
	for _, p := range pairs[1:] {
		if _, err := f.svc.Refresh(ctx, p.RefreshToken, "", ""); err != nil {
			t.Fatalf("want newest sessions kept: %v", err)
		}
		f.clock.Advance(time.Second)
	}
}

func TestPeek(t *testing.T) {
	f := newFixture(t, Config{})
	tok, _, err := f.svc.IssueAccess(context.Background(), "user-9", auth.RoleUser)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	// Peek works even when the store is gone.
	_ = f.store.Close()
	sub, ok := f.svc.Peek(tok)
	if !ok || sub != "user-9" {
		t.Fatalf("want user-9 got %q %v", sub, ok)
	}
	if _, ok := f.svc.Peek("nope"); ok {
		t.Fatalf("want Peek to reject garbage")
	}
}

func TestVerify_StoreFailureIsInfra(t *testing.T) {
	f := newFixture(t, Config{})
	tok, _, err := f.svc.IssueAccess(context.Background(), "user-1", auth.RoleUser)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	_ = f.store.Close()
	_, err = f.svc.Verify(context.Background(), tok)
	if !apierror.IsKind(err, apierror.KindInfra) {
		t.Fatalf("want infra error got %v", err)
	}
}

func TestBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes(3)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if len(codes) != 3 || len(codes[0]) != backupCodeLen+1 {
		t.Fatalf("unexpected codes %v", codes)
	}
	h, err := HashBackupCode(codes[0])
	if err != nil {
		t.Fatalf("HashBackupCode: %v", err)
	}
	if !VerifyBackupCode(h, strings.ToLower(strings.ReplaceAll(codes[0], "-", " "))) {
		t.Fatalf("want normalized code accepted")
	}
	if VerifyBackupCode(h, codes[1]) {
		t.Fatalf("want other code rejected")
	}
}
