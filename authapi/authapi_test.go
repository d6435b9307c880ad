package authapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/csrf"
	"github.com/ggoodman/cashback-api/internal/catalog"
	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/internal/jwtauth"
	"github.com/ggoodman/cashback-api/internal/testlog"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/sanitize"
	"github.com/ggoodman/cashback-api/stages"
	"github.com/ggoodman/cashback-api/storage/memory"
	"github.com/ggoodman/cashback-api/tokens"
	"golang.org/x/crypto/bcrypt"
)

const (
	email    = "alice@example.com"
	password = "correct horse"
)

type fixture struct {
	t     *testing.T
	p     *pipeline.Pipeline
	ids   *catalog.Identities
	clock *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := memory.New(0, memory.WithClock(fc))
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	codec, err := jwtauth.NewCodec([]byte(strings.Repeat("s", 32)), jwtauth.WithClock(fc))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	svc, err := tokens.New(store, codec, tokens.Config{}, tokens.WithClock(fc))
	if err != nil {
		t.Fatalf("tokens.New: %v", err)
	}
	ids := catalog.NewIdentities(catalog.WithBcryptCost(bcrypt.MinCost))
	if _, err := ids.Add(email, "Alice", auth.RoleUser, password); err != nil {
		t.Fatalf("Add: %v", err)
	}

	log, _ := testlog.New(t)
	p, err := pipeline.New(stages.NewTerminator(false), pipeline.WithLogger(log), pipeline.WithClock(fc))
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	cs := csrf.New(0)
	err = stages.Install(p, stages.Set{
		BodyParse:  stages.NewBodyParse(0),
		Sanitize:   stages.NewSanitize(sanitize.DefaultLimits),
		SetCSRF:    stages.NewSetCSRF(cs, false),
		VerifyCSRF: stages.NewVerifyCSRF(cs),
		Auth:       stages.NewAuth(svc),
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	for _, rt := range New(svc, ids, cs).Routes() {
		if err := p.Handle(rt); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	return &fixture{t: t, p: p, ids: ids, clock: fc}
}

func post(target, body string) *http.Request {
	r := httptest.NewRequest("POST", target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withCSRF attaches a matching cookie and header.
func withCSRF(r *http.Request) *http.Request {
	r.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: "double-submit"})
	r.Header.Set(csrf.HeaderName, "double-submit")
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(r *http.Request, status int) envelope {
	f.t.Helper()
	resp := f.p.Dispatch(r)
	b, err := resp.Bytes()
	if err != nil {
		f.t.Fatalf("Bytes: %v", err)
	}
	if resp.Status() != status {
		f.t.Fatalf("want status %d got %d: %s", status, resp.Status(), b)
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		f.t.Fatalf("unmarshal %q: %v", b, err)
	}
	return env
}

type session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	CSRFToken    string `json:"csrfToken"`
}

func (f *fixture) login(device string) session {
	f.t.Helper()
	env := f.do(post("/api/auth/login", `{"email":"`+email+`","password":"`+password+`","deviceId":"`+device+`"}`), http.StatusOK)
	var s session
	if err := json.Unmarshal(env.Data, &s); err != nil {
		f.t.Fatalf("unmarshal: %v", err)
	}
	return s
}

func cookieNamed(cs []*http.Cookie, name string) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range cs {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func TestLogin_IssuesSessionAndRotatesCSRF(t *testing.T) {
	f := newFixture(t)
	resp := f.p.Dispatch(post("/api/auth/login", `{"email":"ALICE@example.com","password":"`+password+`"}`))
	if resp.Status() != http.StatusOK {
		b, _ := resp.Bytes()
		t.Fatalf("want 200 got %d: %s", resp.Status(), b)
	}
	b, _ := resp.Bytes()
	var env struct {
		Data session `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	s := env.Data
	if s.AccessToken == "" || s.RefreshToken == "" || s.CSRFToken == "" {
		t.Fatalf("incomplete session %+v", s)
	}

	cookies := resp.Cookies()
	csrfCookies := cookieNamed(cookies, csrf.CookieName)
	if len(csrfCookies) != 1 || csrfCookies[0].Value != s.CSRFToken {
		t.Fatalf("want one csrf cookie carrying the rotated token, got %v", csrfCookies)
	}
	if want, got := s.CSRFToken, resp.Header().Get(csrf.HeaderName); want != got {
		t.Fatalf("want echoed csrf header %q got %q", want, got)
	}
	at := cookieNamed(cookies, stages.AccessTokenCookie)
	if len(at) != 1 || !at[0].HttpOnly || at[0].Value != s.AccessToken || at[0].MaxAge != 3600 {
		t.Fatalf("unexpected access cookie %+v", at)
	}
	rt := cookieNamed(cookies, RefreshTokenCookie)
	if len(rt) != 1 || rt[0].Path != "/api/auth" || !rt[0].HttpOnly {
		t.Fatalf("unexpected refresh cookie %+v", rt)
	}
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"wrong password", `{"email":"` + email + `","password":"nope"}`, http.StatusUnauthorized, apierror.CodeAuthInvalid},
		{"unknown user", `{"email":"bob@example.com","password":"nope"}`, http.StatusUnauthorized, apierror.CodeAuthInvalid},
		{"bad email", `{"email":"alice","password":"x"}`, http.StatusBadRequest, apierror.CodeValidation},
		{"missing password", `{"email":"` + email + `"}`, http.StatusBadRequest, apierror.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := f.do(post("/api/auth/login", tt.body), tt.status)
			if env.Success || env.Code != tt.code {
				t.Fatalf("want code %s got %+v", tt.code, env)
			}
		})
	}
}

func TestLogin_SecondFactor(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ids.Add("admin@example.com", "Admin", auth.RoleAdmin, password, "ABCDE-FGHJK", "KLMNP-QRSTU"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	body := `{"email":"admin@example.com","password":"` + password + `"`
	env := f.do(post("/api/auth/login", body+`}`), http.StatusUnauthorized)
	if env.Code != apierror.CodeAuthInvalid {
		t.Fatalf("want AUTH_INVALID got %s", env.Code)
	}
	f.do(post("/api/auth/login", body+`,"backupCode":"WRONG-WRONG"}`), http.StatusUnauthorized)
	f.do(post("/api/auth/login", body+`,"backupCode":"abcde-fghjk"}`), http.StatusOK)
	// Codes are single use.
	f.do(post("/api/auth/login", body+`,"backupCode":"abcde-fghjk"}`), http.StatusUnauthorized)
	f.do(post("/api/auth/login", body+`,"backupCode":"KLMNP QRSTU"}`), http.StatusOK)
}

func TestRefresh_RotatesOnce(t *testing.T) {
	f := newFixture(t)
	s := f.login("laptop")

	env := f.do(post("/api/auth/refresh", `{"refreshToken":"`+s.RefreshToken+`","deviceId":"laptop"}`), http.StatusOK)
	var next session
	if err := json.Unmarshal(env.Data, &next); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if next.RefreshToken == "" || next.RefreshToken == s.RefreshToken {
		t.Fatalf("want a new refresh token, got %q", next.RefreshToken)
	}

	env = f.do(post("/api/auth/refresh", `{"refreshToken":"`+s.RefreshToken+`","deviceId":"laptop"}`), http.StatusUnauthorized)
	if env.Code != apierror.CodeAuthInvalid {
		t.Fatalf("want AUTH_INVALID on reuse got %s", env.Code)
	}

	// Browser clients present the cookie instead of a body.
	r := httptest.NewRequest("POST", "/api/auth/refresh", nil)
	r.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: next.RefreshToken})
	f.do(r, http.StatusUnauthorized) // device mismatch: no deviceId without a body

	s2 := f.login("")
	r = httptest.NewRequest("POST", "/api/auth/refresh", nil)
	r.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: s2.RefreshToken})
	f.do(r, http.StatusOK)
}

func TestRefresh_Missing(t *testing.T) {
	f := newFixture(t)
	env := f.do(httptest.NewRequest("POST", "/api/auth/refresh", nil), http.StatusUnauthorized)
	if env.Code != apierror.CodeAuthRequired {
		t.Fatalf("want AUTH_REQUIRED got %s", env.Code)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	s := f.login("")
	body := `{"refreshToken":"` + s.RefreshToken + `"}`

	env := f.do(post("/api/auth/logout", body), http.StatusForbidden)
	if env.Code != apierror.CodeCSRF {
		t.Fatalf("want CSRF_FAILED got %s", env.Code)
	}

	resp := f.p.Dispatch(withCSRF(post("/api/auth/logout", body)))
	if resp.Status() != http.StatusOK {
		t.Fatalf("want 200 got %d", resp.Status())
	}
	for _, name := range []string{stages.AccessTokenCookie, RefreshTokenCookie} {
		c := cookieNamed(resp.Cookies(), name)
		if len(c) != 1 || c[0].MaxAge >= 0 {
			t.Fatalf("want %s cleared, got %v", name, c)
		}
	}
	f.do(post("/api/auth/refresh", body), http.StatusUnauthorized)
}

func TestLogoutAll_RevokesAccessTokens(t *testing.T) {
	f := newFixture(t)
	s := f.login("")
	other := f.login("")

	r := withCSRF(post("/api/auth/logout-all", ""))
	r.Header.Set("Authorization", "Bearer "+s.AccessToken)
	f.do(r, http.StatusOK)

	for _, tok := range []string{s.AccessToken, other.AccessToken} {
		r = withCSRF(post("/api/auth/logout-all", ""))
		r.Header.Set("Authorization", "Bearer "+tok)
		if env := f.do(r, http.StatusUnauthorized); env.Code != apierror.CodeAuthInvalid {
			t.Fatalf("want AUTH_INVALID got %s", env.Code)
		}
	}
	f.do(post("/api/auth/refresh", `{"refreshToken":"`+other.RefreshToken+`"}`), http.StatusUnauthorized)

	// A fresh login works again.
	fresh := f.login("")
	r = withCSRF(post("/api/auth/logout-all", ""))
	r.Header.Set("Authorization", "Bearer "+fresh.AccessToken)
	f.do(r, http.StatusOK)
}

func TestCSRFEndpoint(t *testing.T) {
	f := newFixture(t)
	resp := f.p.Dispatch(httptest.NewRequest("GET", "/api/auth/csrf", nil))
	b, _ := resp.Bytes()
	var env struct {
		Data struct {
			CSRFToken string `json:"csrfToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	c := cookieNamed(resp.Cookies(), csrf.CookieName)
	if env.Data.CSRFToken == "" || len(c) != 1 || c[0].Value != env.Data.CSRFToken {
		t.Fatalf("want cookie and body to agree, got %q and %v", env.Data.CSRFToken, c)
	}
}
