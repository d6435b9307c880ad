package stages

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/apikeys"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/csrf"
	"github.com/ggoodman/cashback-api/pipeline"
)

func csrfCookie(resp *pipeline.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == csrf.CookieName {
			return c
		}
	}
	return nil
}

func TestCSRF_MismatchAndMatch(t *testing.T) {
	svc := csrf.New(0)
	h := newHarness(t)
	h.install(Set{SetCSRF: NewSetCSRF(svc, false), VerifyCSRF: NewVerifyCSRF(svc)}, okRoute("PUT", "/api/users/me"))

	r := httptest.NewRequest("PUT", "/api/users/me", nil)
	r.AddCookie(&http.Cookie{Name: "csrf", Value: "abc"})
	r.Header.Set("X-CSRF-Token", "def")
	wantCode(t, h.do(r), http.StatusForbidden, apierror.CodeCSRF)
	if h.calls.Load() != 0 {
		t.Fatalf("handler must not run on mismatch")
	}

	r = httptest.NewRequest("PUT", "/api/users/me", nil)
	r.AddCookie(&http.Cookie{Name: "csrf", Value: "abc"})
	r.Header.Set("X-CSRF-Token", "abc")
	wantStatus(t, h.do(r), http.StatusOK)
	if h.calls.Load() != 1 {
		t.Fatalf("want handler invoked once")
	}
}

func TestCSRF_MissingCookieFailsAndIssuesOne(t *testing.T) {
	svc := csrf.New(0)
	h := newHarness(t)
	h.install(Set{SetCSRF: NewSetCSRF(svc, false), VerifyCSRF: NewVerifyCSRF(svc)}, okRoute("POST", "/api/coupons"))

	r := httptest.NewRequest("POST", "/api/coupons", nil)
	r.Header.Set("X-CSRF-Token", "anything")
	resp := h.do(r)
	wantCode(t, resp, http.StatusForbidden, apierror.CodeCSRF)
	if csrfCookie(resp) == nil {
		t.Fatalf("want a csrf cookie issued on the failure response")
	}
}

func TestSetCSRF_CookieAttributes(t *testing.T) {
	svc := csrf.New(0)
	h := newHarness(t)
	h.install(Set{SetCSRF: NewSetCSRF(svc, false)}, okRoute("GET", "/api/stores"))

	resp := h.do(httptest.NewRequest("GET", "/api/stores", nil))
	c := csrfCookie(resp)
	if c == nil {
		t.Fatalf("want csrf cookie")
	}
	if c.HttpOnly || c.Secure || c.SameSite != http.SameSiteStrictMode || c.Path != "/" || c.MaxAge != 7*24*3600 {
		t.Fatalf("unexpected cookie %+v", c)
	}
	if resp.HandlerSetCookie() {
		t.Fatalf("csrf cookie must not count as a handler cookie")
	}

	r := httptest.NewRequest("GET", "/api/stores", nil)
	r.TLS = &tls.ConnectionState{}
	if c := csrfCookie(h.do(r)); c == nil || !c.Secure {
		t.Fatalf("want secure cookie over TLS, got %+v", c)
	}

	r = httptest.NewRequest("GET", "/api/stores", nil)
	r.AddCookie(&http.Cookie{Name: "csrf", Value: "present"})
	if c := csrfCookie(h.do(r)); c != nil {
		t.Fatalf("want no new cookie when one is present")
	}
}

func TestVerifyCSRF_Exemptions(t *testing.T) {
	svc := csrf.New(0)
	h := newHarness(t)
	keys := apikeys.New(h.store, h.clock)
	key, err := keys.Create(context.Background(), "ops", []auth.Scope{auth.ScopeAnalytics})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	exempt := okRoute("POST", "/webhook")
	exempt.CSRFExempt = true
	keyed := okRoute("POST", "/api/admin/reindex")
	keyed.Scopes = []auth.Scope{auth.ScopeAnalytics}
	h.install(Set{SetCSRF: NewSetCSRF(svc, false), APIKey: NewAPIKey(keys), VerifyCSRF: NewVerifyCSRF(svc)},
		exempt, keyed, okRoute("GET", "/api/stores"))

	wantStatus(t, h.do(httptest.NewRequest("POST", "/webhook", nil)), http.StatusOK)
	wantStatus(t, h.do(httptest.NewRequest("GET", "/api/stores", nil)), http.StatusOK)

	r := httptest.NewRequest("POST", "/api/admin/reindex", nil)
	r.Header.Set("X-API-Key", key)
	wantStatus(t, h.do(r), http.StatusOK)
}
