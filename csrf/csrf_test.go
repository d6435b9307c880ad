package csrf

import (
	"net/http"
	"testing"
)

type recorder struct {
	cookies []*http.Cookie
	headers http.Header
}

func (r *recorder) SetCoreCookie(c *http.Cookie) { r.cookies = append(r.cookies, c) }
func (r *recorder) SetHeader(k, v string) {
	if r.headers == nil {
		r.headers = http.Header{}
	}
	r.headers.Set(k, v)
}

func TestVerify(t *testing.T) {
	s := New(0)
	tests := []struct {
		cookie, header string
		want           bool
	}{
		{"abc", "abc", true},
		{"abc", "def", false},
		{"", "", false},
		{"abc", "", false},
		{"", "abc", false},
	}
	for _, tt := range tests {
		if got := s.Verify(tt.cookie, tt.header); got != tt.want {
			t.Errorf("Verify(%q,%q): want %v got %v", tt.cookie, tt.header, tt.want, got)
		}
	}
}

func TestCookieAttributes(t *testing.T) {
	c := New(0).Cookie("tok", true)
	if c.Name != CookieName || c.Path != "/" || c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Fatalf("unexpected cookie %+v", c)
	}
	if want, got := 604800, c.MaxAge; want != got {
		t.Fatalf("want max-age %d got %d", want, got)
	}
}

func TestRotateIssuesFreshTokens(t *testing.T) {
	s := New(0)
	var r recorder
	a, err := s.Rotate(&r, false)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	b, err := s.Rotate(&r, false)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if a == b {
		t.Fatalf("want distinct tokens")
	}
	if got := r.headers.Get(HeaderName); got != b {
		t.Fatalf("want header %q got %q", b, got)
	}
	if len(r.cookies) != 2 || r.cookies[1].Value != b {
		t.Fatalf("want rotated cookie, got %+v", r.cookies)
	}
}

func TestSafe(t *testing.T) {
	for _, m := range []string{"GET", "HEAD", "OPTIONS"} {
		if !Safe(m) {
			t.Errorf("%s must be safe", m)
		}
	}
	for _, m := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		if Safe(m) {
			t.Errorf("%s must be verified", m)
		}
	}
}
