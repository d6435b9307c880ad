// Package csrf implements stateless double-submit anti-forgery tokens: a
// random token lives in a script-readable cookie and state-changing requests
// must echo it in a header.
package csrf

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/ggoodman/cashback-api/internal/randtoken"
)

const (
	CookieName = "csrf"
	HeaderName = "X-CSRF-Token"

	DefaultMaxAge = 7 * 24 * time.Hour
)

// CookieSetter is the part of a response the service writes to.
type CookieSetter interface {
	SetCoreCookie(c *http.Cookie)
	SetHeader(name, value string)
}

// Service issues and verifies tokens.
type Service struct {
	maxAge time.Duration
}

// New returns a Service whose cookies live for maxAge (default seven days).
func New(maxAge time.Duration) *Service {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Service{maxAge: maxAge}
}

// Issue returns a fresh random token.
func (s *Service) Issue() (string, error) {
	return randtoken.New(randtoken.DefaultBytes)
}

// Cookie builds the cookie carrying token.
func (s *Service) Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.maxAge / time.Second),
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	}
}

// Verify reports whether header echoes cookie. Empty values never verify.
func (s *Service) Verify(cookie, header string) bool {
	if cookie == "" || header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) == 1
}

// Rotate issues a new token, sets its cookie and echoes it in the
// X-CSRF-Token response header. It is called on login and logout.
func (s *Service) Rotate(w CookieSetter, secure bool) (string, error) {
	tok, err := s.Issue()
	if err != nil {
		return "", err
	}
	w.SetCoreCookie(s.Cookie(tok, secure))
	w.SetHeader(HeaderName, tok)
	return tok, nil
}

// Safe reports whether method never requires verification.
func Safe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
