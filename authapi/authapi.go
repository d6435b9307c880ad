// Package authapi exposes the token service over HTTP: login, refresh,
// logout, logout everywhere and CSRF token rotation.
package authapi

import (
	"context"
	"net/http"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/csrf"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/ratelimit"
	"github.com/ggoodman/cashback-api/stages"
	"github.com/ggoodman/cashback-api/tokens"
)

// RefreshTokenCookie carries the refresh token for browser clients. It is
// only sent to the auth endpoints.
const RefreshTokenCookie = "refresh_token"

const cookiePath = "/api/auth"

// Identities verifies credentials.
type Identities interface {
	Authenticate(ctx context.Context, email, password string) (tokens.Identity, error)
	VerifySecondFactor(ctx context.Context, subject, code string) (bool, error)
}

// API serves the auth endpoints.
type API struct {
	tokens *tokens.Service
	ids    Identities
	csrf   *csrf.Service
	secure bool
}

// Option configures an API.
type Option func(*API)

// WithSecureCookies marks cookies Secure even on plain-HTTP requests, for
// deployments that terminate TLS upstream.
func WithSecureCookies(v bool) Option { return func(a *API) { a.secure = v } }

func New(t *tokens.Service, ids Identities, c *csrf.Service, opts ...Option) *API {
	a := &API{tokens: t, ids: ids, csrf: c}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes returns the auth endpoints. Login and refresh are exempt from CSRF
// verification: they carry no ambient credential a forged request could use.
func (a *API) Routes() []pipeline.Route {
	return []pipeline.Route{
		{Method: "POST", Pattern: "/api/auth/login", Name: "auth.login", Public: true, CSRFExempt: true, RateLimit: ratelimit.BucketAuth, Handler: a.login},
		{Method: "POST", Pattern: "/api/auth/refresh", Name: "auth.refresh", Public: true, CSRFExempt: true, RateLimit: ratelimit.BucketAuth, Handler: a.refresh},
		{Method: "POST", Pattern: "/api/auth/logout", Name: "auth.logout", Public: true, Handler: a.logout},
		{Method: "POST", Pattern: "/api/auth/logout-all", Name: "auth.logout_all", Handler: a.logoutAll},
		{Method: "GET", Pattern: "/api/auth/csrf", Name: "auth.csrf", Public: true, Handler: a.rotateCSRF},
	}
}

func (a *API) secureFor(req *pipeline.Request) bool { return a.secure || req.TLS }

func (a *API) setSession(ex *pipeline.Exchange, p tokens.Pair) {
	now := ex.Now()
	secure := a.secureFor(ex.Request)
	ex.Response.SetCookie(&http.Cookie{
		Name:     stages.AccessTokenCookie,
		Value:    p.AccessToken,
		Path:     "/",
		MaxAge:   int(p.AccessExpiresAt.Sub(now) / time.Second),
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	ex.Response.SetCookie(&http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    p.RefreshToken,
		Path:     cookiePath,
		MaxAge:   int(p.RefreshExpiresAt.Sub(now) / time.Second),
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearSession(ex *pipeline.Exchange) {
	secure := a.secureFor(ex.Request)
	for _, c := range []struct{ name, path string }{
		{stages.AccessTokenCookie, "/"},
		{RefreshTokenCookie, cookiePath},
	} {
		ex.Response.SetCookie(&http.Cookie{
			Name:     c.name,
			Path:     c.path,
			MaxAge:   -1,
			Secure:   secure,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func (a *API) rotate(ex *pipeline.Exchange) (string, error) {
	tok, err := a.csrf.Rotate(ex.Response, a.secureFor(ex.Request))
	if err != nil {
		return "", apierror.Internal(err)
	}
	return tok, nil
}

type loginRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,max=256"`
	DeviceID   string `json:"deviceId" validate:"max=128"`
	BackupCode string `json:"backupCode" validate:"max=32"`
}

type sessionResponse struct {
	tokens.Pair
	CSRFToken string `json:"csrfToken"`
}

func (a *API) login(ex *pipeline.Exchange) error {
	var in loginRequest
	if err := ex.Request.Decode(&in); err != nil {
		return err
	}
	ctx := ex.Context()
	id, err := a.ids.Authenticate(ctx, in.Email, in.Password)
	if err != nil {
		return err
	}
	secondOK := false
	if id.RequiresSecondFactor && in.BackupCode != "" {
		if secondOK, err = a.ids.VerifySecondFactor(ctx, id.Subject, in.BackupCode); err != nil {
			return err
		}
	}
	pair, err := a.tokens.Login(ctx, id, in.DeviceID, ex.Request.ClientIP, secondOK)
	if err != nil {
		return err
	}
	a.setSession(ex, pair)
	tok, err := a.rotate(ex)
	if err != nil {
		return err
	}
	ex.Response.OK(http.StatusOK, sessionResponse{Pair: pair, CSRFToken: tok})
	return nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"max=256"`
	DeviceID     string `json:"deviceId" validate:"max=128"`
}

// presented reads the optional body, falling back to the refresh cookie.
func presented(req *pipeline.Request) (refreshRequest, error) {
	var in refreshRequest
	if len(req.Body) > 0 {
		if err := req.Decode(&in); err != nil {
			return in, err
		}
	}
	if in.RefreshToken == "" {
		in.RefreshToken = req.Cookie(RefreshTokenCookie)
	}
	return in, nil
}

func (a *API) refresh(ex *pipeline.Exchange) error {
	in, err := presented(ex.Request)
	if err != nil {
		return err
	}
	pair, err := a.tokens.Refresh(ex.Context(), in.RefreshToken, in.DeviceID, ex.Request.ClientIP)
	if err != nil {
		return err
	}
	a.setSession(ex, pair)
	ex.Response.OK(http.StatusOK, pair)
	return nil
}

func (a *API) logout(ex *pipeline.Exchange) error {
	in, err := presented(ex.Request)
	if err != nil {
		return err
	}
	if err := a.tokens.Logout(ex.Context(), in.RefreshToken); err != nil {
		return err
	}
	a.clearSession(ex)
	if _, err := a.rotate(ex); err != nil {
		return err
	}
	ex.Response.OK(http.StatusOK, map[string]bool{"loggedOut": true})
	return nil
}

func (a *API) logoutAll(ex *pipeline.Exchange) error {
	p := ex.Request.Principal()
	if p.IsAnonymous() || p.Subject == "" {
		return apierror.Auth(apierror.ReasonMissing, nil)
	}
	if err := a.tokens.LogoutEverywhere(ex.Context(), p.Subject); err != nil {
		return err
	}
	a.clearSession(ex)
	if _, err := a.rotate(ex); err != nil {
		return err
	}
	ex.Response.OK(http.StatusOK, map[string]bool{"loggedOut": true})
	return nil
}

func (a *API) rotateCSRF(ex *pipeline.Exchange) error {
	tok, err := a.rotate(ex)
	if err != nil {
		return err
	}
	ex.Response.OK(http.StatusOK, map[string]string{"csrfToken": tok})
	return nil
}
