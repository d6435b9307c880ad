package stages

import (
	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/csrf"
	"github.com/ggoodman/cashback-api/pipeline"
)

// SetCSRF issues the csrf cookie to requests that do not carry one.
type SetCSRF struct {
	svc    *csrf.Service
	secure bool
}

// NewSetCSRF returns the stage. Cookies are marked Secure when secure is set
// or the request arrived over TLS.
func NewSetCSRF(svc *csrf.Service, secure bool) *SetCSRF {
	return &SetCSRF{svc: svc, secure: secure}
}

func (*SetCSRF) Name() string { return "set-csrf" }

func (s *SetCSRF) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	if ex.Request.Cookie(csrf.CookieName) != "" {
		return pipeline.Continue()
	}
	tok, err := s.svc.Issue()
	if err != nil {
		return pipeline.Fail(apierror.Internal(err))
	}
	ex.Response.SetCoreCookie(s.svc.Cookie(tok, s.secure || ex.Request.TLS))
	return pipeline.Continue()
}

// VerifyCSRF requires state-changing requests to echo the csrf cookie in
// the X-CSRF-Token header. Safe methods, exempt routes and API-key
// principals are not checked.
type VerifyCSRF struct {
	svc *csrf.Service
}

func NewVerifyCSRF(svc *csrf.Service) *VerifyCSRF { return &VerifyCSRF{svc: svc} }

func (*VerifyCSRF) Name() string { return "csrf-verify" }

func (v *VerifyCSRF) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	req := ex.Request
	if csrf.Safe(req.Method) {
		return pipeline.Continue()
	}
	if rt := ex.Route(); rt != nil && rt.CSRFExempt {
		return pipeline.Continue()
	}
	if req.Principal().Kind == auth.KindAPIKey {
		return pipeline.Continue()
	}
	cookie := req.Cookie(csrf.CookieName)
	header := req.Header.Get(csrf.HeaderName)
	switch {
	case cookie == "":
		return pipeline.Fail(apierror.CSRF("csrf cookie missing"))
	case header == "":
		return pipeline.Fail(apierror.CSRF("csrf header missing"))
	case !v.svc.Verify(cookie, header):
		return pipeline.Fail(apierror.CSRF("csrf token mismatch"))
	}
	_ = pipeline.AttrCSRFVerified.Set(req, true)
	return pipeline.Continue()
}
