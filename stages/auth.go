package stages

import (
	"log/slog"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/pipeline"
)

// Auth verifies the bearer token and attaches the principal. Public routes
// fall back to the anonymous principal when verification fails; private
// routes fail. Tokens are never refreshed here.
type Auth struct {
	authn auth.Authenticator
}

func NewAuth(a auth.Authenticator) *Auth { return &Auth{authn: a} }

func (*Auth) Name() string { return "auth" }

func (a *Auth) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	req := ex.Request
	if _, ok := pipeline.AttrPrincipal.Get(req); ok {
		// Already authenticated by API key.
		return pipeline.Continue()
	}
	rt := ex.Route()
	public := rt == nil || rt.Public

	tok := req.BearerToken(AccessTokenCookie)
	if tok == "" {
		if public {
			setPrincipal(ex, auth.Anonymous())
			return pipeline.Continue()
		}
		return pipeline.Fail(apierror.Auth(apierror.ReasonMissing, nil))
	}

	p, err := a.authn.Authenticate(ex.Context(), tok)
	if err != nil {
		if apierror.IsKind(err, apierror.KindCanceled) || !public {
			return pipeline.Fail(err)
		}
		ex.Logger().DebugContext(ex.Context(), "auth.demoted", slog.String("reason", string(apierror.As(err).Reason)))
		setPrincipal(ex, auth.Anonymous())
		return pipeline.Continue()
	}
	if rt != nil && len(rt.Roles) > 0 && !p.HasAnyRole(rt.Roles...) {
		return pipeline.Fail(apierror.Forbidden("principal lacks role"))
	}
	setPrincipal(ex, p)
	return pipeline.Continue()
}
