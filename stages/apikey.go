package stages

import (
	"context"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/internal/logctx"
	"github.com/ggoodman/cashback-api/pipeline"
)

// APIKeyHeader carries the key on API-key protected routes.
const APIKeyHeader = "X-API-Key"

// KeyAuthorizer resolves an API key holding one of want.
type KeyAuthorizer interface {
	Authorize(ctx context.Context, key string, want []auth.Scope) (*auth.Principal, error)
}

// APIKey guards routes declaring scopes.
type APIKey struct {
	keys KeyAuthorizer
}

func NewAPIKey(keys KeyAuthorizer) *APIKey { return &APIKey{keys: keys} }

func (*APIKey) Name() string { return "api-key" }

func (a *APIKey) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	rt := ex.Route()
	if rt == nil || !rt.RequiresAPIKey() {
		return pipeline.Continue()
	}
	key := ex.Request.Header.Get(APIKeyHeader)
	if key == "" {
		return pipeline.Fail(apierror.Auth(apierror.ReasonAPIKey, nil))
	}
	p, err := a.keys.Authorize(ex.Context(), key, rt.Scopes)
	if err != nil {
		return pipeline.Fail(err)
	}
	setPrincipal(ex, p)
	return pipeline.Continue()
}

func setPrincipal(ex *pipeline.Exchange, p *auth.Principal) {
	_ = pipeline.AttrPrincipal.Set(ex.Request, p)
	if rd, ok := logctx.RequestDataFrom(ex.Context()); ok {
		rd.SetPrincipal(p.ID())
	}
}
