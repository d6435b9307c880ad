package stages

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/sanitize"
)

// Sanitize rewrites the decoded body, the query, the form and the route
// parameters in place. The JSON body bytes are re-encoded from the
// sanitized value so Request.Decode only ever sees clean input, and the
// transport body is pointed at the same bytes.
type Sanitize struct {
	limits sanitize.Limits
}

func NewSanitize(lim sanitize.Limits) *Sanitize { return &Sanitize{limits: lim} }

func (*Sanitize) Name() string { return "sanitize" }

func (s *Sanitize) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	req := ex.Request

	if req.Value != nil {
		v, err := sanitize.Value(req.Value, s.limits)
		if err != nil {
			return pipeline.Fail(err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return pipeline.Fail(apierror.Internal(err))
		}
		req.Value = v
		req.Body = b
		if req.HTTP != nil {
			req.HTTP.Body = io.NopCloser(bytes.NewReader(b))
		}
	}
	if len(req.Query) > 0 {
		q, err := sanitize.Values(req.Query, s.limits)
		if err != nil {
			return pipeline.Fail(err)
		}
		req.Query = q
	}
	if len(req.Form) > 0 {
		f, err := sanitize.Values(req.Form, s.limits)
		if err != nil {
			return pipeline.Fail(err)
		}
		req.Form = f
	}
	for i := range req.Params {
		req.Params[i].Value = sanitize.String(req.Params[i].Value)
	}
	return pipeline.Continue()
}
