package stages

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/ratelimit"
)

// ErrorBody is the failure envelope.
type ErrorBody struct {
	Success   bool              `json:"success"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	RequestID string            `json:"requestId"`
	Fields    map[string]string `json:"fields,omitempty"`
	Details   []string          `json:"details,omitempty"`
}

// Terminator turns the request's failure into the error envelope. Outside
// production the envelope carries the error chain in details.
type Terminator struct {
	production bool
	headers    *SecurityHeaders
}

// TerminatorOption configures a Terminator.
type TerminatorOption func(*Terminator)

// WithSecurityHeaders re-applies the security headers on every failure.
func WithSecurityHeaders(s *SecurityHeaders) TerminatorOption {
	return func(t *Terminator) { t.headers = s }
}

func NewTerminator(production bool, opts ...TerminatorOption) *Terminator {
	t := &Terminator{production: production}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Terminator) Terminate(ex *pipeline.Exchange) {
	f := ex.Failure()
	if f == nil {
		f = apierror.Internal(errors.New("terminator invoked without a failure"))
	}
	status := f.HTTPStatus()

	attrs := []any{
		slog.String("code", f.Code()),
		slog.String("kind", f.Kind.String()),
		slog.Int("status", status),
	}
	if f.Reason != "" {
		attrs = append(attrs, slog.String("reason", string(f.Reason)))
	}
	attrs = append(attrs, slog.String("err", f.Error()))
	ex.Logger().Log(ex.Context(), f.LogLevel(), "request.fail", attrs...)

	resp := ex.Response
	resp.Reset()
	resp.MarkNoStore()
	resp.SetHeader("Cache-Control", "no-store")
	resp.Header().Del("X-Cache")
	if t.headers != nil {
		t.headers.Apply(resp)
	}

	if f.Kind == apierror.KindCanceled {
		// Nobody is listening; the status is recorded for logs and metrics.
		resp.Empty(status)
		return
	}

	switch {
	case f.Kind == apierror.KindRateLimit:
		resp.SetHeader("Retry-After", strconv.FormatInt(ratelimit.RetryAfterSeconds(f.RetryAfter), 10))
	case f.Retryable():
		resp.SetHeader("Retry-After", "1")
	}

	body := ErrorBody{
		Code:      f.Code(),
		Message:   f.Message(),
		RequestID: ex.Request.ID,
		Fields:    f.Fields,
	}
	if !t.production {
		body.Details = chain(f)
	}
	resp.JSON(status, body)
}

func chain(err error) []string {
	var out []string
	for err != nil {
		out = append(out, err.Error())
		err = errors.Unwrap(err)
	}
	return out
}

var _ pipeline.Terminator = (*Terminator)(nil)
