package stages

import (
	"log/slog"
	"time"

	"github.com/ggoodman/cashback-api/pipeline"
)

// DefaultSlowRequest is the default slow_request threshold.
const DefaultSlowRequest = time.Second

// RequestLog logs request.start on entry and request.done once the response
// has been written, plus a slow_request warning past the threshold.
type RequestLog struct {
	slow time.Duration
}

func NewRequestLog(slow time.Duration) *RequestLog {
	if slow <= 0 {
		slow = DefaultSlowRequest
	}
	return &RequestLog{slow: slow}
}

func (*RequestLog) Name() string { return "request-log" }

func (*RequestLog) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	ex.Logger().DebugContext(ex.Context(), "request.start",
		slog.String("user_agent", ex.Request.Header.Get("User-Agent")))
	return pipeline.Continue()
}

func (l *RequestLog) Complete(ex *pipeline.Exchange) {
	ctx, log := ex.Context(), ex.Logger()
	elapsed := ex.Elapsed()

	status := ex.Response.Status()
	attrs := []any{
		slog.Int("bytes", ex.Response.BytesWritten()),
	}
	if f := ex.Failure(); f != nil {
		status = f.HTTPStatus()
		attrs = append(attrs, slog.String("code", f.Code()))
	}
	if rt := ex.Route(); rt != nil {
		attrs = append(attrs, slog.String("route", rt.Name))
	}
	if res, ok := pipeline.AttrCacheResult.Get(ex.Request); ok {
		attrs = append(attrs, slog.String("cache", res))
	}
	attrs = append([]any{slog.Int("status", status)}, attrs...)
	log.InfoContext(ctx, "request.done", attrs...)

	if elapsed > l.slow {
		log.WarnContext(ctx, "slow_request",
			slog.Int64("threshold_ms", l.slow.Milliseconds()),
			slog.Int("status", status))
	}
}

var _ pipeline.Completer = (*RequestLog)(nil)
