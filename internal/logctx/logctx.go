package logctx

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Handler decorates records emitted with a request context with the
// request's correlation id, method, path, principal and elapsed time.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("principal", rd.Principal()),
			slog.Int64("elapsed_ms", r.Time.Sub(rd.Start).Milliseconds()),
		))
	}
	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
	Start      time.Time

	principal atomic.Pointer[string]
}

// Principal returns the principal id recorded by SetPrincipal, or
// "anonymous".
func (rd *RequestData) Principal() string {
	if p := rd.principal.Load(); p != nil {
		return *p
	}
	return "anonymous"
}

// SetPrincipal records the authenticated principal id.
func (rd *RequestData) SetPrincipal(id string) {
	rd.principal.Store(&id)
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestDataFrom returns the request data attached to ctx, if any.
func RequestDataFrom(ctx context.Context) (*RequestData, bool) {
	rd, ok := ctx.Value(requestDataKey{}).(*RequestData)
	return rd, ok
}
