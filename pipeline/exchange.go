package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/internal/clock"
	"go.opentelemetry.io/otel/trace"
)

// Timing is the inbound duration of one stage.
type Timing struct {
	Stage    string
	Duration time.Duration
}

// Exchange carries one request through the pipeline.
type Exchange struct {
	Request  *Request
	Response *Response

	ctx       context.Context
	cancel    context.CancelFunc
	clientCtx context.Context
	clock     clock.Clock
	log       *slog.Logger
	span      trace.Span

	route      *Route
	routeErr   *apierror.Error
	failure    *apierror.Error
	terminated bool
	entered    []Stage
	timings    []Timing
}

// Context is the request context: canceled when the client goes away or the
// deadline passes.
func (ex *Exchange) Context() context.Context { return ex.ctx }

// Route is the matched route, or nil.
func (ex *Exchange) Route() *Route { return ex.route }

// Failure is the classified failure, or nil when the request succeeded.
func (ex *Exchange) Failure() *apierror.Error { return ex.failure }

// Logger returns a logger that attaches request data when given
// ex.Context().
func (ex *Exchange) Logger() *slog.Logger { return ex.log }

// Timings lists completed inbound stage timings in order.
func (ex *Exchange) Timings() []Timing { return ex.timings }

// Now reads the pipeline clock.
func (ex *Exchange) Now() time.Time { return ex.clock.Now() }

// Elapsed is the time since the request entered the pipeline.
func (ex *Exchange) Elapsed() time.Duration { return ex.clock.Now().Sub(ex.Request.Start) }

// ClientGone reports whether the transport canceled the request.
func (ex *Exchange) ClientGone() bool {
	return ex.clientCtx != nil && ex.clientCtx.Err() != nil
}

// AddEvent records a span event on the request's trace.
func (ex *Exchange) AddEvent(name string) {
	if ex.span != nil {
		ex.span.AddEvent(name)
	}
}

func (ex *Exchange) fail(err error) {
	if ex.failure != nil {
		return
	}
	if err == nil {
		err = apierror.Internal(errFailWithoutError)
	}
	ex.failure = apierror.As(err)
}
