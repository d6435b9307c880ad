// Package pipeline is the request runtime: an ordered set of stages in fixed
// slots, an httprouter route table, and the dispatch loop that guarantees one
// well-formed response per request.
//
// A request walks the registered slots in order. Between the global and the
// per-route rate-limit slots the routing decision is applied, so unknown
// paths are still counted against the global bucket. After the last slot the
// matched handler runs under the request deadline. Any stage may halt with a
// response or fail; failures go to the terminator exactly once. On the way
// out every entered stage implementing Finisher runs in reverse order, the
// response is committed, and every entered Completer runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/internal/logctx"
	"github.com/ggoodman/cashback-api/metrics"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrConfig is wrapped by every registration error.
var ErrConfig = errors.New("pipeline: configuration error")

var errFailWithoutError = errors.New("pipeline: stage failed without an error")

// DefaultDeadline bounds a request end to end unless the route overrides it.
const DefaultDeadline = 30 * time.Second

const tracerName = "github.com/ggoodman/cashback-api/pipeline"

var routableMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// Terminator converts a failure into a response.
type Terminator interface {
	Terminate(ex *Exchange)
}

// Pipeline is configured once at startup and is then safe for concurrent
// dispatch.
type Pipeline struct {
	slots  [numSlots]Stage
	router *httprouter.Router
	routes []*Route
	term   Terminator

	clock      clock.Clock
	log        *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	deadline   time.Duration
	trustProxy bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clock = clock.OrSystem(c) } }

// WithDeadline sets the default end-to-end deadline.
func WithDeadline(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.deadline = d
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithTrustProxy derives the client IP from X-Forwarded-For.
func WithTrustProxy(v bool) Option { return func(p *Pipeline) { p.trustProxy = v } }

// New returns an empty pipeline that reports failures through term.
func New(term Terminator, opts ...Option) (*Pipeline, error) {
	if term == nil {
		return nil, fmt.Errorf("%w: a terminator is required", ErrConfig)
	}
	p := &Pipeline{
		router:   httprouter.New(),
		term:     term,
		clock:    clock.System{},
		log:      slog.Default(),
		tracer:   otel.GetTracerProvider().Tracer(tracerName),
		deadline: DefaultDeadline,
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, ok := p.log.Handler().(logctx.Handler); !ok {
		p.log = slog.New(logctx.Handler{Handler: p.log.Handler()})
	}
	return p, nil
}

func sameStage(a, b Stage) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Register places st in slot. Registering the same stage in the same slot
// again is a no-op. Slots must be filled in pipeline order and a slot's
// required predecessor must already be present.
func (p *Pipeline) Register(slot Slot, st Stage) error {
	if slot < 0 || slot >= numSlots {
		return fmt.Errorf("%w: unknown slot %d", ErrConfig, int(slot))
	}
	if st == nil {
		return fmt.Errorf("%w: nil stage for %s", ErrConfig, slot)
	}
	if cur := p.slots[slot]; cur != nil {
		if sameStage(cur, st) {
			return nil
		}
		return fmt.Errorf("%w: slot %s is occupied by %s", ErrConfig, slot, cur.Name())
	}
	for later := slot + 1; later < numSlots; later++ {
		if p.slots[later] != nil {
			return fmt.Errorf("%w: %s registered after %s", ErrConfig, slot, later)
		}
	}
	if pred, ok := requires[slot]; ok && p.slots[pred] == nil {
		return fmt.Errorf("%w: %s requires %s", ErrConfig, slot, pred)
	}
	p.slots[slot] = st
	return nil
}

// Stage returns the stage in slot, if any.
func (p *Pipeline) Stage(slot Slot) (Stage, bool) {
	if slot < 0 || slot >= numSlots || p.slots[slot] == nil {
		return nil, false
	}
	return p.slots[slot], true
}

type bindingKey struct{}

type binding struct{ route *Route }

// Handle adds a route.
func (p *Pipeline) Handle(rt Route) (err error) {
	if rt.Method == "" || rt.Handler == nil || !strings.HasPrefix(rt.Pattern, "/") {
		return fmt.Errorf("%w: route %q %q needs a method, a handler and an absolute pattern", ErrConfig, rt.Method, rt.Pattern)
	}
	if rt.Deadline < 0 || rt.CacheTTL < 0 {
		return fmt.Errorf("%w: route %s %s has a negative duration", ErrConfig, rt.Method, rt.Pattern)
	}
	if rt.Name == "" {
		rt.Name = rt.Method + " " + rt.Pattern
	}
	route := &rt
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: %v", ErrConfig, v)
		}
	}()
	p.router.Handle(rt.Method, rt.Pattern, func(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if b, ok := r.Context().Value(bindingKey{}).(*binding); ok {
			b.route = route
		}
	})
	p.routes = append(p.routes, route)
	return nil
}

// Routes lists registered routes in registration order.
func (p *Pipeline) Routes() []*Route { return p.routes }

func (p *Pipeline) lookup(r *http.Request, method, path string) (*Route, httprouter.Params) {
	h, ps, _ := p.router.Lookup(method, path)
	if h == nil {
		return nil, nil
	}
	b := &binding{}
	h(nil, r.WithContext(context.WithValue(r.Context(), bindingKey{}, b)), ps)
	return b.route, ps
}

// resolve matches the request. A miss leaves a routing failure that is
// raised after the global rate limit.
func (p *Pipeline) resolve(ex *Exchange) {
	r := ex.Request
	rt, ps := p.lookup(r.HTTP, r.Method, r.Path)
	if rt == nil && r.Method == http.MethodHead {
		rt, ps = p.lookup(r.HTTP, http.MethodGet, r.Path)
	}
	if rt != nil {
		ex.route = rt
		r.Params = ps
		r.matched = true
		return
	}
	var allow []string
	for _, m := range routableMethods {
		if m == r.Method {
			continue
		}
		if h, _, _ := p.router.Lookup(m, r.Path); h != nil {
			allow = append(allow, m)
		}
	}
	if len(allow) > 0 {
		ex.Response.SetHeader("Allow", strings.Join(allow, ", "))
		ex.routeErr = apierror.NotFound("method " + r.Method + " not allowed").WithStatus(http.StatusMethodNotAllowed)
		return
	}
	ex.routeErr = apierror.NotFound("no route for " + r.Path)
}

func (p *Pipeline) newExchange(r *http.Request) *Exchange {
	start := p.clock.Now()
	id := uuid.NewString()

	ctx, span := p.tracer.Start(r.Context(), "HTTP "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("request.id", id),
		))

	req := &Request{
		HTTP:       r,
		ID:         id,
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.Query(),
		Header:     r.Header,
		RemoteAddr: r.RemoteAddr,
		ClientIP:   clientIP(r, p.trustProxy),
		TLS:        r.TLS != nil,
		Start:      start,
	}
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:  id,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: req.ClientIP,
		UserAgent:  r.UserAgent(),
		Start:      start,
	})
	ex := &Exchange{
		Request:   req,
		Response:  newResponse(),
		ctx:       ctx,
		clientCtx: r.Context(),
		clock:     p.clock,
		log:       p.log,
		span:      span,
	}
	ex.Response.SetHeader("X-Request-Id", id)
	ex.Response.SetHeader("Cache-Control", "no-store")
	return ex
}

func (p *Pipeline) recovered(ex *Exchange, where string, v any) error {
	p.log.ErrorContext(ex.ctx, "pipeline.panic",
		slog.String("where", where),
		slog.String("panic", fmt.Sprint(v)),
		slog.String("stack", string(debug.Stack())))
	return apierror.Internal(fmt.Errorf("panic in %s: %v", where, v))
}

func (p *Pipeline) serveStage(ex *Exchange, st Stage) (out Outcome) {
	defer func() {
		if v := recover(); v != nil {
			out = Fail(p.recovered(ex, st.Name(), v))
		}
	}()
	return st.Serve(ex)
}

func (p *Pipeline) callHandler(ex *Exchange) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = p.recovered(ex, "handler "+ex.route.Name, v)
		}
	}()
	return ex.route.Handler(ex)
}

func (p *Pipeline) invoke(ex *Exchange) {
	err := ex.ctx.Err()
	if err == nil {
		err = p.callHandler(ex)
	}
	switch {
	case ex.ClientGone():
		ex.fail(apierror.Canceled(ex.clientCtx.Err()))
	case errors.Is(ex.ctx.Err(), context.DeadlineExceeded):
		ex.fail(apierror.Infra(apierror.ReasonTimeout, ex.ctx.Err()).WithStatus(http.StatusGatewayTimeout))
	case err != nil:
		ex.fail(err)
	}
}

func (p *Pipeline) terminate(ex *Exchange) {
	if ex.terminated {
		return
	}
	ex.terminated = true
	defer func() {
		if v := recover(); v != nil {
			_ = p.recovered(ex, "terminator", v)
			ex.Response.Reset()
			ex.Response.Write(http.StatusInternalServerError, ContentTypeJSON, fallbackBody)
		}
	}()
	p.term.Terminate(ex)
}

func (p *Pipeline) finish(ex *Exchange) {
	for i := len(ex.entered) - 1; i >= 0; i-- {
		f, ok := ex.entered[i].(Finisher)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if v := recover(); v != nil {
					_ = p.recovered(ex, ex.entered[i].Name()+" finish", v)
				}
			}()
			f.Finish(ex)
		}()
	}
}

// run executes the forward walk, the handler, the terminator and the
// finishers. It never panics.
func (p *Pipeline) run(r *http.Request) *Exchange {
	ex := p.newExchange(r)
	p.resolve(ex)

	deadline := p.deadline
	if ex.route != nil && ex.route.Deadline > 0 {
		deadline = ex.route.Deadline
	}
	ex.ctx, ex.cancel = context.WithTimeout(ex.ctx, deadline)
	if ex.route != nil {
		ex.span.SetName(ex.route.Method + " " + ex.route.Pattern)
		ex.span.SetAttributes(attribute.String("http.route", ex.route.Pattern))
	}

	routed, routeOK := false, true
	checkRoute := func() bool {
		if !routed {
			routed = true
			if ex.routeErr != nil {
				ex.fail(ex.routeErr)
				routeOK = false
			}
		}
		return routeOK
	}

	stopped := false
	for s := Slot(0); s < numSlots && !stopped; s++ {
		if s > SlotGlobalRateLimit && !checkRoute() {
			stopped = true
			break
		}
		st := p.slots[s]
		if st == nil {
			continue
		}
		ex.entered = append(ex.entered, st)
		t0 := time.Now()
		out := p.serveStage(ex, st)
		d := time.Since(t0)
		ex.timings = append(ex.timings, Timing{Stage: st.Name(), Duration: d})
		p.metrics.ObserveStage(st.Name(), d)
		ex.AddEvent("stage." + st.Name())
		switch {
		case out.IsHalt():
			stopped = true
		case out.IsFail():
			ex.fail(out.Err())
			stopped = true
		}
	}
	if !stopped && checkRoute() {
		p.invoke(ex)
	}
	if ex.failure != nil {
		p.terminate(ex)
	}
	p.finish(ex)
	return ex
}

func (p *Pipeline) complete(ex *Exchange) {
	for i := len(ex.entered) - 1; i >= 0; i-- {
		c, ok := ex.entered[i].(Completer)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if v := recover(); v != nil {
					_ = p.recovered(ex, ex.entered[i].Name()+" complete", v)
				}
			}()
			c.Complete(ex)
		}()
	}

	status := ex.Response.Status()
	code := ""
	if f := ex.failure; f != nil {
		code = f.Code()
		status = f.HTTPStatus()
		ex.span.SetStatus(codes.Error, code)
		if f.Err != nil {
			ex.span.RecordError(f.Err)
		}
	}
	routeName := ""
	if ex.route != nil {
		routeName = ex.route.Name
	}
	p.metrics.ObserveRequest(routeName, ex.Request.Method, status, code, ex.Elapsed())
	ex.span.SetAttributes(attribute.Int("http.response.status_code", status))
	ex.span.End()
	ex.cancel()
}

// Dispatch runs the request through the pipeline and returns the response
// without writing it anywhere. It always returns a response.
func (p *Pipeline) Dispatch(r *http.Request) *Response {
	ex := p.run(r)
	p.complete(ex)
	return ex.Response
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := p.run(r)
	if ex.ClientGone() || (ex.failure != nil && ex.failure.Kind == apierror.KindCanceled) {
		ex.Response.MarkDiscarded()
	} else if err := ex.Response.Commit(w, r.Method == http.MethodHead); err != nil {
		p.log.DebugContext(ex.ctx, "response.write.fail", slog.String("err", err.Error()))
	}
	p.complete(ex)
}

var _ http.Handler = (*Pipeline)(nil)
