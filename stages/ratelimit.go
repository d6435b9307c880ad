package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/metrics"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/ratelimit"
)

// AccessTokenCookie is the cookie the bearer token may arrive in.
const AccessTokenCookie = "access_token"

// Limiter counts requests against a bucket.
type Limiter interface {
	Allow(ctx context.Context, b ratelimit.Bucket, subject string) (*ratelimit.Decision, error)
}

// Peeker extracts the subject of an access token without consulting the
// store. Signature and expiry are still checked.
type Peeker interface {
	Peek(raw string) (string, bool)
}

// RateLimit is a fixed-window limiter stage. The global variant counts
// every request against one bucket; the route variant uses the bucket named
// by the matched route and does nothing for routes without one.
type RateLimit struct {
	name    string
	limiter Limiter
	peek    Peeker
	metrics *metrics.Metrics

	global   ratelimit.Bucket
	buckets  map[string]ratelimit.Bucket
	failOpen bool
	attr     *pipeline.Key[*ratelimit.Decision]
}

// RateLimitOption configures a RateLimit stage.
type RateLimitOption func(*RateLimit)

func WithPeeker(p Peeker) RateLimitOption { return func(r *RateLimit) { r.peek = p } }

func WithRateLimitMetrics(m *metrics.Metrics) RateLimitOption {
	return func(r *RateLimit) { r.metrics = m }
}

// WithFailOpen lets requests through, without rate-limit headers, when the
// store cannot be reached.
func WithFailOpen() RateLimitOption { return func(r *RateLimit) { r.failOpen = true } }

// NewGlobalRateLimit limits every request against b.
func NewGlobalRateLimit(l Limiter, b ratelimit.Bucket, opts ...RateLimitOption) *RateLimit {
	r := &RateLimit{name: "rate-limit-global", limiter: l, global: b, attr: pipeline.AttrRateLimitGlobal}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRouteRateLimit limits requests against the bucket their route names.
func NewRouteRateLimit(l Limiter, buckets map[string]ratelimit.Bucket, opts ...RateLimitOption) *RateLimit {
	r := &RateLimit{name: "rate-limit-route", limiter: l, buckets: buckets, attr: pipeline.AttrRateLimitRoute}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RateLimit) Name() string { return r.name }

func (r *RateLimit) bucket(ex *pipeline.Exchange) (ratelimit.Bucket, bool, error) {
	if r.buckets == nil {
		return r.global, true, nil
	}
	rt := ex.Route()
	if rt == nil || rt.RateLimit == "" {
		return ratelimit.Bucket{}, false, nil
	}
	b, ok := r.buckets[rt.RateLimit]
	if !ok {
		return ratelimit.Bucket{}, false, fmt.Errorf("route %s names unknown rate-limit bucket %q", rt.Name, rt.RateLimit)
	}
	return b, true, nil
}

// subject keys the counter by verified token subject, else by client IP.
// The peeked subject is shared between the two limiter stages.
func (r *RateLimit) subject(req *pipeline.Request) string {
	sub, ok := pipeline.AttrPeekedSubject.Get(req)
	if !ok {
		if r.peek != nil {
			if tok := req.BearerToken(AccessTokenCookie); tok != "" {
				sub, _ = r.peek.Peek(tok)
			}
		}
		_ = pipeline.AttrPeekedSubject.Set(req, sub)
	}
	if sub != "" {
		return ratelimit.UserSubject(sub)
	}
	if req.ClientIP != "" {
		return ratelimit.IPSubject(req.ClientIP)
	}
	return ""
}

func (r *RateLimit) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	b, ok, err := r.bucket(ex)
	if err != nil {
		return pipeline.Fail(apierror.Internal(err))
	}
	if !ok {
		return pipeline.Continue()
	}
	req := ex.Request
	subject := r.subject(req)
	if subject == "" {
		return pipeline.Fail(apierror.Fieldf("client", "no principal or client address to rate limit"))
	}

	d, err := r.limiter.Allow(ex.Context(), b, subject)
	if err != nil {
		if r.failOpen && apierror.IsKind(err, apierror.KindInfra) {
			ex.Logger().WarnContext(ex.Context(), "ratelimit.skip",
				slog.String("bucket", b.Name), slog.String("err", err.Error()))
			return pipeline.Continue()
		}
		return pipeline.Fail(err)
	}
	_ = r.attr.Set(req, d)

	global, _ := pipeline.AttrRateLimitGlobal.Get(req)
	route, _ := pipeline.AttrRateLimitRoute.Get(req)
	ratelimit.Tighter(global, route).Headers(ex.Response.Header())

	if !d.Allowed {
		r.metrics.RateLimited(b.Name)
		return pipeline.Fail(apierror.RateLimited(b.Name, d.RetryAfter))
	}
	return pipeline.Continue()
}
