// Package httpapi assembles the service: it opens the key/value store, builds
// every collaborator on top of it, installs the pipeline stages in slot
// order and mounts the pipeline next to the health and metrics endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/ggoodman/cashback-api/apikeys"
	"github.com/ggoodman/cashback-api/authapi"
	"github.com/ggoodman/cashback-api/config"
	"github.com/ggoodman/cashback-api/csrf"
	"github.com/ggoodman/cashback-api/health"
	"github.com/ggoodman/cashback-api/internal/catalog"
	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/internal/jwtauth"
	"github.com/ggoodman/cashback-api/metrics"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/ratelimit"
	"github.com/ggoodman/cashback-api/respcache"
	"github.com/ggoodman/cashback-api/sanitize"
	"github.com/ggoodman/cashback-api/stages"
	"github.com/ggoodman/cashback-api/storage"
	"github.com/ggoodman/cashback-api/storage/memory"
	"github.com/ggoodman/cashback-api/storage/redis"
	"github.com/ggoodman/cashback-api/tokens"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

const (
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

// ErrKVEndpoint is returned for a kvEndpoint with an unsupported scheme.
var ErrKVEndpoint = errors.New("httpapi: kvEndpoint must use the memory, redis or rediss scheme")

// ErrCacheRoute is returned when cacheTtls names a route that does not exist.
var ErrCacheRoute = errors.New("httpapi: cacheTtls names an unknown route")

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	log      *slog.Logger
	clock    clock.Clock
	store    storage.Store
	tracer   trace.TracerProvider
	registry *prometheus.Registry
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *serverConfig) {
		if l != nil {
			c.log = l
		}
	}
}

func WithClock(cl clock.Clock) Option { return func(c *serverConfig) { c.clock = clock.OrSystem(cl) } }

// WithStore uses s instead of opening kvEndpoint. The server closes it.
func WithStore(s storage.Store) Option { return func(c *serverConfig) { c.store = s } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *serverConfig) { c.tracer = tp }
}

// WithRegistry registers metrics on reg and serves it at /metrics. By
// default a fresh registry with the Go and process collectors is used.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *serverConfig) { c.registry = reg }
}

// Server owns the assembled service.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	store    storage.Store
	tokens   *tokens.Service
	keys     *apikeys.Store
	ids      *catalog.Identities
	catalog  *catalog.Catalog
	cache    *respcache.Cache
	pipeline *pipeline.Pipeline
	security *stages.SecurityHeaders
	probe    *health.Probe
	registry *prometheus.Registry
	mux      *http.ServeMux
}

// OpenStore opens the store named by cfg.KVEndpoint. memory:// selects the
// in-process store; redis:// and rediss:// URLs select Redis.
func OpenStore(cfg *config.Config, log *slog.Logger, c clock.Clock) (storage.Store, error) {
	u, err := url.Parse(cfg.KVEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKVEndpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return memory.New(0, memory.WithClock(c))
	case "redis", "rediss":
		return redis.New(redis.Config{
			URL:         cfg.KVEndpoint,
			KeyPrefix:   cfg.KVKeyPrefix,
			OpTimeout:   cfg.KVTimeout(),
			MaxFailures: cfg.KVMaxReconnect,
			Logger:      log,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrKVEndpoint, u.Scheme)
	}
}

// New builds the service described by cfg.
func New(cfg *config.Config, opts ...Option) (srv *Server, err error) {
	sc := serverConfig{log: slog.Default(), clock: clock.System{}}
	for _, opt := range opts {
		opt(&sc)
	}
	if sc.registry == nil {
		sc.registry = prometheus.NewRegistry()
		sc.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	store := sc.store
	if store == nil {
		if store, err = OpenStore(cfg, sc.log, sc.clock); err != nil {
			return nil, err
		}
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	codec, err := jwtauth.NewCodec([]byte(cfg.TokenSigningKey), jwtauth.WithClock(sc.clock), jwtauth.WithIssuer(cfg.TokenIssuer))
	if err != nil {
		return nil, err
	}
	tok, err := tokens.New(store, codec, tokens.Config{
		AccessTTL:         cfg.AccessTTL(),
		RefreshTTL:        cfg.RefreshTTL(),
		MaxRefreshPerUser: cfg.MaxRefreshTokensPerUser,
	}, tokens.WithClock(sc.clock), tokens.WithLogger(sc.log))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		log:      sc.log,
		store:    store,
		tokens:   tok,
		keys:     apikeys.New(store, sc.clock),
		ids:      catalog.NewIdentities(),
		registry: sc.registry,
		cache: respcache.New(store,
			respcache.WithClock(sc.clock),
			respcache.WithLogger(sc.log),
			respcache.WithMaxBytes(cfg.ResponseCacheMaxBytes)),
	}
	s.catalog = catalog.New(s.ids,
		catalog.WithInvalidator(s.cache),
		catalog.WithClock(sc.clock),
		catalog.WithLogger(sc.log))

	m := metrics.New(sc.registry)
	if err := s.buildPipeline(m, sc); err != nil {
		return nil, err
	}

	probeOpts := []health.Option{
		health.WithClock(sc.clock),
		health.WithLogger(sc.log),
		health.WithIdentity(health.CheckerFunc(s.ids.Check)),
	}
	if hr, ok := store.(storage.HealthReporter); ok {
		probeOpts = append(probeOpts, health.WithStore(hr))
	}
	s.probe = health.New(cfg.Version, probeOpts...)

	s.mux = http.NewServeMux()
	s.mux.Handle("GET "+HealthPath, s.outsidePipeline(s.probe))
	s.mux.Handle("GET "+MetricsPath, s.outsidePipeline(promhttp.HandlerFor(sc.registry, promhttp.HandlerOpts{Registry: sc.registry})))
	s.mux.Handle("/", s.pipeline)
	return s, nil
}

func (s *Server) buildPipeline(m *metrics.Metrics, sc serverConfig) error {
	cfg := s.cfg
	buckets := cfg.Buckets()
	global, ok := buckets[ratelimit.BucketGlobal]
	if !ok {
		return fmt.Errorf("%w: rateLimits must define the %q bucket", config.ErrInvalid, ratelimit.BucketGlobal)
	}
	secure := cfg.Production()

	security := stages.NewSecurityHeaders(cfg.ContentSecurityPolicy, cfg.HSTS)
	s.security = security
	popts := []pipeline.Option{
		pipeline.WithLogger(s.log),
		pipeline.WithClock(sc.clock),
		pipeline.WithDeadline(cfg.HandlerDeadline()),
		pipeline.WithMetrics(m),
		pipeline.WithTrustProxy(cfg.TrustProxy),
	}
	if sc.tracer != nil {
		popts = append(popts, pipeline.WithTracerProvider(sc.tracer))
	}
	p, err := pipeline.New(stages.NewTerminator(cfg.Production(), stages.WithSecurityHeaders(security)), popts...)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(s.store, sc.clock)
	csrfSvc := csrf.New(cfg.CSRFMaxAge())
	var cors *stages.CORS
	if len(cfg.CORSOrigins) > 0 {
		cors = stages.NewCORS(stages.CORSConfig{Origins: cfg.CORSOrigins, AllowCredentials: true})
	}
	err = stages.Install(p, stages.Set{
		CORS:            cors,
		BodyParse:       stages.NewBodyParse(cfg.BodyMaxBytes),
		Compress:        stages.NewCompress(0, 0),
		Perf:            stages.NewPerf(),
		RequestLog:      stages.NewRequestLog(cfg.SlowRequest()),
		SecurityHeaders: security,
		Sanitize:        stages.NewSanitize(sanitize.DefaultLimits),
		SetCSRF:         stages.NewSetCSRF(csrfSvc, secure),
		GlobalRateLimit: stages.NewGlobalRateLimit(limiter, global,
			stages.WithPeeker(s.tokens), stages.WithRateLimitMetrics(m), stages.WithFailOpen()),
		RouteRateLimit: stages.NewRouteRateLimit(limiter, buckets,
			stages.WithPeeker(s.tokens), stages.WithRateLimitMetrics(m)),
		APIKey:     stages.NewAPIKey(s.keys),
		VerifyCSRF: stages.NewVerifyCSRF(csrfSvc),
		Auth:       stages.NewAuth(s.tokens),
		Cache:      stages.NewCache(s.cache, m),
	})
	if err != nil {
		return err
	}

	routes := authapi.New(s.tokens, s.ids, csrfSvc, authapi.WithSecureCookies(secure)).Routes()
	routes = append(routes, s.catalog.Routes()...)
	names := make([]string, 0, len(routes))
	for _, rt := range routes {
		if ttl, ok := cfg.CacheTTL(rt.Name); ok {
			rt.CacheTTL = ttl
		}
		if err := p.Handle(rt); err != nil {
			return err
		}
		names = append(names, rt.Name)
	}
	for name := range cfg.CacheTTLs {
		if !slices.Contains(names, name) {
			return fmt.Errorf("%w: %q", ErrCacheRoute, name)
		}
	}
	s.pipeline = p
	return nil
}

// outsidePipeline gives h the fixed headers every pipeline response carries.
func (s *Server) outsidePipeline(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.security.ApplyHeader(w.Header())
		w.Header().Set("X-Request-Id", uuid.NewString())
		h.ServeHTTP(w, r)
	})
}

// Handler serves /healthz, /metrics and the API.
func (s *Server) Handler() http.Handler { return s.mux }

// Pipeline exposes the request pipeline, mostly for tests.
func (s *Server) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Catalog exposes the catalog collaborator.
func (s *Server) Catalog() *catalog.Catalog { return s.catalog }

// APIKeys exposes the API key store.
func (s *Server) APIKeys() *apikeys.Store { return s.keys }

// Health runs the health probe.
func (s *Server) Health(ctx context.Context) health.Report { return s.probe.Check(ctx) }

// Close releases the store.
func (s *Server) Close() error { return s.store.Close() }
