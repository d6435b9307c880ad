package stages

import (
	"log/slog"
	"net/http"

	"github.com/ggoodman/cashback-api/metrics"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/respcache"
)

// Cache serves anonymous GETs of cacheable routes from the response cache
// and, on the way out, stores responses that pass the cache's write gate.
type Cache struct {
	cache   *respcache.Cache
	metrics *metrics.Metrics
}

func NewCache(c *respcache.Cache, m *metrics.Metrics) *Cache {
	return &Cache{cache: c, metrics: m}
}

func (*Cache) Name() string { return "cache-read" }

func (c *Cache) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	req, resp := ex.Request, ex.Response
	rt := ex.Route()
	if rt == nil || rt.CacheTTL <= 0 {
		return pipeline.Continue()
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return pipeline.Continue()
	}
	if !req.Principal().IsAnonymous() {
		return pipeline.Continue()
	}

	key := respcache.Key(http.MethodGet, req.Path, req.Query, req.Header)
	_ = pipeline.AttrCacheKey.Set(req, key)

	e, ok := c.cache.Lookup(ex.Context(), key)
	if !ok {
		_ = pipeline.AttrCacheResult.Set(req, pipeline.CacheMiss)
		c.metrics.CacheLookup("miss")
		resp.SetHeader("X-Cache", pipeline.CacheMiss)
		return pipeline.Continue()
	}
	_ = pipeline.AttrCacheResult.Set(req, pipeline.CacheHit)
	c.metrics.CacheLookup("hit")
	resp.Write(e.Status, e.ContentType, e.Body)
	resp.SetHeader("X-Cache", pipeline.CacheHit)
	resp.SetHeader("Cache-Control", e.MaxAge(c.cache.Now()))
	return pipeline.Halt()
}

// Finish is the cache write. Store failures are logged and dropped.
func (c *Cache) Finish(ex *pipeline.Exchange) {
	req, resp := ex.Request, ex.Response
	if res, _ := pipeline.AttrCacheResult.Get(req); res != pipeline.CacheMiss {
		return
	}
	key, ok := pipeline.AttrCacheKey.Get(req)
	if !ok || ex.Failure() != nil {
		return
	}
	body, err := resp.Bytes()
	if err != nil {
		return
	}
	rt := ex.Route()
	cand := respcache.Candidate{
		Method:    req.Method,
		Anonymous: req.Principal().IsAnonymous(),
		Status:    resp.Status(),
		SetCookie: resp.HandlerSetCookie(),
		BodySize:  len(body),
		NoStore:   resp.NoStore(),
		TTL:       rt.CacheTTL,
	}
	if !c.cache.Admits(cand) {
		return
	}
	e := &respcache.Entry{
		Status:      resp.Status(),
		Body:        body,
		ContentType: resp.Header().Get("Content-Type"),
		CreatedAt:   c.cache.Now(),
		TTL:         rt.CacheTTL,
	}
	if err := c.cache.Store(ex.Context(), key, e); err != nil {
		ex.Logger().WarnContext(ex.Context(), "cache.write.fail", slog.String("err", err.Error()))
		return
	}
	resp.SetCacheable(true)
	resp.SetHeader("Cache-Control", e.MaxAge(e.CreatedAt))
}

var _ pipeline.Finisher = (*Cache)(nil)
