package stages

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/pipeline"
)

var (
	defaultCORSMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	defaultCORSHeaders = []string{"Authorization", "Content-Type", "X-CSRF-Token", "X-API-Key", "X-Request-Id"}
	corsExposed        = []string{"X-Request-Id", "X-CSRF-Token", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", "X-Cache"}
)

// CORSConfig configures the cross-origin stage.
type CORSConfig struct {
	// Origins is the allow-list. "*" admits every origin.
	Origins          []string
	AllowCredentials bool
	Methods          []string
	Headers          []string
	MaxAge           time.Duration
}

// CORS applies the cross-origin policy and answers preflight requests.
type CORS struct {
	origins     []string
	wildcard    bool
	credentials bool
	methods     string
	headers     string
	exposed     string
	maxAge      string
}

func NewCORS(cfg CORSConfig) *CORS {
	c := &CORS{credentials: cfg.AllowCredentials}
	for _, o := range cfg.Origins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "*" {
			c.wildcard = true
			continue
		}
		if o != "" {
			c.origins = append(c.origins, strings.ToLower(o))
		}
	}
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := cfg.Headers
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	c.methods = strings.Join(methods, ", ")
	c.headers = strings.Join(headers, ", ")
	c.exposed = strings.Join(corsExposed, ", ")
	c.maxAge = strconv.Itoa(int(maxAge / time.Second))
	return c
}

func (c *CORS) Name() string { return "cors" }

func (c *CORS) allowed(origin string) bool {
	return c.wildcard || slices.Contains(c.origins, strings.ToLower(origin))
}

func (c *CORS) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	req, resp := ex.Request, ex.Response
	resp.AddVary("Origin")

	origin := req.Header.Get("Origin")
	preflight := req.Method == http.MethodOptions && req.Header.Get("Access-Control-Request-Method") != ""
	if origin == "" {
		return pipeline.Continue()
	}
	if !c.allowed(origin) {
		if preflight {
			return pipeline.Fail(apierror.Forbidden("origin " + origin + " not allowed"))
		}
		return pipeline.Continue()
	}

	if c.wildcard && !c.credentials {
		resp.SetHeader("Access-Control-Allow-Origin", "*")
	} else {
		resp.SetHeader("Access-Control-Allow-Origin", origin)
	}
	if c.credentials {
		resp.SetHeader("Access-Control-Allow-Credentials", "true")
	}
	if !preflight {
		resp.SetHeader("Access-Control-Expose-Headers", c.exposed)
		return pipeline.Continue()
	}

	resp.AddVary("Access-Control-Request-Method")
	resp.AddVary("Access-Control-Request-Headers")
	resp.SetHeader("Access-Control-Allow-Methods", c.methods)
	resp.SetHeader("Access-Control-Allow-Headers", c.headers)
	resp.SetHeader("Access-Control-Max-Age", c.maxAge)
	resp.Empty(http.StatusNoContent)
	return pipeline.Halt()
}
