package stages

import (
	"net/http"

	"github.com/ggoodman/cashback-api/pipeline"
)

// DefaultContentSecurityPolicy suits a JSON API that serves no documents.
const DefaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

// SecurityHeaders sets the fixed response headers every response carries.
type SecurityHeaders struct {
	csp  string
	hsts string
}

// NewSecurityHeaders returns the stage. HSTS is emitted only when hsts is
// true, for deployments whose TLS terminates upstream.
func NewSecurityHeaders(csp string, hsts bool) *SecurityHeaders {
	if csp == "" {
		csp = DefaultContentSecurityPolicy
	}
	s := &SecurityHeaders{csp: csp}
	if hsts {
		s.hsts = "max-age=31536000; includeSubDomains"
	}
	return s
}

func (*SecurityHeaders) Name() string { return "security-headers" }

func (s *SecurityHeaders) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	s.Apply(ex.Response)
	return pipeline.Continue()
}

// Apply writes the headers to resp. The terminator also calls it so that
// failures raised before this stage carry them.
func (s *SecurityHeaders) Apply(resp *pipeline.Response) { s.each(resp.SetHeader) }

// ApplyHeader writes the headers to h, for handlers mounted outside the
// pipeline.
func (s *SecurityHeaders) ApplyHeader(h http.Header) { s.each(h.Set) }

func (s *SecurityHeaders) each(set func(name, value string)) {
	set("Content-Security-Policy", s.csp)
	set("X-Content-Type-Options", "nosniff")
	set("X-Frame-Options", "DENY")
	set("Referrer-Policy", "no-referrer")
	if s.hsts != "" {
		set("Strict-Transport-Security", s.hsts)
	}
}
