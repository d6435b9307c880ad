package pipeline

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/cashback-api/auth"
	"github.com/julienschmidt/httprouter"
)

// Request is the pipeline's view of an inbound request. The runtime owns it
// for the duration of the request; stages read it and write attributes.
type Request struct {
	// HTTP is the transport request. Its body is consumed by the body-parse
	// stage and replaced with the sanitized JSON bytes.
	HTTP *http.Request

	ID         string
	Method     string
	Path       string
	Query      url.Values
	Header     http.Header
	RemoteAddr string
	// ClientIP is derived from RemoteAddr, or from X-Forwarded-For when the
	// pipeline trusts its proxy. Empty when neither yields an address.
	ClientIP string
	TLS      bool
	// Start is the wall-clock time of entry. It carries a monotonic reading
	// when taken from the system clock.
	Start time.Time

	// Params are the route parameters.
	Params httprouter.Params

	// Body is the raw (inflated) request body.
	Body []byte
	// Value is the decoded JSON body (decoded with UseNumber), if any.
	Value any
	// Form holds a decoded urlencoded body.
	Form url.Values

	attrs   attrBag
	matched bool
}

// Matched reports whether a route handler was found for the request.
func (r *Request) Matched() bool { return r.matched }

// Principal returns the attached principal, or the anonymous principal.
func (r *Request) Principal() *auth.Principal {
	if p, ok := AttrPrincipal.Get(r); ok && p != nil {
		return p
	}
	return auth.Anonymous()
}

// Param returns a route parameter.
func (r *Request) Param(name string) string { return r.Params.ByName(name) }

// Cookie returns the named cookie value or "".
func (r *Request) Cookie(name string) string {
	if r.HTTP == nil {
		return ""
	}
	c, err := r.HTTP.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// BearerToken extracts the token from Authorization (scheme matched
// case-insensitively) or, failing that, from cookie.
func (r *Request) BearerToken(cookie string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if cookie != "" {
		return r.Cookie(cookie)
	}
	return ""
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}
