package pipeline

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	ContentTypeJSON = "application/json; charset=utf-8"

	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// Envelope is the success body shape.
type Envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Meta    any  `json:"meta,omitempty"`
}

// Response accumulates the outgoing response. Once written, every mutator is
// a no-op and Header returns a detached copy.
type Response struct {
	status      int
	header      http.Header
	body        []byte
	value       any
	hasValue    bool
	coreCookies []*http.Cookie
	cookies     []*http.Cookie

	noStore    bool
	cacheable  bool
	compressed bool
	written    bool
	bytesOut   int
}

func newResponse() *Response {
	return &Response{status: http.StatusOK, header: http.Header{}}
}

// Written reports whether the response has been committed.
func (r *Response) Written() bool { return r.written }

func (r *Response) Status() int { return r.status }

func (r *Response) SetStatus(status int) {
	if r.written {
		return
	}
	r.status = status
}

// Header returns the header map. After the response is written the returned
// map is a copy and changes to it are dropped.
func (r *Response) Header() http.Header {
	if r.written {
		return r.header.Clone()
	}
	return r.header
}

func (r *Response) SetHeader(name, value string) {
	if r.written {
		return
	}
	r.header.Set(name, value)
}

func (r *Response) AddHeader(name, value string) {
	if r.written {
		return
	}
	r.header.Add(name, value)
}

// AddVary appends token to Vary unless already present.
func (r *Response) AddVary(token string) {
	if r.written {
		return
	}
	for _, v := range r.header.Values("Vary") {
		if http.CanonicalHeaderKey(v) == http.CanonicalHeaderKey(token) {
			return
		}
	}
	r.header.Add("Vary", token)
}

// JSON sets a value serialized when the body is first needed.
func (r *Response) JSON(status int, v any) {
	if r.written {
		return
	}
	r.status = status
	r.value = v
	r.hasValue = true
	r.body = nil
	r.header.Set("Content-Type", ContentTypeJSON)
}

// OK writes the success envelope around data.
func (r *Response) OK(status int, data any) {
	r.JSON(status, Envelope{Success: true, Data: data})
}

// OKMeta writes the success envelope with meta.
func (r *Response) OKMeta(status int, data, meta any) {
	r.JSON(status, Envelope{Success: true, Data: data, Meta: meta})
}

// Write sets a raw body.
func (r *Response) Write(status int, contentType string, body []byte) {
	if r.written {
		return
	}
	r.status = status
	r.body = body
	r.value = nil
	r.hasValue = false
	if contentType != "" {
		r.header.Set("Content-Type", contentType)
	}
}

// Empty sets a bodiless response.
func (r *Response) Empty(status int) {
	r.Write(status, "", nil)
	if !r.written {
		r.header.Del("Content-Type")
	}
}

// Bytes returns the body, serializing a JSON value on first use.
func (r *Response) Bytes() ([]byte, error) {
	if r.hasValue && r.body == nil {
		b, err := json.Marshal(r.value)
		if err != nil {
			return nil, err
		}
		r.body = b
	}
	return r.body, nil
}

// SetBody replaces the serialized body, as compression does.
func (r *Response) SetBody(b []byte) {
	if r.written {
		return
	}
	r.body = b
	r.value = nil
	r.hasValue = false
}

// Reset discards body, handler cookies and content headers, keeping headers
// set by stages (security, rate limit, request id).
func (r *Response) Reset() {
	if r.written {
		return
	}
	r.status = http.StatusOK
	r.body = nil
	r.value = nil
	r.hasValue = false
	r.cookies = nil
	r.cacheable = false
	r.header.Del("Content-Type")
	r.header.Del("Content-Encoding")
	r.header.Del("Content-Length")
}

// SetCookie adds a handler cookie. Handler cookies make a response
// uncacheable.
func (r *Response) SetCookie(c *http.Cookie) {
	if r.written || c == nil {
		return
	}
	r.cookies = append(r.cookies, c)
}

// SetCoreCookie adds a cookie issued by the pipeline itself (CSRF),
// replacing an earlier core cookie of the same name. Core cookies do not
// affect cacheability.
func (r *Response) SetCoreCookie(c *http.Cookie) {
	if r.written || c == nil {
		return
	}
	for i, have := range r.coreCookies {
		if have.Name == c.Name {
			r.coreCookies[i] = c
			return
		}
	}
	r.coreCookies = append(r.coreCookies, c)
}

// HandlerSetCookie reports whether the handler set any cookie.
func (r *Response) HandlerSetCookie() bool { return len(r.cookies) > 0 }

// Cookies returns core and handler cookies.
func (r *Response) Cookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(r.coreCookies)+len(r.cookies))
	out = append(out, r.coreCookies...)
	return append(out, r.cookies...)
}

// MarkNoStore forbids caching of this response.
func (r *Response) MarkNoStore() {
	if r.written {
		return
	}
	r.noStore = true
}

func (r *Response) NoStore() bool { return r.noStore }

func (r *Response) SetCacheable(v bool) {
	if r.written {
		return
	}
	r.cacheable = v
}

func (r *Response) Cacheable() bool { return r.cacheable }

func (r *Response) SetCompressed() {
	if r.written {
		return
	}
	r.compressed = true
}

func (r *Response) Compressed() bool { return r.compressed }

// BytesWritten is the body length sent to the client.
func (r *Response) BytesWritten() int { return r.bytesOut }

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// Commit writes the response to w. It runs at most once.
func (r *Response) Commit(w http.ResponseWriter, head bool) error {
	if r.written {
		return nil
	}
	b, err := r.Bytes()
	if err != nil {
		r.status = http.StatusInternalServerError
		b = fallbackBody
		r.header.Set("Content-Type", ContentTypeJSON)
	}
	dst := w.Header()
	for k, vs := range r.header {
		dst[k] = append([]string(nil), vs...)
	}
	for _, c := range r.Cookies() {
		http.SetCookie(w, c)
	}
	if bodyAllowed(r.status) {
		dst.Set("Content-Length", strconv.Itoa(len(b)))
	} else {
		b = nil
	}
	r.written = true
	w.WriteHeader(r.status)
	if head || len(b) == 0 {
		return err
	}
	n, werr := w.Write(b)
	r.bytesOut = n
	if werr != nil {
		return werr
	}
	return err
}

// MarkDiscarded records that nothing will be sent (the client is gone).
func (r *Response) MarkDiscarded() { r.written = true }

// fallbackBody is emitted when the terminator itself fails.
var fallbackBody = []byte(`{"success":false,"code":"INTERNAL","message":"Internal server error"}`)
