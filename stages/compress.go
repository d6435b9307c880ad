package stages

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/klauspost/compress/gzip"
)

// DefaultCompressMinBytes is the smallest body Compress will encode.
const DefaultCompressMinBytes = 1024

var attrAcceptsGzip = pipeline.NewKey[bool]("compress.gzip")

// Compress negotiates Accept-Encoding on the way in and gzip-encodes
// compressible bodies on the way out.
type Compress struct {
	minBytes int
	pool     sync.Pool
}

func NewCompress(minBytes, level int) *Compress {
	if minBytes <= 0 {
		minBytes = DefaultCompressMinBytes
	}
	if level == 0 {
		level = gzip.DefaultCompression
	}
	c := &Compress{minBytes: minBytes}
	c.pool.New = func() any {
		w, err := gzip.NewWriterLevel(nil, level)
		if err != nil {
			w = gzip.NewWriter(nil)
		}
		return w
	}
	return c
}

func (c *Compress) Name() string { return "compress" }

func (c *Compress) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	_ = attrAcceptsGzip.Set(ex.Request, acceptsGzip(ex.Request.Header.Values("Accept-Encoding")))
	return pipeline.Continue()
}

// Finish encodes the finalized body.
func (c *Compress) Finish(ex *pipeline.Exchange) {
	resp := ex.Response
	if resp.Compressed() || bodyless(resp.Status()) || resp.Header().Get("Content-Encoding") != "" {
		return
	}
	if !compressible(resp.Header().Get("Content-Type")) {
		return
	}
	body, err := resp.Bytes()
	if err != nil || len(body) < c.minBytes {
		return
	}
	resp.AddVary("Accept-Encoding")
	if ok, _ := attrAcceptsGzip.Get(ex.Request); !ok {
		return
	}

	var buf bytes.Buffer
	zw := c.pool.Get().(*gzip.Writer)
	defer c.pool.Put(zw)
	zw.Reset(&buf)
	if _, err := zw.Write(body); err != nil {
		return
	}
	if err := zw.Close(); err != nil {
		return
	}
	resp.SetBody(buf.Bytes())
	resp.SetHeader("Content-Encoding", "gzip")
	resp.SetCompressed()
}

func compressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case ct == "":
		return false
	case strings.HasPrefix(ct, "text/"),
		strings.HasPrefix(ct, "application/json"),
		strings.HasPrefix(ct, "application/javascript"),
		strings.HasPrefix(ct, "application/xml"),
		strings.Contains(ct, "+json"),
		strings.Contains(ct, "+xml"):
		return true
	}
	return false
}

// acceptsGzip reports whether the Accept-Encoding values admit gzip with a
// non-zero quality, either by name or through "*".
func acceptsGzip(values []string) bool {
	gzipQ, starQ := -1.0, -1.0
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			q := 1.0
			for _, p := range strings.Split(params, ";") {
				k, val, ok := strings.Cut(strings.TrimSpace(p), "=")
				if ok && strings.EqualFold(k, "q") {
					f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
					if err != nil {
						f = 0
					}
					q = f
				}
			}
			switch strings.ToLower(strings.TrimSpace(coding)) {
			case "gzip", "x-gzip":
				gzipQ = q
			case "*":
				starQ = q
			}
		}
	}
	if gzipQ >= 0 {
		return gzipQ > 0
	}
	return starQ > 0
}

var _ pipeline.Finisher = (*Compress)(nil)

// bodyless reports statuses that never carry a body.
func bodyless(status int) bool {
	return status < 200 || status == http.StatusNoContent || status == http.StatusNotModified
}
