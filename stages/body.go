package stages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/klauspost/compress/gzip"
)

// DefaultBodyMaxBytes caps request bodies when BodyParse is given no limit.
const DefaultBodyMaxBytes = 1 << 20

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")

	errBodyTooLarge = errors.New("request body exceeds limit")
)

// BodyParse reads and decodes the request body under a size cap. JSON is
// decoded with UseNumber into Request.Value; urlencoded forms into
// Request.Form. Gzip-encoded bodies are inflated under the same cap.
type BodyParse struct {
	maxBytes int64
}

func NewBodyParse(maxBytes int64) *BodyParse {
	if maxBytes <= 0 {
		maxBytes = DefaultBodyMaxBytes
	}
	return &BodyParse{maxBytes: maxBytes}
}

func (b *BodyParse) Name() string { return "body-parse" }

func tooLarge(limit int64) *apierror.Error {
	return apierror.Validation(fmt.Sprintf("body exceeds %d bytes", limit), nil).
		WithStatus(http.StatusRequestEntityTooLarge)
}

func unsupported(detail string) *apierror.Error {
	return apierror.Validation(detail, nil).WithStatus(http.StatusUnsupportedMediaType)
}

// readCapped reads at most limit bytes from r and fails when more remain.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > limit {
		return nil, errBodyTooLarge
	}
	return buf, nil
}

func (b *BodyParse) Serve(ex *pipeline.Exchange) pipeline.Outcome {
	req := ex.Request
	hr := req.HTTP
	if hr == nil || hr.Body == nil || hr.Body == http.NoBody {
		return pipeline.Continue()
	}
	if hr.ContentLength > b.maxBytes {
		return pipeline.Fail(tooLarge(b.maxBytes))
	}

	raw, err := readCapped(hr.Body, b.maxBytes)
	_ = hr.Body.Close()
	switch {
	case errors.Is(err, errBodyTooLarge):
		return pipeline.Fail(tooLarge(b.maxBytes))
	case err != nil:
		if ex.ClientGone() {
			return pipeline.Fail(apierror.Canceled(err))
		}
		return pipeline.Fail(apierror.Fieldf("body", "could not be read"))
	}
	if len(raw) == 0 {
		return pipeline.Continue()
	}

	switch enc := strings.ToLower(strings.TrimSpace(hr.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return pipeline.Fail(apierror.Fieldf("body", "is not valid gzip"))
		}
		raw, err = readCapped(zr, b.maxBytes)
		_ = zr.Close()
		if errors.Is(err, errBodyTooLarge) {
			return pipeline.Fail(tooLarge(b.maxBytes))
		}
		if err != nil {
			return pipeline.Fail(apierror.Fieldf("body", "is not valid gzip"))
		}
	default:
		return pipeline.Fail(unsupported("content encoding " + enc))
	}

	// Handlers that want the raw bytes can still read the transport body.
	req.Body = raw
	hr.Body = io.NopCloser(bytes.NewReader(raw))

	mt, err := contenttype.GetMediaType(hr)
	if err != nil {
		return pipeline.Fail(unsupported("missing or invalid content type"))
	}
	switch {
	case mt.Matches(jsonMediaType):
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return pipeline.Fail(apierror.Fieldf("body", "must be valid JSON"))
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return pipeline.Fail(apierror.Fieldf("body", "must hold a single JSON value"))
		}
		req.Value = v
	case mt.Matches(formMediaType):
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return pipeline.Fail(apierror.Fieldf("body", "must be a valid urlencoded form"))
		}
		req.Form = form
	default:
		return pipeline.Fail(unsupported("content type " + mt.Type + "/" + mt.Subtype))
	}
	return pipeline.Continue()
}
