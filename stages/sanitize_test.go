package stages

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/sanitize"
)

func sanitizeSet() Set {
	return Set{
		CORS:      NewCORS(CORSConfig{}),
		BodyParse: NewBodyParse(1 << 16),
		Sanitize:  NewSanitize(sanitize.DefaultLimits),
	}
}

func TestSanitize_OperatorKeysDroppedBeforeHandler(t *testing.T) {
	var seen string
	search := pipeline.Route{Method: "POST", Pattern: "/api/search", Public: true, Handler: func(ex *pipeline.Exchange) error {
		seen = string(ex.Request.Body)
		var in struct {
			Q string `json:"q" validate:"required"`
		}
		if err := ex.Request.Decode(&in); err != nil {
			return err
		}
		ex.Response.OK(http.StatusOK, in.Q)
		return nil
	}}
	h := newHarness(t)
	h.install(sanitizeSet(), search)

	resp := h.do(jsonRequest("POST", "/api/search", `{"q":{"$ne":""}}`))
	if want := `{"q":{}}`; seen != want {
		t.Fatalf("want body %s got %s", want, seen)
	}
	wantCode(t, resp, http.StatusBadRequest, apierror.CodeValidation)
	if got := decodeResult(t, resp); got.Fields["q"] == "" {
		t.Fatalf("want field error for q, got %+v", got)
	}

	resp = h.do(jsonRequest("POST", "/api/search", `{"q":"shoes","$where":"1","a.b":2}`))
	wantStatus(t, resp, http.StatusOK)
	if want := `{"q":"shoes"}`; seen != want {
		t.Fatalf("want body %s got %s", want, seen)
	}

	resp = h.do(jsonRequest("POST", "/api/search", `{"q":""}`))
	wantCode(t, resp, http.StatusBadRequest, apierror.CodeValidation)
	if want, got := "is required", decodeResult(t, resp).Fields["q"]; want != got {
		t.Fatalf("want %q got %q", want, got)
	}
}

func TestSanitize_TransportBodyIsSanitized(t *testing.T) {
	var seen string
	rt := pipeline.Route{Method: "POST", Pattern: "/api/search", Public: true, Handler: func(ex *pipeline.Exchange) error {
		b, err := io.ReadAll(ex.Request.HTTP.Body)
		if err != nil {
			return err
		}
		seen = string(b)
		ex.Response.OK(http.StatusOK, nil)
		return nil
	}}
	h := newHarness(t)
	h.install(sanitizeSet(), rt)

	resp := h.do(jsonRequest("POST", "/api/search", `{"q":"shoes","$where":"1"}`))
	wantStatus(t, resp, http.StatusOK)
	if want := `{"q":"shoes"}`; seen != want {
		t.Fatalf("want transport body %s got %s", want, seen)
	}
}

func TestSanitize_QueryAndParams(t *testing.T) {
	var query map[string][]string
	var id string
	rt := pipeline.Route{Method: "GET", Pattern: "/items/:id", Public: true, Handler: func(ex *pipeline.Exchange) error {
		query = ex.Request.Query
		id = ex.Request.Param("id")
		ex.Response.OK(http.StatusOK, nil)
		return nil
	}}
	h := newHarness(t)
	h.install(sanitizeSet(), rt)

	resp := h.do(httptest.NewRequest("GET", "/items/a%01b?%24gt=1&ok=%02v&x.y=z", nil))
	wantStatus(t, resp, http.StatusOK)
	if _, ok := query["$gt"]; ok {
		t.Fatalf("operator key survived: %v", query)
	}
	if _, ok := query["x.y"]; ok {
		t.Fatalf("dotted key survived: %v", query)
	}
	if want, got := "v", query["ok"][0]; want != got {
		t.Fatalf("want %q got %q", want, got)
	}
	if want := "ab"; id != want {
		t.Fatalf("want param %q got %q", want, id)
	}
}

func TestSanitize_DepthLimit(t *testing.T) {
	h := newHarness(t)
	h.install(sanitizeSet(), echoRoute("POST", "/echo"))
	body := strings.Repeat(`{"a":`, 12) + "1" + strings.Repeat("}", 12)
	wantCode(t, h.do(jsonRequest("POST", "/echo", body)), http.StatusBadRequest, apierror.CodeValidation)
	if h.calls.Load() != 0 {
		t.Fatalf("handler must not run")
	}
}
