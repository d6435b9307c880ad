package stages

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/internal/testlog"
	"github.com/ggoodman/cashback-api/pipeline"
)

func failingRoute(pattern string, err error) pipeline.Route {
	return pipeline.Route{Method: "GET", Pattern: pattern, Public: true, Handler: func(ex *pipeline.Exchange) error {
		ex.Response.SetCookie(&http.Cookie{Name: "session", Value: "x"})
		ex.Response.SetHeader("X-Cache", "HIT")
		ex.Response.OK(http.StatusOK, "partial")
		return err
	}}
}

func terminatorPipeline(t *testing.T, production bool, routes ...pipeline.Route) (*pipeline.Pipeline, *testlog.Bridge) {
	t.Helper()
	log, bridge := testlog.New(t)
	p, err := pipeline.New(NewTerminator(production), pipeline.WithLogger(log))
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	for _, rt := range routes {
		if err := p.Handle(rt); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	return p, bridge
}

func TestTerminator_Envelope(t *testing.T) {
	routes := []pipeline.Route{
		failingRoute("/boom", errors.New("database exploded")),
		failingRoute("/invalid", apierror.Fieldf("email", "must be a valid email")),
	}

	t.Run("development", func(t *testing.T) {
		p, _ := terminatorPipeline(t, false, routes...)
		resp := p.Dispatch(httptest.NewRequest("GET", "/boom", nil))
		wantCode(t, resp, http.StatusInternalServerError, apierror.CodeInternal)
		got := decodeResult(t, resp)
		if got.Message != "Internal server error" {
			t.Fatalf("unexpected message %q", got.Message)
		}
		if len(got.Details) == 0 || !strings.Contains(strings.Join(got.Details, "\n"), "database exploded") {
			t.Fatalf("want error chain in details, got %v", got.Details)
		}
	})

	t.Run("production", func(t *testing.T) {
		p, _ := terminatorPipeline(t, true, routes...)
		resp := p.Dispatch(httptest.NewRequest("GET", "/boom", nil))
		wantCode(t, resp, http.StatusInternalServerError, apierror.CodeInternal)
		b, _ := resp.Bytes()
		if strings.Contains(string(b), "database exploded") || strings.Contains(string(b), "details") {
			t.Fatalf("internal detail leaked: %s", b)
		}

		resp = p.Dispatch(httptest.NewRequest("GET", "/invalid", nil))
		wantCode(t, resp, http.StatusBadRequest, apierror.CodeValidation)
		if want, got := "must be a valid email", decodeResult(t, resp).Fields["email"]; want != got {
			t.Fatalf("want field message %q got %q", want, got)
		}
	})
}

func TestTerminator_DiscardsPartialResponse(t *testing.T) {
	p, _ := terminatorPipeline(t, false, failingRoute("/boom", errors.New("boom")))
	resp := p.Dispatch(httptest.NewRequest("GET", "/boom", nil))
	if len(resp.Cookies()) != 0 {
		t.Fatalf("want handler cookies dropped, got %v", resp.Cookies())
	}
	if resp.Header().Get("X-Cache") != "" {
		t.Fatalf("want X-Cache removed")
	}
	if want, got := "no-store", resp.Header().Get("Cache-Control"); want != got {
		t.Fatalf("want Cache-Control %s got %s", want, got)
	}
	if resp.Header().Get("X-Request-Id") == "" {
		t.Fatalf("want request id preserved")
	}
	if got := decodeResult(t, resp); got.Data != nil {
		t.Fatalf("want no data in error envelope, got %s", got.Data)
	}
}

func TestTerminator_RetryAfter(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limit rounds up", apierror.RateLimited("auth", 1500*time.Millisecond), "2"},
		{"rate limit floor", apierror.RateLimited("auth", 0), "1"},
		{"timeout", apierror.Infra(apierror.ReasonTimeout, nil), "1"},
		{"degraded", apierror.Infra(apierror.ReasonDegraded, nil), ""},
		{"validation", apierror.Fieldf("q", "is required"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := terminatorPipeline(t, true, failingRoute("/x", tt.err))
			resp := p.Dispatch(httptest.NewRequest("GET", "/x", nil))
			if got := resp.Header().Get("Retry-After"); got != tt.want {
				t.Fatalf("want Retry-After %q got %q", tt.want, got)
			}
		})
	}
}

func TestTerminator_CanceledWritesNoBody(t *testing.T) {
	p, log := terminatorPipeline(t, false, failingRoute("/x", apierror.Canceled(context.Canceled)))
	resp := p.Dispatch(httptest.NewRequest("GET", "/x", nil))
	if want, got := apierror.StatusClientClosed, resp.Status(); want != got {
		t.Fatalf("want status %d got %d", want, got)
	}
	if b, _ := resp.Bytes(); len(b) != 0 {
		t.Fatalf("want empty body got %s", b)
	}
	if !log.Contains("msg=request.fail", "kind=canceled") {
		t.Fatalf("want canceled request logged")
	}
}

func TestTerminator_LogLevels(t *testing.T) {
	p, log := terminatorPipeline(t, true,
		failingRoute("/infra", apierror.Infra(apierror.ReasonUnreachable, errors.New("dial tcp: refused"))),
		failingRoute("/csrf", apierror.CSRF("token mismatch")),
	)
	p.Dispatch(httptest.NewRequest("GET", "/infra", nil))
	p.Dispatch(httptest.NewRequest("GET", "/csrf", nil))
	if !log.Contains("level=ERROR", "msg=request.fail", "code=DEPENDENCY_UNAVAILABLE", "reason=unreachable") {
		t.Fatalf("want infra failure at error level")
	}
	if !log.Contains("level=WARN", "msg=request.fail", "code=CSRF_FAILED") {
		t.Fatalf("want csrf failure at warn level")
	}
}
