package stages

import (
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/cashback-api/pipeline"
)

// Perf reports stage timings in Server-Timing and the total in
// X-Response-Time. Per-stage histograms are recorded by the runtime.
type Perf struct{}

func NewPerf() *Perf { return &Perf{} }

func (*Perf) Name() string { return "perf" }

func (*Perf) Serve(*pipeline.Exchange) pipeline.Outcome { return pipeline.Continue() }

func millis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 3, 64)
}

func (*Perf) Finish(ex *pipeline.Exchange) {
	var b strings.Builder
	for _, t := range ex.Timings() {
		b.WriteString(t.Stage)
		b.WriteString(";dur=")
		b.WriteString(millis(t.Duration))
		b.WriteString(", ")
	}
	total := ex.Elapsed()
	b.WriteString("total;dur=")
	b.WriteString(millis(total))
	ex.Response.SetHeader("Server-Timing", b.String())
	ex.Response.SetHeader("X-Response-Time", millis(total)+"ms")
}

var _ pipeline.Finisher = (*Perf)(nil)
