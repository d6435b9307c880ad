// Package health reports process liveness together with the state of the
// dependencies requests need: the key/value store and the identity
// subsystem behind the handlers.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/storage"
	"golang.org/x/sync/errgroup"
)

// DefaultBudget bounds a whole probe.
const DefaultBudget = 50 * time.Millisecond

const (
	StatusUp   = "up"
	StatusDown = "down"
)

// Checker reports whether a dependency can serve traffic.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// ErrDegraded is reported for a store that has stopped trying.
var ErrDegraded = errors.New("health: store degraded")

// Report is the probe body.
type Report struct {
	Status       string            `json:"status"`
	Uptime       float64           `json:"uptime"`
	Dependencies map[string]string `json:"dependencies"`
	Version      string            `json:"version"`
}

// Up reports whether every dependency is up.
func (r Report) Up() bool { return r.Status == StatusUp }

type dependency struct {
	name  string
	check Checker
}

// Probe runs the dependency checks.
type Probe struct {
	version string
	start   time.Time
	clock   clock.Clock
	budget  time.Duration
	log     *slog.Logger
	deps    []dependency
}

// Option configures a Probe.
type Option func(*Probe)

func WithClock(c clock.Clock) Option { return func(p *Probe) { p.clock = clock.OrSystem(c) } }

func WithLogger(l *slog.Logger) Option {
	return func(p *Probe) {
		if l != nil {
			p.log = l
		}
	}
}

// WithBudget overrides DefaultBudget.
func WithBudget(d time.Duration) Option {
	return func(p *Probe) {
		if d > 0 {
			p.budget = d
		}
	}
}

// WithStore adds the key/value store under "kv".
func WithStore(s storage.HealthReporter) Option {
	return WithDependency("kv", StoreChecker(s))
}

// WithIdentity adds the identity subsystem under "identity".
func WithIdentity(c Checker) Option {
	return WithDependency("identity", c)
}

// WithDependency adds a named critical dependency.
func WithDependency(name string, c Checker) Option {
	return func(p *Probe) { p.deps = append(p.deps, dependency{name: name, check: c}) }
}

// New returns a Probe. Uptime is measured from this call.
func New(version string, opts ...Option) *Probe {
	p := &Probe{version: version, clock: clock.System{}, budget: DefaultBudget, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.start = p.clock.Now()
	return p
}

// StoreChecker reports a degraded store as down without a round trip.
func StoreChecker(s storage.HealthReporter) Checker {
	return CheckerFunc(func(ctx context.Context) error {
		if s.Degraded() {
			return ErrDegraded
		}
		return s.Ping(ctx)
	})
}

// Check runs every dependency check concurrently under the probe budget. A
// check that has not answered when the budget runs out is reported down.
func (p *Probe) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	results := make([]string, len(p.deps))
	var g errgroup.Group
	for i, d := range p.deps {
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- d.check.Check(ctx) }()
			var err error
			select {
			case err = <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
			if err != nil {
				p.log.WarnContext(ctx, "health.check.fail", slog.String("dependency", d.name), slog.String("err", err.Error()))
				results[i] = StatusDown
				return nil
			}
			results[i] = StatusUp
			return nil
		})
	}
	_ = g.Wait()

	r := Report{
		Status:       StatusUp,
		Uptime:       p.clock.Now().Sub(p.start).Seconds(),
		Dependencies: make(map[string]string, len(p.deps)),
		Version:      p.version,
	}
	for i, d := range p.deps {
		r.Dependencies[d.name] = results[i]
		if results[i] != StatusUp {
			r.Status = StatusDown
		}
	}
	return r
}

// ServeHTTP writes the report with 200 when every dependency is up and 503
// otherwise.
func (p *Probe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := p.Check(r.Context())
	status := http.StatusOK
	if !rep.Up() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(rep)
}
