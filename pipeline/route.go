package pipeline

import (
	"time"

	"github.com/ggoodman/cashback-api/auth"
)

// Handler produces the response for a matched route. A returned error goes
// to the terminator; use apierror constructors to classify it.
type Handler func(ex *Exchange) error

// Route is a registered endpoint and the metadata stages consult.
type Route struct {
	Method  string
	Pattern string
	// Name labels metrics, spans and the cache TTL table.
	Name    string
	Handler Handler

	// Public routes demote authentication failures to anonymous.
	Public bool
	// Roles, when set, are required of the principal (any of).
	Roles []string
	// Scopes, when set, require an API key holding any of them.
	Scopes []auth.Scope
	// RateLimit names the per-route bucket; empty means none.
	RateLimit string
	// CacheTTL enables the response cache for anonymous GETs.
	CacheTTL time.Duration
	// Deadline overrides the pipeline's end-to-end deadline.
	Deadline time.Duration
	// CSRFExempt skips CSRF verification.
	CSRFExempt bool
}

// RequiresAPIKey reports whether the route is API-key protected.
func (rt *Route) RequiresAPIKey() bool { return len(rt.Scopes) > 0 }
