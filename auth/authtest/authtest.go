// Package authtest provides a static Authenticator for tests and local
// development.
package authtest

import (
	"context"
	"sync"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
)

// Static maps fixed bearer tokens to principals.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]*auth.Principal
}

// NewStatic returns an authenticator that knows no tokens.
func NewStatic() *Static {
	return &Static{tokens: map[string]*auth.Principal{}}
}

// Add registers token for p.
func (s *Static) Add(token string, p *auth.Principal) *Static {
	s.mu.Lock()
	s.tokens[token] = p
	s.mu.Unlock()
	return s
}

// Authenticate returns the registered principal or an AUTH_INVALID error.
func (s *Static) Authenticate(_ context.Context, token string) (*auth.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.tokens[token]; ok {
		return p, nil
	}
	return nil, apierror.Auth(apierror.ReasonMalformed, nil)
}

var _ auth.Authenticator = (*Static)(nil)
