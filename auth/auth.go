package auth

import (
	"context"
	"slices"
)

// Kind distinguishes the principal variants.
type Kind int

const (
	KindAnonymous Kind = iota
	KindUser
	KindAPIKey
	KindAdmin
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindAPIKey:
		return "apikey"
	case KindAdmin:
		return "admin"
	default:
		return "anonymous"
	}
}

// Roles carried by access tokens.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Scope is an API-key capability.
type Scope string

const (
	ScopeAnalytics Scope = "analytics"
	ScopeAdmin     Scope = "admin"
	ScopeExternal  Scope = "external"
)

// ValidScope reports whether s is one of the known scopes.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeAnalytics, ScopeAdmin, ScopeExternal:
		return true
	}
	return false
}

// Principal is the identity a request carries.
type Principal struct {
	Kind         Kind
	Subject      string
	Role         string
	TokenVersion int64
	Scopes       []Scope
}

var anonymous = &Principal{Kind: KindAnonymous}

// Anonymous returns the shared anonymous principal.
func Anonymous() *Principal { return anonymous }

// FromToken builds a user or admin principal from verified token claims.
func FromToken(subject, role string, tokenVersion int64) *Principal {
	k := KindUser
	if role == RoleAdmin {
		k = KindAdmin
	}
	return &Principal{Kind: k, Subject: subject, Role: role, TokenVersion: tokenVersion}
}

// FromAPIKey builds an API-key principal.
func FromAPIKey(owner string, scopes []Scope) *Principal {
	return &Principal{Kind: KindAPIKey, Subject: owner, Scopes: slices.Clone(scopes)}
}

// ID is the identifier used in logs and rate-limit keys.
func (p *Principal) ID() string {
	if p == nil || p.Kind == KindAnonymous {
		return "anonymous"
	}
	if p.Kind == KindAPIKey {
		return "apikey:" + p.Subject
	}
	return p.Subject
}

// IsAnonymous reports whether p is nil or anonymous.
func (p *Principal) IsAnonymous() bool {
	return p == nil || p.Kind == KindAnonymous
}

// HasAnyRole reports whether p holds one of roles. Admins hold every role.
func (p *Principal) HasAnyRole(roles ...string) bool {
	if p.IsAnonymous() || p.Kind == KindAPIKey {
		return false
	}
	if p.Role == RoleAdmin {
		return true
	}
	return slices.Contains(roles, p.Role)
}

// HasAnyScope reports whether p holds one of scopes.
func (p *Principal) HasAnyScope(scopes ...Scope) bool {
	if p == nil {
		return false
	}
	for _, s := range scopes {
		if slices.Contains(p.Scopes, s) {
			return true
		}
	}
	return false
}

// Authenticator validates bearer tokens and returns the associated principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}
