// Package auth defines the principal model the request pipeline attaches to
// every request and the small authentication interfaces the pipeline stages
// depend on.
//
// A Principal is created by the authentication or API-key stage from a
// verified access token or API key, or is the shared anonymous principal.
// It is read-only once attached and is never serialized back to clients.
//
// Authenticator turns a bearer token into a Principal. The token service
// (package tokens) is the production implementation; authtest provides a
// static one for tests. Failures are *apierror.Error values of kind auth (or
// infra, when the revocation lookup could not be performed); callers must
// not treat the two the same way.
package auth
