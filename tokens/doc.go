// Package tokens issues, verifies, rotates and revokes the credentials that
// authenticate users of the API.
//
// Access tokens are short-lived HS256 JWTs carrying the subject, role and the
// subject's token version at issuance. Verification rejects a token whose
// version no longer matches tv:{subject} in the key/value store, so bumping
// that counter (LogoutEverywhere) revokes every outstanding access token at
// once.
//
// Refresh tokens are opaque random strings. Only their SHA-256 digest is
// stored, at rt:{digest}, together with the owner, role, device fingerprint
// and expiry. Every successful Refresh atomically takes the presented record
// out of the store before issuing a replacement, so a refresh token can be
// redeemed at most once even under concurrent presentation. A per-subject
// index bounds the number of live refresh tokens; the oldest are evicted.
package tokens
