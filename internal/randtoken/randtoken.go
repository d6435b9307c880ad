// Package randtoken produces high-entropy opaque tokens and their lookup
// digests.
package randtoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// DefaultBytes is the entropy used for refresh, CSRF and API-key tokens.
const DefaultBytes = 32

// New returns n random bytes encoded as unpadded base64url.
func New(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("randtoken: invalid length %d", n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("randtoken: read: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash returns the hex SHA-256 of tok. Tokens are stored only by hash.
func Hash(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
