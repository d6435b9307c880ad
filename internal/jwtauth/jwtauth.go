// Package jwtauth signs and verifies the HS256 access tokens issued by the
// token service. It knows nothing about token versions or storage; callers
// layer revocation on top of the claims returned by Parse.
package jwtauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/golang-jwt/jwt/v5"
)

// MinKeyBytes is the smallest accepted signing key.
const MinKeyBytes = 32

var (
	ErrKeyTooShort = fmt.Errorf("jwtauth: signing key must be at least %d bytes", MinKeyBytes)

	// ErrMalformed is returned for tokens that cannot be decoded or carry
	// claims of the wrong shape.
	ErrMalformed = errors.New("jwtauth: malformed token")
	// ErrExpired is returned when now is at or after exp.
	ErrExpired = errors.New("jwtauth: token expired")
	// ErrSignature is returned when the signature does not verify.
	ErrSignature = errors.New("jwtauth: signature invalid")
	// ErrSubject is returned when sub is absent, empty or not a string.
	ErrSubject = errors.New("jwtauth: subject missing or not a string")
)

// Claims is the verified content of an access token.
type Claims struct {
	Subject      string
	Role         string
	TokenVersion int64
	IssuedAt     time.Time
	ExpiresAt    time.Time
	ID           string
}

// Codec signs and parses access tokens with a shared HMAC key.
type Codec struct {
	key    []byte
	issuer string
	clock  clock.Clock
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock injects the time source used for iat and exp checks.
func WithClock(c clock.Clock) Option {
	return func(cd *Codec) { cd.clock = clock.OrSystem(c) }
}

// WithIssuer sets the iss claim written and required on parse.
func WithIssuer(iss string) Option {
	return func(cd *Codec) { cd.issuer = iss }
}

// NewCodec returns a Codec for key.
func NewCodec(key []byte, opts ...Option) (*Codec, error) {
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	cd := &Codec{key: append([]byte(nil), key...), clock: clock.System{}}
	for _, opt := range opts {
		opt(cd)
	}
	return cd, nil
}

// Sign encodes c. IssuedAt and ExpiresAt must be set by the caller.
func (cd *Codec) Sign(c Claims) (string, error) {
	mc := jwt.MapClaims{
		"sub":          c.Subject,
		"role":         c.Role,
		"tokenVersion": c.TokenVersion,
		"iat":          jwt.NewNumericDate(c.IssuedAt),
		"exp":          jwt.NewNumericDate(c.ExpiresAt),
		"jti":          c.ID,
	}
	if cd.issuer != "" {
		mc["iss"] = cd.issuer
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	s, err := tok.SignedString(cd.key)
	if err != nil {
		return "", fmt.Errorf("jwtauth: sign: %w", err)
	}
	return s, nil
}

// Parse verifies the signature, algorithm and expiry of raw and returns its
// claims. Errors wrap one of the package sentinels.
func (cd *Codec) Parse(raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(cd.clock.Now),
		jwt.WithJSONNumber(),
	}
	if cd.issuer != "" {
		opts = append(opts, jwt.WithIssuer(cd.issuer))
	}
	mc := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, mc, func(*jwt.Token) (any, error) {
		return cd.key, nil
	})
	if err != nil {
		return Claims{}, classify(err)
	}

	var c Claims
	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, ErrSubject
	}
	c.Subject = sub
	if c.Role, ok = mc["role"].(string); !ok {
		return Claims{}, fmt.Errorf("%w: role", ErrMalformed)
	}
	if c.TokenVersion, err = toInt64(mc["tokenVersion"]); err != nil {
		return Claims{}, fmt.Errorf("%w: tokenVersion", ErrMalformed)
	}
	c.ID, _ = mc["jti"].(string)
	if iat, _ := mc.GetIssuedAt(); iat != nil {
		c.IssuedAt = iat.Time
	}
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}
