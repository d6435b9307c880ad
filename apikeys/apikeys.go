// Package apikeys stores the API keys that partners and internal tooling use
// instead of user tokens. Only the SHA-256 digest of a key is persisted, at
// ak:{digest}, so a leaked store does not leak usable keys.
package apikeys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/internal/randtoken"
	"github.com/ggoodman/cashback-api/storage"
	"github.com/vmihailenco/msgpack/v5"
)

// KeyPrefix marks plaintext keys so they are recognizable in config and
// secret scanners.
const KeyPrefix = "ck_"

var ErrUnknownScope = errors.New("apikeys: unknown scope")

// Record is the stored form of a key.
type Record struct {
	Owner     string       `msgpack:"owner"`
	Scopes    []auth.Scope `msgpack:"scopes"`
	Enabled   bool         `msgpack:"enabled"`
	CreatedAt time.Time    `msgpack:"createdAt"`
}

// Store manages API keys in a storage.Store.
type Store struct {
	kv    storage.Store
	clock clock.Clock
}

// New returns a Store backed by kv. A nil clock selects the system clock.
func New(kv storage.Store, c clock.Clock) *Store {
	return &Store{kv: kv, clock: clock.OrSystem(c)}
}

func storageKey(hash string) string { return "ak:" + hash }

// Create mints a key for owner with scopes and returns the plaintext key. The
// plaintext is not recoverable afterwards.
func (s *Store) Create(ctx context.Context, owner string, scopes []auth.Scope) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", errors.New("apikeys: owner is required")
	}
	if len(scopes) == 0 {
		return "", fmt.Errorf("%w: at least one scope is required", ErrUnknownScope)
	}
	for _, sc := range scopes {
		if !auth.ValidScope(sc) {
			return "", fmt.Errorf("%w: %q", ErrUnknownScope, sc)
		}
	}
	raw, err := randtoken.New(randtoken.DefaultBytes)
	if err != nil {
		return "", err
	}
	key := KeyPrefix + raw
	rec := Record{Owner: owner, Scopes: scopes, Enabled: true, CreatedAt: s.clock.Now()}
	if err := s.put(ctx, randtoken.Hash(key), rec); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) put(ctx context.Context, hash string, rec Record) error {
	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return apierror.Internal(err)
	}
	return s.kv.Set(ctx, storageKey(hash), b)
}

// Lookup returns the record for a plaintext key, or nil when unknown.
func (s *Store) Lookup(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, nil
	}
	b, err := s.kv.Get(ctx, storageKey(randtoken.Hash(key)))
	if err != nil || b == nil {
		return nil, err
	}
	var rec Record
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return nil, apierror.Internal(fmt.Errorf("apikeys: corrupt record: %w", err))
	}
	return &rec, nil
}

// Disable marks a key unusable. Unknown keys are reported as not found.
func (s *Store) Disable(ctx context.Context, key string) error {
	rec, err := s.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return apierror.NotFound("api key")
	}
	rec.Enabled = false
	return s.put(ctx, randtoken.Hash(key), *rec)
}

// Authorize resolves key to a principal holding at least one of want.
func (s *Store) Authorize(ctx context.Context, key string, want []auth.Scope) (*auth.Principal, error) {
	if key == "" {
		return nil, apierror.Auth(apierror.ReasonAPIKey, errors.New("missing api key"))
	}
	rec, err := s.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.Enabled {
		return nil, apierror.Auth(apierror.ReasonAPIKey, errors.New("unknown or disabled api key"))
	}
	p := auth.FromAPIKey(rec.Owner, rec.Scopes)
	if len(want) > 0 && !p.HasAnyScope(want...) {
		return nil, apierror.Auth(apierror.ReasonAPIKey, errors.New("api key lacks scope"))
	}
	return p, nil
}
