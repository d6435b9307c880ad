package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/tokens"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// User is a profile held by the identity store.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type account struct {
	User
	password []byte
	backup   []string
}

// Identities is an in-memory user store with bcrypt password hashes and
// one-time backup codes.
type Identities struct {
	mu      sync.RWMutex
	byID    map[string]*account
	byEmail map[string]*account
	cost    int

	// dummy is compared against for unknown emails so that both paths cost
	// one bcrypt comparison.
	dummy []byte
}

// IdentityOption configures Identities.
type IdentityOption func(*Identities)

// WithBcryptCost overrides bcrypt.DefaultCost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) IdentityOption {
	return func(ids *Identities) { ids.cost = cost }
}

func NewIdentities(opts ...IdentityOption) *Identities {
	ids := &Identities{
		byID:    map[string]*account{},
		byEmail: map[string]*account{},
		cost:    bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(ids)
	}
	ids.dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-password"), ids.cost)
	return ids
}

var ErrDuplicateEmail = errors.New("catalog: email already registered")

func normalizeEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }

// Add registers a user and returns its id. Backup codes, when given, enable
// the second factor for the user.
func (ids *Identities) Add(email, name, role, password string, backupCodes ...string) (string, error) {
	if role != auth.RoleUser && role != auth.RoleAdmin {
		return "", fmt.Errorf("catalog: unknown role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), ids.cost)
	if err != nil {
		return "", fmt.Errorf("catalog: hash password: %w", err)
	}
	acct := &account{
		User:     User{ID: uuid.NewString(), Email: normalizeEmail(email), Name: name, Role: role},
		password: hash,
	}
	for _, code := range backupCodes {
		h, err := tokens.HashBackupCode(code)
		if err != nil {
			return "", err
		}
		acct.backup = append(acct.backup, h)
	}

	ids.mu.Lock()
	defer ids.mu.Unlock()
	if _, ok := ids.byEmail[acct.Email]; ok {
		return "", ErrDuplicateEmail
	}
	ids.byID[acct.ID] = acct
	ids.byEmail[acct.Email] = acct
	return acct.ID, nil
}

// Authenticate checks a password. Unknown emails and wrong passwords fail
// identically.
func (ids *Identities) Authenticate(ctx context.Context, email, password string) (tokens.Identity, error) {
	ids.mu.RLock()
	acct, ok := ids.byEmail[normalizeEmail(email)]
	ids.mu.RUnlock()

	hash := ids.dummy
	if ok {
		hash = acct.password
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return tokens.Identity{}, apierror.Auth(apierror.ReasonCredentials, nil)
	}
	return tokens.Identity{
		Subject:              acct.ID,
		Role:                 acct.Role,
		RequiresSecondFactor: len(acct.backup) > 0,
	}, nil
}

// VerifySecondFactor consumes a matching backup code.
func (ids *Identities) VerifySecondFactor(ctx context.Context, subject, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	ids.mu.Lock()
	defer ids.mu.Unlock()
	acct, ok := ids.byID[subject]
	if !ok {
		return false, nil
	}
	for i, h := range acct.backup {
		if tokens.VerifyBackupCode(h, code) {
			acct.backup = slices.Delete(acct.backup, i, i+1)
			return true, nil
		}
	}
	return false, nil
}

// User returns the profile for id.
func (ids *Identities) User(id string) (User, bool) {
	ids.mu.RLock()
	defer ids.mu.RUnlock()
	acct, ok := ids.byID[id]
	if !ok {
		return User{}, false
	}
	return acct.User, true
}

// UpdateProfile changes name and, when non-empty, email.
func (ids *Identities) UpdateProfile(id, name, email string) (User, error) {
	ids.mu.Lock()
	defer ids.mu.Unlock()
	acct, ok := ids.byID[id]
	if !ok {
		return User{}, apierror.NotFound("user " + id)
	}
	if email = normalizeEmail(email); email != "" && email != acct.Email {
		if _, taken := ids.byEmail[email]; taken {
			return User{}, apierror.Conflict("email already registered")
		}
		delete(ids.byEmail, acct.Email)
		acct.Email = email
		ids.byEmail[email] = acct
	}
	acct.Name = name
	return acct.User, nil
}

// Len is the number of registered users.
func (ids *Identities) Len() int {
	ids.mu.RLock()
	defer ids.mu.RUnlock()
	return len(ids.byID)
}

// Check reports the identity subsystem as down until a user exists.
func (ids *Identities) Check(ctx context.Context) error {
	if ids.Len() == 0 {
		return errors.New("catalog: no identities loaded")
	}
	return nil
}
