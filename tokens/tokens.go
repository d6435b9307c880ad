package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/internal/clock"
	"github.com/ggoodman/cashback-api/internal/jwtauth"
	"github.com/ggoodman/cashback-api/internal/randtoken"
	"github.com/ggoodman/cashback-api/storage"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxAccessTTL bounds exp - iat of every access token this package issues
// or accepts.
const MaxAccessTTL = 24 * time.Hour

const (
	DefaultAccessTTL         = time.Hour
	DefaultRefreshTTL        = 7 * 24 * time.Hour
	DefaultMaxRefreshPerUser = 5
	DefaultRefreshTimeout    = time.Second

	// indexScanLimit bounds the per-subject index walk.
	indexScanLimit = 1000
)

// ErrAccessTTL is returned by New when the configured access lifetime is out
// of range.
var ErrAccessTTL = fmt.Errorf("tokens: access ttl must be in (0, %s]", MaxAccessTTL)

// Config holds token lifetimes and limits. Zero values select defaults.
type Config struct {
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	MaxRefreshPerUser int
	RefreshTimeout    time.Duration
}

// Identity is what an identity collaborator knows about a user at login.
type Identity struct {
	Subject              string
	Role                 string
	RequiresSecondFactor bool
}

// Pair is the result of a login or refresh.
type Pair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type refreshRecord struct {
	Subject   string    `msgpack:"subject"`
	Role      string    `msgpack:"role"`
	Device    string    `msgpack:"device"`
	IP        string    `msgpack:"ip"`
	ExpiresAt time.Time `msgpack:"exp"`
	LastUsed  time.Time `msgpack:"lastUsed"`
	CreatedAt time.Time `msgpack:"createdAt"`
	Index     string    `msgpack:"idx"`
}

// Service is the token service.
type Service struct {
	store storage.Store
	codec *jwtauth.Codec
	clock clock.Clock
	log   *slog.Logger
	cfg   Config
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = clock.OrSystem(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a Service. The codec should share the service's clock.
func New(store storage.Store, codec *jwtauth.Codec, cfg Config, opts ...Option) (*Service, error) {
	if store == nil || codec == nil {
		return nil, errors.New("tokens: store and codec are required")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.AccessTTL < 0 || cfg.AccessTTL > MaxAccessTTL {
		return nil, ErrAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.MaxRefreshPerUser <= 0 {
		cfg.MaxRefreshPerUser = DefaultMaxRefreshPerUser
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	s := &Service{store: store, codec: codec, clock: clock.System{}, log: slog.Default(), cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func versionKey(subject string) string { return "tv:" + subject }
func refreshKey(hash string) string    { return "rt:" + hash }

func indexPrefix(subject string) string {
	return "rtu:" + url.QueryEscape(subject) + ":"
}

// TokenVersion returns the current version for subject (zero when unset).
func (s *Service) TokenVersion(ctx context.Context, subject string) (int64, error) {
	b, err := s.store.Get(ctx, versionKey(subject))
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, apierror.Internal(fmt.Errorf("tokens: corrupt token version for %q: %w", subject, err))
	}
	return v, nil
}

// IssueAccess signs an access token for subject carrying its current token
// version.
func (s *Service) IssueAccess(ctx context.Context, subject, role string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("tokens: empty subject")
	}
	tv, err := s.TokenVersion(ctx, subject)
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.clock.Now()
	exp := now.Add(s.cfg.AccessTTL)
	tok, err := s.codec.Sign(jwtauth.Claims{
		Subject:      subject,
		Role:         role,
		TokenVersion: tv,
		IssuedAt:     now,
		ExpiresAt:    exp,
		ID:           uuid.NewString(),
	})
	if err != nil {
		return "", time.Time{}, apierror.Internal(err)
	}
	return tok, exp, nil
}

func authReason(err error) apierror.Reason {
	switch {
	case errors.Is(err, jwtauth.ErrExpired):
		return apierror.ReasonExpired
	case errors.Is(err, jwtauth.ErrSignature):
		return apierror.ReasonSignature
	case errors.Is(err, jwtauth.ErrSubject):
		return apierror.ReasonMismatched
	}
	return apierror.ReasonMalformed
}

func (s *Service) parse(raw string) (jwtauth.Claims, error) {
	c, err := s.codec.Parse(raw)
	if err != nil {
		return jwtauth.Claims{}, apierror.Auth(authReason(err), err)
	}
	if c.ExpiresAt.Sub(c.IssuedAt) > MaxAccessTTL {
		return jwtauth.Claims{}, apierror.Auth(apierror.ReasonMalformed, errors.New("tokens: lifetime exceeds maximum"))
	}
	return c, nil
}

// Verify checks signature, expiry and token version. Failures are auth
// errors, except store failures which are infra errors.
func (s *Service) Verify(ctx context.Context, raw string) (*auth.Principal, error) {
	c, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	tv, err := s.TokenVersion(ctx, c.Subject)
	if err != nil {
		return nil, err
	}
	if tv != c.TokenVersion {
		return nil, apierror.Auth(apierror.ReasonRevoked, nil)
	}
	return auth.FromToken(c.Subject, c.Role, c.TokenVersion), nil
}

// Authenticate implements auth.Authenticator.
func (s *Service) Authenticate(ctx context.Context, raw string) (*auth.Principal, error) {
	return s.Verify(ctx, raw)
}

// Peek checks signature and expiry only and returns the subject. It never
// touches the store.
func (s *Service) Peek(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	c, err := s.parse(raw)
	if err != nil {
		return "", false
	}
	return c.Subject, true
}

// Login issues a token pair for id. When the identity requires a second
// factor, secondFactorOK must report that it was verified.
func (s *Service) Login(ctx context.Context, id Identity, device, ip string, secondFactorOK bool) (Pair, error) {
	if id.Subject == "" {
		return Pair{}, apierror.Auth(apierror.ReasonCredentials, nil)
	}
	if id.RequiresSecondFactor && !secondFactorOK {
		return Pair{}, apierror.Auth(apierror.ReasonSecondFactor, nil)
	}
	return s.issuePair(ctx, id.Subject, id.Role, device, ip)
}

func (s *Service) issuePair(ctx context.Context, subject, role, device, ip string) (Pair, error) {
	rt, rtExp, err := s.issueRefresh(ctx, subject, role, device, ip)
	if err != nil {
		return Pair{}, err
	}
	at, atExp, err := s.IssueAccess(ctx, subject, role)
	if err != nil {
		return Pair{}, err
	}
	return Pair{AccessToken: at, AccessExpiresAt: atExp, RefreshToken: rt, RefreshExpiresAt: rtExp}, nil
}

func (s *Service) issueRefresh(ctx context.Context, subject, role, device, ip string) (string, time.Time, error) {
	tok, err := randtoken.New(randtoken.DefaultBytes)
	if err != nil {
		return "", time.Time{}, apierror.Internal(err)
	}
	hash := randtoken.Hash(tok)
	now := s.clock.Now()
	rec := refreshRecord{
		Subject:   subject,
		Role:      role,
		Device:    device,
		IP:        ip,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
		LastUsed:  now,
		CreatedAt: now,
		Index:     fmt.Sprintf("%s%020d:%s", indexPrefix(subject), now.UnixNano(), hash),
	}
	b, err := msgpack.Marshal(&rec)
	if err != nil {
		return "", time.Time{}, apierror.Internal(err)
	}
	if err := s.store.Set(ctx, refreshKey(hash), b, storage.WithTTL(s.cfg.RefreshTTL)); err != nil {
		return "", time.Time{}, err
	}
	if err := s.store.Set(ctx, rec.Index, []byte(hash), storage.WithTTL(s.cfg.RefreshTTL)); err != nil {
		return "", time.Time{}, err
	}
	if err := s.evict(ctx, subject); err != nil {
		// The new token is valid; an over-long session list is not worth
		// failing the login for.
		s.log.WarnContext(ctx, "tokens.evict.fail", slog.String("err", err.Error()))
	}
	return tok, rec.ExpiresAt, nil
}

// evict removes the oldest refresh tokens of subject beyond the cap.
func (s *Service) evict(ctx context.Context, subject string) error {
	idx, err := s.store.Scan(ctx, indexPrefix(subject), indexScanLimit)
	if err != nil {
		return err
	}
	if len(idx) <= s.cfg.MaxRefreshPerUser {
		return nil
	}
	slices.Sort(idx)
	victims := idx[:len(idx)-s.cfg.MaxRefreshPerUser]
	del := make([]string, 0, 2*len(victims))
	for _, k := range victims {
		del = append(del, k, refreshKey(hashFromIndex(k)))
	}
	return s.store.Delete(ctx, del...)
}

func hashFromIndex(k string) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return k[i+1:]
		}
	}
	return k
}

// Refresh redeems presented and returns a fresh pair. The presented token is
// unusable afterwards whatever the outcome past the lookup.
func (s *Service) Refresh(ctx context.Context, presented, device, ip string) (Pair, error) {
	if presented == "" {
		return Pair{}, apierror.Auth(apierror.ReasonMissing, nil)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	key := refreshKey(randtoken.Hash(presented))
	b, err := s.store.Get(ctx, key)
	if err != nil {
		return Pair{}, err
	}
	if b == nil {
		return Pair{}, apierror.Auth(apierror.ReasonRevoked, nil)
	}
	var rec refreshRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return Pair{}, apierror.Auth(apierror.ReasonMalformed, err)
	}
	if !s.clock.Now().Before(rec.ExpiresAt) {
		_ = s.store.Delete(ctx, key, rec.Index)
		return Pair{}, apierror.Auth(apierror.ReasonExpired, nil)
	}
	if rec.Device != "" && rec.Device != device {
		s.log.WarnContext(ctx, "tokens.refresh.device_mismatch", slog.String("subject", rec.Subject))
		return Pair{}, apierror.Auth(apierror.ReasonDeviceMismatch, nil)
	}

	taken, err := s.store.Take(ctx, key)
	if err != nil {
		return Pair{}, err
	}
	if taken == nil {
		s.log.WarnContext(ctx, "tokens.refresh.reused", slog.String("subject", rec.Subject))
		return Pair{}, apierror.Auth(apierror.ReasonRevoked, nil)
	}
	if rec.Index != "" {
		_ = s.store.Delete(ctx, rec.Index)
	}

	pair, err := s.issuePair(ctx, rec.Subject, rec.Role, rec.Device, ip)
	if err != nil {
		return Pair{}, err
	}
	s.log.DebugContext(ctx, "tokens.refresh.rotated", slog.String("subject", rec.Subject))
	return pair, nil
}

// Logout revokes the presented refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, presented string) error {
	if presented == "" {
		return nil
	}
	b, err := s.store.Take(ctx, refreshKey(randtoken.Hash(presented)))
	if err != nil || b == nil {
		return err
	}
	var rec refreshRecord
	if err := msgpack.Unmarshal(b, &rec); err == nil && rec.Index != "" {
		return s.store.Delete(ctx, rec.Index)
	}
	return nil
}

// LogoutEverywhere bumps the subject's token version and deletes all of its
// refresh tokens.
func (s *Service) LogoutEverywhere(ctx context.Context, subject string) error {
	if _, err := s.store.Incr(ctx, versionKey(subject)); err != nil {
		return err
	}
	idx, err := s.store.Scan(ctx, indexPrefix(subject), indexScanLimit)
	if err != nil {
		return err
	}
	if len(idx) == 0 {
		return nil
	}
	del := make([]string, 0, 2*len(idx))
	for _, k := range idx {
		del = append(del, k, refreshKey(hashFromIndex(k)))
	}
	return s.store.Delete(ctx, del...)
}

var _ auth.Authenticator = (*Service)(nil)
