// Package config loads the service configuration: typed defaults, then an
// optional YAML file, then environment overrides, then validation. Unknown
// file options fail the load. The result is not modified after startup.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ggoodman/cashback-api/internal/randtoken"
	"github.com/ggoodman/cashback-api/logging"
	"github.com/ggoodman/cashback-api/ratelimit"
	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	EnvProduction  = logging.EnvProduction
	EnvDevelopment = "development"
)

// MinSigningKeyBytes matches the access-token codec's requirement.
const MinSigningKeyBytes = 32

// Bucket is a rate-limit bucket as written in the file.
type Bucket struct {
	WindowSec int   `yaml:"windowSec" validate:"gt=0"`
	Max       int64 `yaml:"max" validate:"gt=0"`
}

// Config is every recognized option. Environment variables are prefixed
// CASHBACK_.
type Config struct {
	Env     string `yaml:"env" env:"CASHBACK_ENV" validate:"oneof=production development"`
	Listen  string `yaml:"listen" env:"CASHBACK_LISTEN" validate:"required,hostname_port"`
	Version string `yaml:"version" env:"CASHBACK_VERSION"`

	AccessTTLSec            int `yaml:"accessTtlSec" env:"CASHBACK_ACCESS_TTL_SEC" validate:"gt=0,lte=86400"`
	RefreshTTLSec           int `yaml:"refreshTtlSec" env:"CASHBACK_REFRESH_TTL_SEC" validate:"gt=0"`
	MaxRefreshTokensPerUser int `yaml:"maxRefreshTokensPerUser" env:"CASHBACK_MAX_REFRESH_TOKENS_PER_USER" validate:"gt=0"`
	CSRFCookieMaxAgeSec     int `yaml:"csrfCookieMaxAgeSec" env:"CASHBACK_CSRF_COOKIE_MAX_AGE_SEC" validate:"gt=0"`

	RateLimits map[string]Bucket `yaml:"rateLimits" validate:"required,dive,keys,required,endkeys"`
	CacheTTLs  map[string]int    `yaml:"cacheTtls" validate:"dive,keys,required,endkeys,gte=0"`

	BodyMaxBytes          int64 `yaml:"bodyMaxBytes" env:"CASHBACK_BODY_MAX_BYTES" validate:"gt=0"`
	ResponseCacheMaxBytes int   `yaml:"responseCacheMaxBytes" env:"CASHBACK_RESPONSE_CACHE_MAX_BYTES" validate:"gt=0"`
	HandlerDeadlineMs     int   `yaml:"handlerDeadlineMs" env:"CASHBACK_HANDLER_DEADLINE_MS" validate:"gt=0"`
	SlowRequestMs         int   `yaml:"slowRequestMs" env:"CASHBACK_SLOW_REQUEST_MS" validate:"gte=0"`

	// KVEndpoint is a redis:// URL, or memory:// for the in-process store.
	KVEndpoint     string `yaml:"kvEndpoint" env:"CASHBACK_KV_ENDPOINT" validate:"required"`
	KVTimeoutMs    int    `yaml:"kvTimeoutMs" env:"CASHBACK_KV_TIMEOUT_MS" validate:"gt=0"`
	KVMaxReconnect int    `yaml:"kvMaxReconnect" env:"CASHBACK_KV_MAX_RECONNECT" validate:"gt=0"`
	KVKeyPrefix    string `yaml:"kvKeyPrefix" env:"CASHBACK_KV_KEY_PREFIX"`

	LogLevel      string   `yaml:"logLevel" env:"CASHBACK_LOG_LEVEL" validate:"oneof=debug info warn error"`
	RedactedKeys  []string `yaml:"redactedKeys" validate:"dive,required"`
	LogFile       string   `yaml:"logFile" env:"CASHBACK_LOG_FILE"`
	LogMaxSizeMB  int      `yaml:"logMaxSizeMb" env:"CASHBACK_LOG_MAX_SIZE_MB" validate:"gt=0"`
	LogMaxBackups int      `yaml:"logMaxBackups" env:"CASHBACK_LOG_MAX_BACKUPS" validate:"gte=0"`
	LogMaxAgeDays int      `yaml:"logMaxAgeDays" env:"CASHBACK_LOG_MAX_AGE_DAYS" validate:"gte=0"`
	LogQueueSize  int      `yaml:"logQueueSize" env:"CASHBACK_LOG_QUEUE_SIZE" validate:"gt=0"`

	// TokenSigningKey is only read from the environment.
	TokenSigningKey string `yaml:"-" env:"CASHBACK_TOKEN_SIGNING_KEY"`
	TokenIssuer     string `yaml:"tokenIssuer" env:"CASHBACK_TOKEN_ISSUER"`

	TrustProxy            bool     `yaml:"trustProxy" env:"CASHBACK_TRUST_PROXY"`
	HSTS                  bool     `yaml:"hsts" env:"CASHBACK_HSTS"`
	CORSOrigins           []string `yaml:"corsOrigins"`
	ContentSecurityPolicy string   `yaml:"contentSecurityPolicy" env:"CASHBACK_CONTENT_SECURITY_POLICY"`
	TraceStdout           bool     `yaml:"traceStdout" env:"CASHBACK_TRACE_STDOUT"`
}

// Default returns the built-in configuration.
func Default() Config {
	buckets := make(map[string]Bucket)
	for name, b := range ratelimit.DefaultBuckets() {
		buckets[name] = Bucket{WindowSec: int(b.Window / time.Second), Max: b.Max}
	}
	return Config{
		Env:                     EnvDevelopment,
		Listen:                  "127.0.0.1:8080",
		Version:                 "dev",
		AccessTTLSec:            3600,
		RefreshTTLSec:           604800,
		MaxRefreshTokensPerUser: 5,
		CSRFCookieMaxAgeSec:     604800,
		RateLimits:              buckets,
		CacheTTLs:               map[string]int{},
		BodyMaxBytes:            1 << 20,
		ResponseCacheMaxBytes:   256 << 10,
		HandlerDeadlineMs:       30000,
		SlowRequestMs:           1000,
		KVEndpoint:              "memory://",
		KVTimeoutMs:             500,
		KVMaxReconnect:          5,
		LogLevel:                "info",
		LogMaxSizeMB:            100,
		LogMaxBackups:           5,
		LogMaxAgeDays:           14,
		LogQueueSize:            4096,
		TokenIssuer:             "cashback-api",
		ContentSecurityPolicy:   "default-src 'none'; frame-ancestors 'none'",
	}
}

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("config: invalid configuration")
	// ErrSigningKey is returned in production without a usable signing key.
	ErrSigningKey = fmt.Errorf("config: CASHBACK_TOKEN_SIGNING_KEY must be set to at least %d bytes", MinSigningKeyBytes)
)

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

func (c *Config) finish() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fieldName(fe), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}
	if c.TokenSigningKey == "" && c.Env != EnvProduction {
		// Tokens do not survive a restart without a configured key.
		key, err := randtoken.New(MinSigningKeyBytes)
		if err != nil {
			return err
		}
		c.TokenSigningKey = key
	}
	if len(c.TokenSigningKey) < MinSigningKeyBytes {
		return ErrSigningKey
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func fieldName(fe validator.FieldError) string {
	if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
		return rest
	}
	return fe.Field()
}

// Production reports whether error details are hidden and the console sink
// is off.
func (c *Config) Production() bool { return c.Env == EnvProduction }

func (c *Config) AccessTTL() time.Duration  { return time.Duration(c.AccessTTLSec) * time.Second }
func (c *Config) RefreshTTL() time.Duration { return time.Duration(c.RefreshTTLSec) * time.Second }
func (c *Config) CSRFMaxAge() time.Duration { return time.Duration(c.CSRFCookieMaxAgeSec) * time.Second }
func (c *Config) HandlerDeadline() time.Duration {
	return time.Duration(c.HandlerDeadlineMs) * time.Millisecond
}
func (c *Config) SlowRequest() time.Duration { return time.Duration(c.SlowRequestMs) * time.Millisecond }
func (c *Config) KVTimeout() time.Duration   { return time.Duration(c.KVTimeoutMs) * time.Millisecond }

// Buckets converts RateLimits.
func (c *Config) Buckets() map[string]ratelimit.Bucket {
	out := make(map[string]ratelimit.Bucket, len(c.RateLimits))
	for name, b := range c.RateLimits {
		out[name] = ratelimit.Bucket{Name: name, Window: time.Duration(b.WindowSec) * time.Second, Max: b.Max}
	}
	return out
}

// CacheTTL reports the cache lifetime override configured for a route name.
// Routes absent from cacheTtls keep the lifetime they were registered with.
func (c *Config) CacheTTL(route string) (time.Duration, bool) {
	sec, ok := c.CacheTTLs[route]
	return time.Duration(sec) * time.Second, ok
}

// Logging returns the logger configuration.
func (c *Config) Logging() (logging.Config, error) {
	lvl, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:        lvl,
		Env:          c.Env,
		File:         c.LogFile,
		MaxSizeMB:    c.LogMaxSizeMB,
		MaxBackups:   c.LogMaxBackups,
		MaxAgeDays:   c.LogMaxAgeDays,
		QueueSize:    c.LogQueueSize,
		RedactedKeys: c.RedactedKeys,
	}, nil
}
