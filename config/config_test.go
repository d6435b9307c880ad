package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cashback.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Production() {
		t.Fatalf("want development by default")
	}
	if want, got := time.Hour, cfg.AccessTTL(); want != got {
		t.Fatalf("want access ttl %v got %v", want, got)
	}
	if want, got := 30*time.Second, cfg.HandlerDeadline(); want != got {
		t.Fatalf("want deadline %v got %v", want, got)
	}
	if want, got := int64(1<<20), cfg.BodyMaxBytes; want != got {
		t.Fatalf("want body cap %d got %d", want, got)
	}
	if len(cfg.TokenSigningKey) < MinSigningKeyBytes {
		t.Fatalf("want an ephemeral signing key in development")
	}
	if ttl, ok := cfg.CacheTTL("coupons.list"); ok {
		t.Fatalf("want no cache ttl override by default, got %v", ttl)
	}
	auth := cfg.Buckets()["auth"]
	if auth.Name != "auth" || auth.Window != time.Minute || auth.Max != 100 {
		t.Fatalf("unexpected auth bucket %+v", auth)
	}
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeFile(t, `
env: production
listen: 0.0.0.0:9000
accessTtlSec: 900
rateLimits:
  auth: {windowSec: 60, max: 100}
  search: {windowSec: 30, max: 10}
cacheTtls:
  coupons.list: 120
redactedKeys: [ssn]
corsOrigins: ["https://app.example.com"]
`)
	t.Setenv("CASHBACK_TOKEN_SIGNING_KEY", strings.Repeat("k", 40))
	t.Setenv("CASHBACK_ACCESS_TTL_SEC", "600")
	t.Setenv("CASHBACK_TRUST_PROXY", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Production() || cfg.Listen != "0.0.0.0:9000" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if want, got := 600, cfg.AccessTTLSec; want != got {
		t.Fatalf("environment must win: want %d got %d", want, got)
	}
	if !cfg.TrustProxy {
		t.Fatalf("want trustProxy from environment")
	}
	if diff := cmp.Diff([]string{"https://app.example.com"}, cfg.CORSOrigins); diff != "" {
		t.Fatalf("corsOrigins (-want +got):\n%s", diff)
	}
	search := cfg.Buckets()["search"]
	if search.Window != 30*time.Second || search.Max != 10 {
		t.Fatalf("unexpected search bucket %+v", search)
	}
	lc, err := cfg.Logging()
	if err != nil {
		t.Fatalf("Logging: %v", err)
	}
	if diff := cmp.Diff([]string{"ssn"}, lc.RedactedKeys); diff != "" {
		t.Fatalf("redactedKeys (-want +got):\n%s", diff)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want error
	}{
		{name: "unknown option", file: "cacheTTL: 5\n"},
		{name: "wrong type", file: "accessTtlSec: soon\n"},
		{name: "signing key in file", file: "tokenSigningKey: abc\n"},
		{name: "bad env", file: "env: staging\n", want: ErrInvalid},
		{name: "access ttl too long", file: "accessTtlSec: 90000\n", want: ErrInvalid},
		{name: "zero bucket", file: "rateLimits:\n  auth: {windowSec: 0, max: 5}\n", want: ErrInvalid},
		{name: "bad log level", file: "logLevel: loud\n", want: ErrInvalid},
		{name: "production without key", file: "env: production\n", want: ErrSigningKey},
		{
			name: "short key",
			file: "env: production\n",
			env:  map[string]string{"CASHBACK_TOKEN_SIGNING_KEY": "short"},
			want: ErrSigningKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, tt.file))
			if err == nil {
				t.Fatalf("want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("want %v got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want not-exist error got %v", err)
	}
}

func TestLoad_ValidationNamesFileKeys(t *testing.T) {
	_, err := Load(writeFile(t, "bodyMaxBytes: -1\n"))
	if err == nil || !strings.Contains(err.Error(), "bodyMaxBytes") {
		t.Fatalf("want error naming bodyMaxBytes, got %v", err)
	}
}
