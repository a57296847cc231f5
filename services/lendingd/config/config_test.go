package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
tls:
  allow_insecure: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Journal.Driver != "sqlite" {
		t.Fatalf("expected sqlite journal by default, got %q", cfg.Journal.Driver)
	}
	if cfg.RateLimit.RequestsPerMinute != defaultRatePerMinute || cfg.RateLimit.Burst != defaultRateBurst {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Oracle.MaxAge != defaultOracleMaxAge || cfg.Oracle.Interval != defaultFeedInterval {
		t.Fatalf("unexpected oracle defaults: %+v", cfg.Oracle)
	}
	if cfg.Oracle.FeederEnabled() {
		t.Fatalf("feeder should be disabled without sources")
	}
	if cfg.NATS.Subject != defaultNATSSubject {
		t.Fatalf("unexpected nats subject %q", cfg.NATS.Subject)
	}
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
listen: ":8443"
health_listen: ":9090"
tls:
  cert: "server.crt"
  key: "server.key"
  client_ca: "ca.crt"
auth:
  enabled: true
  hmac_secret: "0123456789abcdef0123456789abcdef"
  issuer: "revenue"
  audience: [" lendingd ", ""]
  clock_skew: 1m
storage:
  path: /var/lib/lendingd/state
  genesis: /etc/lendingd/genesis.toml
journal:
  driver: POSTGRES
  dsn: "postgres://lending@localhost/journal"
oracle:
  max_age: 5m
  interval: 15s
  min_feeds: 2
  pairs:
    - base: "0x00000000000000000000000000000000000000b0"
      quote: "0x00000000000000000000000000000000000000a0"
  sources:
    - name: desk
      type: static
      rates:
        "0x00000000000000000000000000000000000000b0/0x00000000000000000000000000000000000000a0": "1.01"
    - name: venue
      type: HTTP
      endpoint: "https://prices.example.com/v1/rate"
logging:
  file: /var/log/lendingd.log
  max_size_mb: 50
nats:
  url: nats://127.0.0.1:4222
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.TLS.MTLSEnabled() {
		t.Fatalf("expected mTLS to be enabled")
	}
	if len(cfg.Auth.Audience) != 1 || cfg.Auth.Audience[0] != "lendingd" {
		t.Fatalf("unexpected audience %v", cfg.Auth.Audience)
	}
	if cfg.Auth.ClockSkew != time.Minute {
		t.Fatalf("unexpected clock skew %s", cfg.Auth.ClockSkew)
	}
	if cfg.Journal.Driver != "postgres" {
		t.Fatalf("expected lowercased driver, got %q", cfg.Journal.Driver)
	}
	if cfg.Oracle.MaxAge != 5*time.Minute || cfg.Oracle.Interval != 15*time.Second {
		t.Fatalf("unexpected oracle timings %+v", cfg.Oracle)
	}
	if !cfg.Oracle.FeederEnabled() || cfg.Oracle.Sources[1].Type != "http" {
		t.Fatalf("unexpected sources %+v", cfg.Oracle.Sources)
	}
	if cfg.HealthAddress != ":9090" || cfg.Logging.MaxSizeMB != 50 {
		t.Fatalf("unexpected listener or logging settings")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"tls required": `
listen: ":8080"
`,
		"cert without key": `
tls:
  cert: "server.crt"
  allow_insecure: true
`,
		"auth required on tls": `
tls:
  cert: "server.crt"
  key: "server.key"
`,
		"short secret": `
tls:
  allow_insecure: true
auth:
  enabled: true
  hmac_secret: "short"
`,
		"postgres dsn": `
tls:
  allow_insecure: true
journal:
  driver: postgres
`,
		"unknown driver": `
tls:
  allow_insecure: true
journal:
  driver: mysql
`,
		"sources without pairs": `
tls:
  allow_insecure: true
oracle:
  sources:
    - name: desk
      type: static
      rates:
        "a/b": "1"
`,
		"unknown source type": `
tls:
  allow_insecure: true
oracle:
  pairs:
    - base: a
      quote: b
  sources:
    - name: desk
      type: carrier-pigeon
`,
		"min feeds": `
tls:
  allow_insecure: true
oracle:
  min_feeds: 3
  pairs:
    - base: a
      quote: b
  sources:
    - name: desk
      type: http
      endpoint: http://localhost
`,
		"unknown field": `
tls:
  allow_insecure: true
surprise: true
`,
	}
	for name, doc := range cases {
		if _, err := Load(writeConfig(t, doc)); err == nil {
			t.Fatalf("%s: expected load to fail", name)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "path required") {
		t.Fatalf("expected missing path error, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected open error")
	}
}
