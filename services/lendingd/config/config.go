package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen        = ":8080"
	defaultFeedInterval  = 30 * time.Second
	defaultOracleMaxAge  = 10 * time.Minute
	defaultNATSSubject   = "lending.events"
	defaultRatePerMinute = 600
	defaultRateBurst     = 60
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	HealthAddress string          `yaml:"health_listen"`
	TLS           TLSConfig       `yaml:"tls"`
	Auth          AuthConfig      `yaml:"auth"`
	Storage       StorageConfig   `yaml:"storage"`
	Journal       JournalConfig   `yaml:"journal"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Logging       LoggingConfig   `yaml:"logging"`
	NATS          NATSConfig      `yaml:"nats"`
}

// TLSConfig describes the TLS material for the HTTP and health listeners.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig controls how callers are identified. With JWT auth enabled the
// token subject is the caller address; otherwise callers name themselves with
// the X-Caller-Address header, which is only accepted on insecure dev setups.
type AuthConfig struct {
	Enabled    bool          `yaml:"enabled"`
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   []string      `yaml:"audience"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// StorageConfig locates the protocol state. An empty path keeps state in
// memory, which is only useful for demos and tests.
type StorageConfig struct {
	Path    string `yaml:"path"`
	Genesis string `yaml:"genesis"`
}

// JournalConfig selects the event journal backend.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// OracleConfig tunes the price feeds and the optional median feeder.
type OracleConfig struct {
	MaxAge   time.Duration  `yaml:"max_age"`
	Interval time.Duration  `yaml:"interval"`
	MinFeeds int            `yaml:"min_feeds"`
	Pairs    []PairConfig   `yaml:"pairs"`
	Sources  []SourceConfig `yaml:"sources"`
}

// PairConfig names a base/quote token pair by address.
type PairConfig struct {
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
}

// SourceConfig describes one upstream price source. Static sources serve the
// configured rates; http sources are polled at Endpoint.
type SourceConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	Rates    map[string]string `yaml:"rates"`
}

// LoggingConfig optionally mirrors logs into a rotated file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.HealthAddress = strings.TrimSpace(cfg.HealthAddress)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Storage.Genesis = strings.TrimSpace(cfg.Storage.Genesis)
	cfg.Journal.normalize()
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRatePerMinute
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}
	cfg.Oracle.normalize()
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)
	cfg.NATS.URL = strings.TrimSpace(cfg.NATS.URL)
	cfg.NATS.Subject = strings.TrimSpace(cfg.NATS.Subject)
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = defaultNATSSubject
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(cfg.TLS); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Journal.validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if err := cfg.Oracle.validate(); err != nil {
		return fmt.Errorf("oracle: %w", err)
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxBackups < 0 || cfg.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging: rotation limits must not be negative")
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	audience := make([]string, 0, len(cfg.Audience))
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audience = append(audience, trimmed)
		}
	}
	cfg.Audience = audience
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
}

func (cfg AuthConfig) validate(tls TLSConfig) error {
	if !cfg.Enabled {
		if !tls.AllowInsecure {
			return fmt.Errorf("jwt auth is required unless tls.allow_insecure=true")
		}
		return nil
	}
	if len(cfg.HMACSecret) < 32 {
		return fmt.Errorf("hmac_secret must be at least 32 bytes")
	}
	return nil
}

func (cfg *JournalConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	cfg.Path = strings.TrimSpace(cfg.Path)
}

func (cfg JournalConfig) validate() error {
	switch cfg.Driver {
	case "sqlite":
		if cfg.DSN != "" && cfg.Path != "" {
			return fmt.Errorf("set either dsn or path for sqlite, not both")
		}
	case "postgres":
		if cfg.DSN == "" {
			return fmt.Errorf("postgres journal requires a dsn")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	return nil
}

func (cfg *OracleConfig) normalize() {
	if cfg == nil {
		return
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultOracleMaxAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultFeedInterval
	}
	if cfg.MinFeeds <= 0 {
		cfg.MinFeeds = 1
	}
	for i := range cfg.Pairs {
		cfg.Pairs[i].Base = strings.TrimSpace(cfg.Pairs[i].Base)
		cfg.Pairs[i].Quote = strings.TrimSpace(cfg.Pairs[i].Quote)
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		src.Name = strings.TrimSpace(src.Name)
		src.Type = strings.ToLower(strings.TrimSpace(src.Type))
		src.Endpoint = strings.TrimSpace(src.Endpoint)
	}
}

func (cfg OracleConfig) validate() error {
	if len(cfg.Sources) > 0 && len(cfg.Pairs) == 0 {
		return fmt.Errorf("feeder sources configured without pairs")
	}
	if cfg.MinFeeds > len(cfg.Sources) && len(cfg.Sources) > 0 {
		return fmt.Errorf("min_feeds %d exceeds the %d configured sources", cfg.MinFeeds, len(cfg.Sources))
	}
	for i, pair := range cfg.Pairs {
		if pair.Base == "" || pair.Quote == "" {
			return fmt.Errorf("pair %d: base and quote are required", i)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for i, src := range cfg.Sources {
		if src.Name == "" {
			return fmt.Errorf("source %d: name is required", i)
		}
		if _, dup := seen[src.Name]; dup {
			return fmt.Errorf("source %q declared twice", src.Name)
		}
		seen[src.Name] = struct{}{}
		switch src.Type {
		case "static":
			if len(src.Rates) == 0 {
				return fmt.Errorf("source %q: static sources need rates", src.Name)
			}
		case "http":
			if src.Endpoint == "" {
				return fmt.Errorf("source %q: endpoint is required", src.Name)
			}
		default:
			return fmt.Errorf("source %q: unknown type %q", src.Name, src.Type)
		}
	}
	return nil
}

// FeederEnabled reports whether any upstream price source is configured.
func (cfg OracleConfig) FeederEnabled() bool {
	return len(cfg.Sources) > 0
}
