package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "CLUBHUB_"

// Identity policies understood by the auth guard.
const (
	IdentityPolicyStore = "store"
	IdentityPolicyToken = "token"
)

const minSigningKeyBytes = 32

// Config is the root configuration of the API process. It is loaded from an
// optional YAML file and then overridden by CLUBHUB_* environment variables.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	// RateBurst and RatePerSecond bound unauthenticated auth endpoints per client IP.
	RateBurst     int `yaml:"rate_burst"`
	RatePerSecond int `yaml:"rate_per_second"`
	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For
	// header is honoured. Empty means the peer address is always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses become
// single-host prefixes.
func (h HTTPConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(h.TrustedProxies))
	for _, raw := range h.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("http.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("http.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// GRPCConfig holds gRPC listener settings. An empty Addr disables gRPC.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds PostgreSQL settings. An empty DSN selects the
// in-memory stores (development only).
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// AuthConfig carries every secret and lifetime used by the auth core.
type AuthConfig struct {
	Issuer             string        `yaml:"issuer"`
	SigningKey         string        `yaml:"signing_key"`
	PreviousSigningKey string        `yaml:"previous_signing_key"`
	Pepper             string        `yaml:"pepper"`
	AccessTTL          time.Duration `yaml:"access_ttl"`
	MaxAccessTTL       time.Duration `yaml:"max_access_ttl"`
	RefreshTTL         time.Duration `yaml:"refresh_ttl"`
	IdentityPolicy     string        `yaml:"identity_policy"`
	ReuseDetection     bool          `yaml:"reuse_detection"`
	PurgeInterval      time.Duration `yaml:"purge_interval"`
}

// LoggingConfig controls the shared logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateBurst:       10,
			RatePerSecond:   5,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:         "clubhub",
			AccessTTL:      15 * time.Minute,
			MaxAccessTTL:   24 * time.Hour,
			RefreshTTL:     30 * 24 * time.Hour,
			IdentityPolicy: IdentityPolicyStore,
			ReuseDetection: true,
			PurgeInterval:  time.Hour,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.GRPC.Addr = getEnv("GRPC_ADDR", c.GRPC.Addr)
	c.Database.DSN = getEnv("PG_DSN", c.Database.DSN)
	c.Auth.Issuer = getEnv("AUTH_ISSUER", c.Auth.Issuer)
	c.Auth.SigningKey = getEnv("AUTH_SIGNING_KEY", c.Auth.SigningKey)
	c.Auth.PreviousSigningKey = getEnv("AUTH_PREVIOUS_SIGNING_KEY", c.Auth.PreviousSigningKey)
	c.Auth.Pepper = getEnv("AUTH_PEPPER", c.Auth.Pepper)
	c.Auth.IdentityPolicy = getEnv("AUTH_IDENTITY_POLICY", c.Auth.IdentityPolicy)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	if raw := getEnv("HTTP_TRUSTED_PROXIES", ""); raw != "" {
		c.HTTP.TrustedProxies = strings.Split(raw, ",")
	}

	var err error
	if c.Auth.AccessTTL, err = getEnvDuration("AUTH_ACCESS_TTL", c.Auth.AccessTTL); err != nil {
		return err
	}
	if c.Auth.RefreshTTL, err = getEnvDuration("AUTH_REFRESH_TTL", c.Auth.RefreshTTL); err != nil {
		return err
	}
	if c.Auth.ReuseDetection, err = getEnvBool("AUTH_REUSE_DETECTION", c.Auth.ReuseDetection); err != nil {
		return err
	}
	return nil
}

// Validate checks cross-field constraints. It never echoes secret values.
func (c Config) Validate() error {
	var errs []error
	if len(c.Auth.SigningKey) < minSigningKeyBytes {
		errs = append(errs, fmt.Errorf("auth.signing_key must be at least %d bytes", minSigningKeyBytes))
	}
	if c.Auth.PreviousSigningKey != "" && len(c.Auth.PreviousSigningKey) < minSigningKeyBytes {
		errs = append(errs, fmt.Errorf("auth.previous_signing_key must be at least %d bytes", minSigningKeyBytes))
	}
	if c.Auth.PreviousSigningKey != "" && c.Auth.PreviousSigningKey == c.Auth.SigningKey {
		errs = append(errs, errors.New("auth.previous_signing_key must differ from auth.signing_key"))
	}
	if strings.TrimSpace(c.Auth.Pepper) == "" {
		errs = append(errs, errors.New("auth.pepper is required"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.MaxAccessTTL <= 0 {
		errs = append(errs, errors.New("auth access ttl values must be positive"))
	}
	if c.Auth.AccessTTL > c.Auth.MaxAccessTTL {
		errs = append(errs, errors.New("auth.access_ttl exceeds auth.max_access_ttl"))
	}
	if c.Auth.MaxAccessTTL > 72*time.Hour {
		errs = append(errs, errors.New("auth.max_access_ttl must not exceed 72h"))
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		errs = append(errs, errors.New("auth.refresh_ttl must be longer than auth.access_ttl"))
	}
	switch c.Auth.IdentityPolicy {
	case IdentityPolicyStore, IdentityPolicyToken:
	default:
		errs = append(errs, fmt.Errorf("auth.identity_policy %q is not supported", c.Auth.IdentityPolicy))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if _, err := c.HTTP.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return d, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return b, nil
}
