// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads gatekeeper configuration from defaults, an optional
// YAML file, the environment and command-line flags, in that order.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/logging"
)

// EnvPrefix prefixes every environment variable read by Load. Nested keys
// are separated by a double underscore: GATEKEEPER_HTTP__ADDR sets http.addr.
const EnvPrefix = "GATEKEEPER_"

// Backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// Config is the full service configuration.
type Config struct {
	HTTP     HTTP     `koanf:"http"`
	Metrics  Metrics  `koanf:"metrics"`
	Log      Log      `koanf:"log"`
	Database Database `koanf:"database"`
	Store    Store    `koanf:"store"`
	Throttle Throttle `koanf:"throttle"`
	Redis    Redis    `koanf:"redis"`
	Auth     Auth     `koanf:"auth"`
	Hasher   Hasher   `koanf:"hasher"`
	Redirect Redirect `koanf:"redirect"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr               string        `koanf:"addr"`
	ReadHeaderTimeout  time.Duration `koanf:"read_header_timeout"`
	RequestTimeout     time.Duration `koanf:"request_timeout"`
	CORSOrigins        []string      `koanf:"cors_origins"`
	TrustProxy         bool          `koanf:"trust_proxy"`
	LoginRatePerMinute int           `koanf:"login_rate_per_minute"`
}

// Metrics configures the observability listener. An empty Addr disables it.
type Metrics struct {
	Addr string `koanf:"addr"`
}

// Log configures the default logger.
type Log struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Database configures the PostgreSQL pool.
type Database struct {
	URL            string `koanf:"url"`
	AutoMigrate    bool   `koanf:"auto_migrate"`
	ConnectRetries uint64 `koanf:"connect_retries"`
}

// Store selects the credential store backend.
type Store struct {
	Backend string `koanf:"backend"`
}

// Throttle selects the login throttle backend.
type Throttle struct {
	Backend string `koanf:"backend"`
}

// Redis configures the redis throttle backend.
type Redis struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Auth holds credential policy.
type Auth struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	Decay             time.Duration `koanf:"decay"`
	TokenTTL          time.Duration `koanf:"token_ttl"`
	ResetTTL          time.Duration `koanf:"reset_ttl"`
	PasswordMinLength int           `koanf:"password_min_length"`
}

// Hasher is the argon2id cost factor.
type Hasher struct {
	MemoryKiB   uint32 `koanf:"memory_kib"`
	Iterations  uint32 `koanf:"iterations"`
	Parallelism uint8  `koanf:"parallelism"`
}

// Redirect maps roles to post-login paths.
type Redirect struct {
	Default string            `koanf:"default"`
	Roles   map[string]string `koanf:"roles"`
}

// Defaults returns the built-in configuration as a flat koanf map.
func Defaults() map[string]any {
	defaults := map[string]any{
		"http.addr":                  ":8080",
		"http.read_header_timeout":   "10s",
		"http.request_timeout":       "10s",
		"http.cors_origins":          []string{},
		"http.trust_proxy":           false,
		"http.login_rate_per_minute": 6,
		"metrics.addr":               "127.0.0.1:9100",
		"log.format":                 "json",
		"log.level":                  "info",
		"database.url":               "",
		"database.auto_migrate":      false,
		"database.connect_retries":   5,
		"store.backend":              BackendPostgres,
		"throttle.backend":           BackendMemory,
		"redis.addr":                 "127.0.0.1:6379",
		"redis.password":             "",
		"redis.db":                   0,
		"auth.max_attempts":          auth.DefaultMaxAttempts,
		"auth.decay":                 auth.DefaultDecay.String(),
		"auth.token_ttl":             auth.DefaultTokenTTL.String(),
		"auth.reset_ttl":             auth.DefaultResetTokenTTL.String(),
		"auth.password_min_length":   auth.DefaultPasswordMinLength,
		"hasher.memory_kib":          auth.DefaultArgon2Memory,
		"hasher.iterations":          auth.DefaultArgon2Iterations,
		"hasher.parallelism":         auth.DefaultArgon2Parallelism,
		"redirect.default":           auth.DefaultRedirectPath,
	}
	for role, path := range auth.DefaultRedirectPaths().Roles {
		defaults["redirect.roles."+role] = path
	}
	return defaults
}

// flagKeys maps command-line flag names to configuration keys. Flags not
// listed here are not configuration.
var flagKeys = map[string]string{
	"http-addr":        "http.addr",
	"metrics-addr":     "metrics.addr",
	"log-format":       "log.format",
	"log-level":        "log.level",
	"store-backend":    "store.backend",
	"throttle-backend": "throttle.backend",
	"auto-migrate":     "database.auto_migrate",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("http-addr", ":8080", "HTTP API listen address")
	fs.String("metrics-addr", "127.0.0.1:9100", "metrics/health HTTP address (empty = disabled)")
	fs.String("log-format", "json", "log format (json or text)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("store-backend", BackendPostgres, "credential store backend (postgres or memory)")
	fs.String("throttle-backend", BackendMemory, "login throttle backend (memory or redis)")
	fs.Bool("auto-migrate", false, "apply pending database migrations on startup")
}

// Load builds a Config. path may be empty. flags may be nil; unchanged flags
// never override values from the file or the environment.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "defaults").Wrap(err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", path).Wrap(err)
		}
	}

	// DATABASE_URL is honored for compatibility with standard tooling; the
	// prefixed variable below wins when both are set.
	if err := k.Load(env.Provider("DATABASE_URL", ".", func(s string) string {
		if s == "DATABASE_URL" {
			return "database.url"
		}
		return ""
	}), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, f.Value.String()
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("operation", "unmarshal").Wrap(err)
	}
	cfg.HTTP.CORSOrigins = compact(cfg.HTTP.CORSOrigins)

	return &cfg, nil
}

// envKey maps GATEKEEPER_HTTP__CORS_ORIGINS to http.cors_origins.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// compact splits comma separated entries, as set from the environment, and
// drops blanks and trailing slashes.
func compact(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimRight(strings.TrimSpace(part), "/"); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	invalid := func(key, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
	}

	switch {
	case c.HTTP.Addr == "":
		return invalid("http.addr", "http.addr is required")
	case c.HTTP.RequestTimeout <= 0:
		return invalid("http.request_timeout", "http.request_timeout must be positive")
	case c.HTTP.ReadHeaderTimeout <= 0:
		return invalid("http.read_header_timeout", "http.read_header_timeout must be positive")
	case c.HTTP.LoginRatePerMinute <= 0:
		return invalid("http.login_rate_per_minute", "http.login_rate_per_minute must be positive")
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "log.level %q is not a known level", c.Log.Level)
	}

	switch c.Store.Backend {
	case BackendPostgres:
		if c.Database.URL == "" {
			return invalid("database.url", "database.url (or DATABASE_URL) is required for the postgres store")
		}
	case BackendMemory:
	default:
		return invalid("store.backend", "store.backend must be 'postgres' or 'memory', got %q", c.Store.Backend)
	}

	switch c.Throttle.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return invalid("redis.addr", "redis.addr is required for the redis throttle")
		}
	default:
		return invalid("throttle.backend", "throttle.backend must be 'memory' or 'redis', got %q", c.Throttle.Backend)
	}

	switch {
	case c.Auth.MaxAttempts <= 0:
		return invalid("auth.max_attempts", "auth.max_attempts must be positive")
	case c.Auth.Decay <= 0:
		return invalid("auth.decay", "auth.decay must be positive")
	case c.Auth.TokenTTL <= 0:
		return invalid("auth.token_ttl", "auth.token_ttl must be positive")
	case c.Auth.ResetTTL <= 0:
		return invalid("auth.reset_ttl", "auth.reset_ttl must be positive")
	case c.Auth.PasswordMinLength <= 0:
		return invalid("auth.password_min_length", "auth.password_min_length must be positive")
	}

	if err := c.HasherParams().Validate(); err != nil {
		return invalid("hasher", "hasher parameters are invalid: %v", err)
	}

	if !strings.HasPrefix(c.Redirect.Default, "/") {
		return invalid("redirect.default", "redirect.default must be an absolute path")
	}
	for role, path := range c.Redirect.Roles {
		if !strings.HasPrefix(path, "/") {
			return invalid("redirect.roles", "redirect path for role %q must be an absolute path", role)
		}
	}

	return nil
}

// HasherParams returns the argon2id cost factor.
func (c *Config) HasherParams() auth.HasherParams {
	return auth.HasherParams{
		Memory:      c.Hasher.MemoryKiB,
		Iterations:  c.Hasher.Iterations,
		Parallelism: c.Hasher.Parallelism,
	}
}

// RedirectPaths returns the post-login redirect map.
func (c *Config) RedirectPaths() auth.RedirectPaths {
	return auth.RedirectPaths{Default: c.Redirect.Default, Roles: c.Redirect.Roles}
}

// ThrottleConfig returns the credential throttle policy.
func (c *Config) ThrottleConfig() auth.ThrottleConfig {
	return auth.ThrottleConfig{MaxAttempts: c.Auth.MaxAttempts, Decay: c.Auth.Decay}
}

// LogLevel returns the parsed log level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}
