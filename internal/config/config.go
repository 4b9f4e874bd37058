// Package config loads stravasync settings from defaults, an optional YAML
// file and STRAVASYNC_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// EnvPrefix namespaces environment overrides. A double underscore separates
// levels: STRAVASYNC_STRAVA__CLIENT_ID sets strava.client_id.
const EnvPrefix = "STRAVASYNC_"

// PathEnvVar names a config file when -config is not given.
const PathEnvVar = EnvPrefix + "CONFIG"

// Config is the full runtime configuration of one invocation.
type Config struct {
	Strava      StravaConfig      `koanf:"strava"`
	Database    DatabaseConfig    `koanf:"database"`
	Sync        SyncConfig        `koanf:"sync"`
	Auth        AuthConfig        `koanf:"auth"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Log         LogConfig         `koanf:"log"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

// StravaConfig holds API application credentials, endpoints and request pacing.
type StravaConfig struct {
	ClientID          string        `koanf:"client_id"`
	ClientSecret      string        `koanf:"client_secret"`
	BaseURL           string        `koanf:"base_url"`
	AuthURL           string        `koanf:"auth_url"`
	TokenURL          string        `koanf:"token_url"`
	RedirectURL       string        `koanf:"redirect_url"`
	Scope             string        `koanf:"scope"`
	PageSize          int           `koanf:"page_size"`
	RequestInterval   time.Duration `koanf:"request_interval"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	RateLimitRetries  int           `koanf:"rate_limit_retries"`
	RateLimitFallback time.Duration `koanf:"rate_limit_fallback"`
	RetryAttempts     int           `koanf:"retry_attempts"`
	RetryBase         time.Duration `koanf:"retry_base"`
	RetryMax          time.Duration `koanf:"retry_max"`
}

// DatabaseConfig selects the PostgreSQL database and sizes its pool.
type DatabaseConfig struct {
	DSN            string        `koanf:"dsn"`
	MaxConns       int32         `koanf:"max_conns"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// SyncConfig tunes a sync run for one account.
type SyncConfig struct {
	Account       string        `koanf:"account"`
	ConvergePages int           `koanf:"converge_pages"`
	ExpiryMargin  time.Duration `koanf:"expiry_margin"`
	LockTTL       time.Duration `koanf:"lock_ttl"`
}

// AuthConfig controls the loopback receiver of the authorization flow.
type AuthConfig struct {
	ListenAddr string        `koanf:"listen_addr"`
	Timeout    time.Duration `koanf:"timeout"`
}

// CredentialsConfig controls how tokens are stored.
type CredentialsConfig struct {
	// Key seals stored tokens when set. Empty keeps them in plain form.
	Key string `koanf:"key"`
}

// LogConfig selects the zap logger level and encoding.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	// Textfile is written after every sync for node_exporter. Empty disables it.
	Textfile string `koanf:"textfile"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Strava: StravaConfig{
			BaseURL:           "https://www.strava.com/api/v3",
			AuthURL:           "https://www.strava.com/oauth/authorize",
			TokenURL:          "https://www.strava.com/oauth/token",
			RedirectURL:       "http://localhost:8000/authorized",
			Scope:             "activity:read_all",
			PageSize:          100,
			RequestInterval:   500 * time.Millisecond,
			RequestTimeout:    30 * time.Second,
			RateLimitRetries:  5,
			RateLimitFallback: 60 * time.Second,
			RetryAttempts:     5,
			RetryBase:         time.Second,
			RetryMax:          30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:       4,
			ConnectTimeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			Account:       "default",
			ConvergePages: 2,
			ExpiryMargin:  5 * time.Minute,
			LockTTL:       2 * time.Hour,
		},
		Auth: AuthConfig{
			ListenAddr: "localhost:8000",
			Timeout:    5 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load layers defaults, the YAML file at path (or $STRAVASYNC_CONFIG) and the
// environment, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	if s == PathEnvVar {
		return ""
	}
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []error
	req := func(v, name string) {
		if strings.TrimSpace(v) == "" {
			problems = append(problems, fmt.Errorf("%s is required", name))
		}
	}
	pos := func(d time.Duration, name string) {
		if d <= 0 {
			problems = append(problems, fmt.Errorf("%s must be positive", name))
		}
	}

	req(c.Strava.ClientID, "strava.client_id")
	req(c.Strava.ClientSecret, "strava.client_secret")
	req(c.Database.DSN, "database.dsn")
	pos(c.Database.ConnectTimeout, "database.connect_timeout")
	if c.Database.MaxConns < 1 {
		problems = append(problems, errors.New("database.max_conns must be at least 1"))
	}
	req(c.Strava.BaseURL, "strava.base_url")
	req(c.Sync.Account, "sync.account")

	if c.Strava.PageSize < 1 || c.Strava.PageSize > 200 {
		problems = append(problems, fmt.Errorf("strava.page_size must be within 1..200, got %d", c.Strava.PageSize))
	}
	if c.Strava.RequestInterval < 0 {
		problems = append(problems, errors.New("strava.request_interval must not be negative"))
	}
	if c.Strava.RateLimitRetries < 1 {
		problems = append(problems, errors.New("strava.rate_limit_retries must be at least 1"))
	}
	if c.Strava.RetryAttempts < 0 {
		problems = append(problems, errors.New("strava.retry_attempts must not be negative"))
	}
	if c.Sync.ConvergePages < 1 {
		problems = append(problems, errors.New("sync.converge_pages must be at least 1"))
	}
	pos(c.Strava.RequestTimeout, "strava.request_timeout")
	pos(c.Strava.RateLimitFallback, "strava.rate_limit_fallback")
	pos(c.Strava.RetryBase, "strava.retry_base")
	pos(c.Strava.RetryMax, "strava.retry_max")
	pos(c.Sync.ExpiryMargin, "sync.expiry_margin")
	pos(c.Sync.LockTTL, "sync.lock_ttl")
	pos(c.Auth.Timeout, "auth.timeout")

	switch c.Log.Format {
	case "json", "console":
	default:
		problems = append(problems, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(problems...)
}

// Logger builds the process logger from the log section.
func (c LogConfig) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}
