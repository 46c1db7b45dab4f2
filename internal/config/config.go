// Package config loads unchain-agent configuration from environment
// variables. A .env file in the working directory, or the file named by
// UNCHAIN_ENV_FILE, is read first; variables already set win.
//
// Required variables:
//   - UNCHAIN_API_URL: base URL of the unchain API.
//   - UNCHAIN_ENVIRONMENT: environment evaluated when a request names none.
//   - UNCHAIN_PROJECTS: comma-separated project ids to synchronise.
//
// Optional variables:
//   - UNCHAIN_API_TOKEN: static bearer token for the API.
//   - UNCHAIN_OAUTH_TOKEN_URL, UNCHAIN_OAUTH_CLIENT_ID,
//     UNCHAIN_OAUTH_CLIENT_SECRET, UNCHAIN_OAUTH_SCOPES: client credentials
//     grant, used instead of UNCHAIN_API_TOKEN when the token URL is set.
//   - UNCHAIN_POLL_INTERVAL: feature poll period (default "120s", must be > 0).
//   - UNCHAIN_STREAMING: open a push stream next to polling (default false).
//   - HTTP_ADDR: listen address (default ":8080").
//   - LOG_LEVEL: debug, info, warn, error or a numeric slog level (default "info").
//   - AGENT_TOKEN_HASH: bcrypt hash of the bearer token callers must send.
//     Authentication is disabled when empty.
//   - AUTH_RATE_LIMIT: failed authentication attempts per minute allowed per
//     client IP (default 10).
//   - MAX_JSON_BODY_SIZE: max request body size in bytes (default 1048576).
//   - SHUTDOWN_TIMEOUT: grace period for in-flight requests (default "10s").
//   - TS_AUTH_KEY: when set, also serve on a tailnet listener.
//   - TS_HOSTNAME: tailnet hostname (default "unchain-agent").
//   - TS_STATE_DIR: tsnet state directory (default "tsnet-state").
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/matt-riley/unchain/internal/logging"
)

// Config holds the runtime configuration for the unchain agent.
type Config struct {
	APIURL       string        `env:"UNCHAIN_API_URL,required,notEmpty"`
	APIToken     string        `env:"UNCHAIN_API_TOKEN"`
	Environment  string        `env:"UNCHAIN_ENVIRONMENT,required,notEmpty"`
	Projects     []string      `env:"UNCHAIN_PROJECTS,required,notEmpty" envSeparator:","`
	PollInterval time.Duration `env:"UNCHAIN_POLL_INTERVAL" envDefault:"120s"`
	Streaming    bool          `env:"UNCHAIN_STREAMING" envDefault:"false"`

	OAuthTokenURL     string   `env:"UNCHAIN_OAUTH_TOKEN_URL"`
	OAuthClientID     string   `env:"UNCHAIN_OAUTH_CLIENT_ID"`
	OAuthClientSecret string   `env:"UNCHAIN_OAUTH_CLIENT_SECRET"`
	OAuthScopes       []string `env:"UNCHAIN_OAUTH_SCOPES" envSeparator:","`

	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	TokenHash       string        `env:"AGENT_TOKEN_HASH"`
	AuthRateLimit   int           `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	MaxJSONBodySize int64         `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	TSAuthKey  string `env:"TS_AUTH_KEY"`
	TSHostname string `env:"TS_HOSTNAME" envDefault:"unchain-agent"`
	TSStateDir string `env:"TS_STATE_DIR" envDefault:"tsnet-state"`
}

// Load reads configuration from the environment, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// values fail validation.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFile() error {
	if path := strings.TrimSpace(os.Getenv("UNCHAIN_ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load UNCHAIN_ENV_FILE: %w", err)
		}
		return nil
	}
	// The default .env file is optional.
	_ = godotenv.Load()
	return nil
}

func (c *Config) normalize() {
	c.APIURL = strings.TrimSpace(c.APIURL)
	c.Environment = strings.TrimSpace(c.Environment)
	c.Projects = trimAll(c.Projects)
	c.OAuthScopes = trimAll(c.OAuthScopes)
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c Config) validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("UNCHAIN_API_URL must be an absolute http(s) URL")
	}
	if c.Environment == "" {
		return errors.New("UNCHAIN_ENVIRONMENT is required")
	}
	if len(c.Projects) == 0 {
		return errors.New("UNCHAIN_PROJECTS must name at least one project")
	}
	if c.PollInterval <= 0 {
		return errors.New("UNCHAIN_POLL_INTERVAL must be > 0")
	}
	if c.OAuthTokenURL != "" && (c.OAuthClientID == "" || c.OAuthClientSecret == "") {
		return errors.New("UNCHAIN_OAUTH_CLIENT_ID and UNCHAIN_OAUTH_CLIENT_SECRET are required when UNCHAIN_OAUTH_TOKEN_URL is set")
	}
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("LOG_LEVEL %q must be debug, info, warn, error or a numeric level", c.LogLevel)
	}
	if c.AuthRateLimit <= 0 {
		return errors.New("AUTH_RATE_LIMIT must be > 0")
	}
	if c.MaxJSONBodySize < 1 {
		return errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.TokenHash != "" && !strings.HasPrefix(c.TokenHash, "$2") {
		return errors.New("AGENT_TOKEN_HASH must be a bcrypt hash")
	}
	return nil
}
