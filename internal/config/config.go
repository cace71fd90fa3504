// Package config provides configuration loading for the terminal server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable name. The bare name is accepted
// when the prefixed one is unset.
const EnvPrefix = "WEBTERM"

// Config holds all configuration values for the terminal server.
type Config struct {
	// Server settings
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":8080"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	// HTTP server timeouts
	HTTPReadTimeout time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	HTTPIdleTimeout time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`

	// PTY settings
	DefaultShell string `envconfig:"DEFAULT_SHELL" default:"/bin/sh"`
	DefaultRows  int    `envconfig:"DEFAULT_ROWS" default:"24"`
	DefaultCols  int    `envconfig:"DEFAULT_COLS" default:"80"`

	// Session settings
	MaxBufferChars  int           `envconfig:"TERMINAL_MAX_BUFFER_CHARS" default:"65536"`
	IdleTTLSeconds  int           `envconfig:"TERMINAL_IDLE_TTL" default:"1800"`
	SweepInterval   time.Duration `envconfig:"TERMINAL_SWEEP_INTERVAL" default:"30s"`
	KillGrace       time.Duration `envconfig:"TERMINAL_KILL_GRACE" default:"2s"`
	MaxSessions     int           `envconfig:"TERMINAL_MAX_SESSIONS" default:"32"`
	JournalPath     string        `envconfig:"JOURNAL_PATH"`

	// WebSocket settings
	WSReadLimit    int64         `envconfig:"WS_READ_LIMIT" default:"65536"`
	WSWriteTimeout time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	WSMessageRate  float64       `envconfig:"WS_MESSAGE_RATE" default:"100"`
	WSMessageBurst int           `envconfig:"WS_MESSAGE_BURST" default:"200"`

	// Auth settings
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`
	AuthToken    string `envconfig:"AUTH_TOKEN"`
	JWTSecret    string `envconfig:"JWT_SECRET"`
	JWKSURL      string `envconfig:"JWKS_URL"`
	JWTAudience  string `envconfig:"JWT_AUDIENCE" default:"webterm"`
	JWTIssuer    string `envconfig:"JWT_ISSUER"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.AllowedOrigins = cleanList(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no safe fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxBufferChars <= 0 {
		errs = append(errs, errors.New("TERMINAL_MAX_BUFFER_CHARS must be positive"))
	}
	if c.IdleTTLSeconds <= 0 {
		errs = append(errs, errors.New("TERMINAL_IDLE_TTL must be positive"))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("TERMINAL_MAX_SESSIONS must not be negative"))
	}
	if c.DefaultRows <= 0 || c.DefaultCols <= 0 {
		errs = append(errs, errors.New("DEFAULT_ROWS and DEFAULT_COLS must be positive"))
	}
	if !c.AuthDisabled && c.AuthToken == "" && c.JWTSecret == "" && c.JWKSURL == "" {
		errs = append(errs, errors.New("one of AUTH_TOKEN, JWT_SECRET or JWKS_URL is required unless AUTH_DISABLED is set"))
	}
	return errors.Join(errs...)
}

// IdleTTL returns the detached-session lifetime.
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.IdleTTLSeconds) * time.Second
}

// cleanList trims entries of a comma-separated list and drops empty ones.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
