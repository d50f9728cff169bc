// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full service configuration.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	JWTSecret         string `env:"JWT_SECRET"`
	EncryptionKey     string `env:"ENCRYPTION_KEY"`
	EncryptionPrevKey string `env:"ENCRYPTION_PREV_KEY"`

	KiteBaseURL    string        `env:"KITE_BASE_URL"`
	KiteAPIKey     string        `env:"KITE_API_KEY"`
	DhanBaseURL    string        `env:"DHAN_BASE_URL"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	TokenRefreshSpec      string        `env:"TOKEN_REFRESH_SPEC" envDefault:"0 0 * * * *"`
	TokenRefreshThreshold time.Duration `env:"TOKEN_REFRESH_THRESHOLD" envDefault:"2h"`

	PositionKeyScope string `env:"POSITION_KEY_SCOPE" envDefault:"symbol"`

	AuthMaxFailures int           `env:"AUTH_MAX_FAILURES" envDefault:"5"`
	AuthLockout     time.Duration `env:"AUTH_LOCKOUT" envDefault:"15m"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if len(strings.TrimSpace(c.EncryptionKey)) < 16 {
		errs = append(errs, errors.New("config: ENCRYPTION_KEY must be at least 16 characters"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("config: JWT_SECRET is required"))
	}
	switch c.PositionKeyScope {
	case "symbol", "contract":
	default:
		errs = append(errs, fmt.Errorf("config: POSITION_KEY_SCOPE must be symbol or contract, got %q", c.PositionKeyScope))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("config: GATEWAY_TIMEOUT must be positive"))
	}
	if c.AuthMaxFailures <= 0 {
		errs = append(errs, errors.New("config: AUTH_MAX_FAILURES must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
