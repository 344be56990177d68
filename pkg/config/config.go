// Package config loads the service configuration from the environment and
// the optional security policy profile from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Mindburn-Labs/helm-pay/pkg/observability"
)

// Config holds server configuration.
type Config struct {
	Port     string `env:"AP2_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// Storage. DATABASE_URL holds agents, mandates, spending limits and
	// idempotency keys; AP2_SQLITE_PATH holds transactions and the action log.
	// Anything left unset lives in memory. REDIS_ADDR takes over idempotency.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"AP2_SQLITE_PATH"`
	RedisAddr   string `env:"REDIS_ADDR"`

	BridgeBaseURL   string        `env:"BRIDGE_BASE_URL" envDefault:"https://api.sandbox.bridge.xyz/v1"`
	BridgeAPIKey    string        `env:"BRIDGE_API_KEY"`
	BridgeTimeout   time.Duration `env:"BRIDGE_TIMEOUT" envDefault:"30s"`
	BridgeRateLimit float64       `env:"BRIDGE_RATE_LIMIT" envDefault:"10"`

	ByzantineThreshold float64       `env:"AP2_BYZANTINE_THRESHOLD" envDefault:"0.67"`
	MinValidators      int           `env:"AP2_MIN_VALIDATORS" envDefault:"3"`
	PendingTTL         time.Duration `env:"AP2_PENDING_TTL"`
	IdempotencyTTL     time.Duration `env:"AP2_IDEMPOTENCY_TTL" envDefault:"24h"`
	PolicyFile         string        `env:"AP2_POLICY_FILE"`

	JWTSecret    string   `env:"AP2_JWT_SECRET"`
	MasterSecret string   `env:"AP2_MASTER_SECRET"`
	CORSOrigins  []string `env:"AP2_CORS_ORIGINS" envSeparator:","`

	RateLimitRPS   float64 `env:"AP2_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"AP2_RATE_LIMIT_BURST" envDefault:"40"`

	OTelEnabled  bool   `env:"OTEL_ENABLED"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	Environment  string `env:"OTEL_DEPLOYMENT_ENVIRONMENT" envDefault:"development"`
}

// Load parses the process environment and validates the result.
func Load() (*Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom parses the given environment instead of the process one.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ByzantineThreshold <= 0 || c.ByzantineThreshold > 1 {
		errs = append(errs, fmt.Errorf("AP2_BYZANTINE_THRESHOLD must be in (0, 1], got %v", c.ByzantineThreshold))
	}
	if c.MinValidators < 1 {
		errs = append(errs, fmt.Errorf("AP2_MIN_VALIDATORS must be positive, got %d", c.MinValidators))
	}
	if c.PendingTTL < 0 {
		errs = append(errs, fmt.Errorf("AP2_PENDING_TTL must not be negative, got %s", c.PendingTTL))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, fmt.Errorf("AP2_IDEMPOTENCY_TTL must be positive, got %s", c.IdempotencyTTL))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("AP2_RATE_LIMIT_RPS and AP2_RATE_LIMIT_BURST must not be negative"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Observability returns the telemetry configuration.
func (c *Config) Observability() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.OTelEnabled
	oc.OTLPEndpoint = c.OTelEndpoint
	oc.Insecure = c.OTelInsecure
	oc.Environment = c.Environment
	return oc
}
