// Package config loads service configuration for the control plane.
//
// A YAML file named by RETAILGATE_CONFIG is read over the built-in defaults,
// then a small set of environment variables override deployment-specific values
// (environment, listen address, database DSN, token secret).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Bootstrap modes for first-contact users without role assignments.
const (
	BootstrapAuto    = "auto"
	BootstrapPersist = "persist"
	BootstrapCall    = "call"
	BootstrapNone    = "none"
)

// Config is the service configuration.
type Config struct {
	Environment Environment    `yaml:"environment"`
	LogLevel    string         `yaml:"log_level"`
	HTTP        HTTPConfig     `yaml:"http"`
	Postgres    PostgresConfig `yaml:"postgres"`
	Auth        AuthConfig     `yaml:"auth"`
	Security    SecurityConfig `yaml:"security"`
	Bootstrap   string         `yaml:"bootstrap"`
	StepUp      StepUpConfig   `yaml:"step_up"`
}

type HTTPConfig struct {
	Addr               string  `yaml:"addr"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type AuthConfig struct {
	Secret string `yaml:"secret"`
}

// SecurityConfig holds the defaults applied to tenants that have not stored their own values.
// Nil thresholds mean no approval gate is configured.
type SecurityConfig struct {
	RefundThreshold       *int64 `yaml:"refund_threshold"`
	DiscountThreshold     *int64 `yaml:"discount_threshold"`
	ExportRateLimit       int    `yaml:"export_rate_limit"`
	StepUpTimeoutMinutes  int    `yaml:"step_up_timeout_minutes"`
	SupportSessionMinutes int    `yaml:"support_session_minutes"`
	PendingActionHours    int    `yaml:"pending_action_hours"`
}

type StepUpConfig struct {
	// SweepInterval is how often expired step-up sessions are deleted. Zero disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the configuration used before any file or environment is applied.
func Default() *Config {
	return &Config{
		Environment: Development,
		LogLevel:    "info",
		HTTP: HTTPConfig{
			Addr:               ":8080",
			RateLimitPerSecond: 50,
			RateLimitBurst:     100,
		},
		Postgres: PostgresConfig{MaxOpenConns: 10},
		Security: SecurityConfig{
			ExportRateLimit:       10,
			StepUpTimeoutMinutes:  10,
			SupportSessionMinutes: 60,
			PendingActionHours:    24,
		},
		Bootstrap: BootstrapAuto,
		StepUp:    StepUpConfig{SweepInterval: 5 * time.Minute},
	}
}

// Load reads RETAILGATE_CONFIG when set, then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("RETAILGATE_CONFIG")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from path without consulting the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("RETAILGATE_ENV"); ok && v != "" {
		c.Environment = Environment(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup("RETAILGATE_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup("RETAILGATE_HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("RETAILGATE_PG_DSN"); ok && v != "" {
		c.Postgres.DSN = v
	}
	if v, ok := lookup("RETAILGATE_AUTH_SECRET"); ok && v != "" {
		c.Auth.Secret = v
	}
	if v, ok := lookup("RETAILGATE_BOOTSTRAP"); ok && v != "" {
		c.Bootstrap = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup("RETAILGATE_EXPORT_RATE_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RETAILGATE_EXPORT_RATE_LIMIT: %w", err)
		}
		c.Security.ExportRateLimit = n
	}
	return nil
}

// BootstrapMode resolves "auto" against the environment: production fails closed,
// everything else persists the bootstrapped assignment.
func (c *Config) BootstrapMode() string {
	if c.Bootstrap == "" || c.Bootstrap == BootstrapAuto {
		if c.Environment == Production {
			return BootstrapNone
		}
		return BootstrapPersist
	}
	return c.Bootstrap
}

// PendingActionExpiry returns the default lifetime of a pending action.
func (c *Config) PendingActionExpiry() time.Duration {
	return time.Duration(c.Security.PendingActionHours) * time.Hour
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level: %s", c.LogLevel))
	}
	switch c.Bootstrap {
	case BootstrapAuto, BootstrapPersist, BootstrapCall, BootstrapNone:
	default:
		errs = append(errs, fmt.Errorf("invalid bootstrap mode: %s", c.Bootstrap))
	}
	if c.Environment == Production && (c.Bootstrap == BootstrapPersist || c.Bootstrap == BootstrapCall) {
		errs = append(errs, errors.New("role bootstrap cannot be enabled in production"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	s := c.Security
	if s.RefundThreshold != nil && *s.RefundThreshold < 0 {
		errs = append(errs, errors.New("security.refund_threshold must not be negative"))
	}
	if s.DiscountThreshold != nil && *s.DiscountThreshold < 0 {
		errs = append(errs, errors.New("security.discount_threshold must not be negative"))
	}
	if s.ExportRateLimit < 1 || s.ExportRateLimit > 1000 {
		errs = append(errs, fmt.Errorf("security.export_rate_limit out of range: %d", s.ExportRateLimit))
	}
	if s.StepUpTimeoutMinutes < 1 || s.StepUpTimeoutMinutes > 1440 {
		errs = append(errs, fmt.Errorf("security.step_up_timeout_minutes out of range: %d", s.StepUpTimeoutMinutes))
	}
	if s.SupportSessionMinutes < 1 || s.SupportSessionMinutes > 1440 {
		errs = append(errs, fmt.Errorf("security.support_session_minutes out of range: %d", s.SupportSessionMinutes))
	}
	if s.PendingActionHours < 1 {
		errs = append(errs, fmt.Errorf("security.pending_action_hours out of range: %d", s.PendingActionHours))
	}
	if c.Environment == Production && strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required in production"))
	}

	return errors.Join(errs...)
}
