// Package config loads and validates the daemon configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message, Err: ErrConfigurationError}
}

// Duration wraps time.Duration so YAML values like "30s" parse
// directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration.
type Config struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database-path"`

	// StorageDir is the root directory for signed documents and
	// custody certificates.
	StorageDir string `yaml:"storage-dir"`

	// TrustedCertsDir holds the ICP-Brasil root certificates.
	TrustedCertsDir string `yaml:"trusted-certs-dir"`

	// SiteURL is the public prefix for verification links.
	SiteURL string `yaml:"site-url"`

	// MetricsAddr is the listen address of the metrics endpoint.
	// Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics-addr"`

	// Workers is the verification pool size.
	Workers int `yaml:"workers"`

	// QueueSize bounds the verification job queue.
	QueueSize int `yaml:"queue-size"`

	Revocation RevocationConfig `yaml:"revocation"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Redis      RedisConfig      `yaml:"redis"`
}

// RevocationConfig tunes the revocation checker.
type RevocationConfig struct {
	// Strict rejects signatures whose revocation status cannot be
	// determined. Defaults to true.
	Strict *bool `yaml:"strict"`

	OCSPTimeout Duration `yaml:"ocsp-timeout"`
	CRLTimeout  Duration `yaml:"crl-timeout"`
}

// IsStrict resolves the strict flag with its default.
func (c *RevocationConfig) IsStrict() bool {
	return c.Strict == nil || *c.Strict
}

// SchedulerConfig tunes the periodic jobs.
type SchedulerConfig struct {
	SweepInterval   Duration `yaml:"sweep-interval"`
	RefreshInterval Duration `yaml:"refresh-interval"`
	StaleAge        Duration `yaml:"stale-age"`
	BatchSize       int      `yaml:"batch-size"`
}

// RedisConfig selects the revocation cache backend. An empty address
// means the in-memory cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load reads and validates a configuration file. Unknown fields are
// rejected so typos surface at startup instead of silently using
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "peticao.db"
	}
	if c.StorageDir == "" {
		c.StorageDir = "data"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 16
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.TrustedCertsDir == "" {
		return NewConfigError("trusted-certs-dir", "required field is missing")
	}
	if c.Workers < 1 {
		return NewConfigError("workers", "must be at least 1")
	}
	return nil
}
