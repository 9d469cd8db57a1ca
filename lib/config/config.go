// Package config loads dbpool settings from TOML or YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/go-i2p/dbpool/lib/errors"
	"github.com/go-i2p/dbpool/lib/pool"
	"github.com/go-i2p/dbpool/lib/resilience"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultMaxConnections      = 4
	DefaultPoolTimeout         = 5
	DefaultDriver              = "sqlite3"
	DefaultDSN                 = "file::memory:"
	DefaultBreakerFailures     = 5
	DefaultBreakerResetSeconds = 30
	DefaultMetricsListen       = "127.0.0.1:9464"
)

// Config holds all configuration for a dbpool process.
type Config struct {
	Pool     PoolConfig     `toml:"pool" yaml:"pool"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
}

// PoolConfig contains connection pool settings.
type PoolConfig struct {
	// MaxConnections caps idle plus in-use connections
	MaxConnections int `toml:"max_connections" yaml:"max_connections"`
	// PoolTimeout is the wait timeout in seconds. It is recorded but not
	// enforced: waiting tasks are never evicted.
	PoolTimeout int `toml:"pool_timeout" yaml:"pool_timeout"`
}

// DatabaseConfig contains the server the pool connects to.
type DatabaseConfig struct {
	// Driver is sqlite3 or mysql
	Driver string `toml:"driver" yaml:"driver"`
	// DSN is the driver-specific data source name
	DSN string `toml:"dsn" yaml:"dsn"`
	// BreakerFailures is the number of consecutive dial failures that
	// opens the circuit
	BreakerFailures int `toml:"breaker_failures" yaml:"breaker_failures"`
	// BreakerResetSeconds is how long an open circuit waits before probing
	BreakerResetSeconds int `toml:"breaker_reset_seconds" yaml:"breaker_reset_seconds"`
}

// MetricsConfig contains Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether /metrics is served
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen" yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConnections: DefaultMaxConnections,
			PoolTimeout:    DefaultPoolTimeout,
		},
		Database: DatabaseConfig{
			Driver:              DefaultDriver,
			DSN:                 DefaultDSN,
			BreakerFailures:     DefaultBreakerFailures,
			BreakerResetSeconds: DefaultBreakerResetSeconds,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  DefaultMetricsListen,
		},
	}
}

type format int

const (
	formatTOML format = iota
	formatYAML
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatTOML
	}
}

// Load reads configuration from a TOML or YAML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Debug("Config file not found, using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch formatOf(path) {
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.WithField("path", path).Debug("Loaded configuration")
	return cfg, nil
}

// Save writes the configuration to path in the format its extension
// selects. It creates the parent directory if it doesn't exist.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch formatOf(path) {
	case formatYAML:
		data, err = yaml.Marshal(cfg)
	default:
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors. Every failure wraps
// errors.ErrConfiguration.
func (c *Config) Validate() error {
	if c.Pool.MaxConnections < 1 {
		return apperrors.Configuration("pool.max_connections must be at least 1, got %d", c.Pool.MaxConnections)
	}
	if c.Pool.PoolTimeout < 0 {
		return apperrors.Configuration("pool.pool_timeout cannot be negative")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite3", "mysql":
	case "":
		return apperrors.Configuration("database.driver is required")
	default:
		return apperrors.Configuration("database.driver %q is not supported", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return apperrors.Configuration("database.dsn is required")
	}
	if c.Database.BreakerFailures < 1 {
		return apperrors.Configuration("database.breaker_failures must be at least 1")
	}
	if c.Database.BreakerResetSeconds < 1 {
		return apperrors.Configuration("database.breaker_reset_seconds must be at least 1")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return apperrors.Configuration("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// PoolConfig maps the pool section onto pool.Config. Disconnect and IsFatal
// are left for the caller to set.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		MaxConnections: c.Pool.MaxConnections,
		PoolTimeout:    time.Duration(c.Pool.PoolTimeout) * time.Second,
	}
}

// BreakerConfig maps the database breaker settings onto resilience.Config.
func (c *Config) BreakerConfig() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.FailureThreshold = c.Database.BreakerFailures
	cfg.ResetTimeout = time.Duration(c.Database.BreakerResetSeconds) * time.Second
	return cfg
}
