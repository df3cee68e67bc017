package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/marmos91/shardstore/pkg/filestore/quota"
	"github.com/marmos91/shardstore/pkg/usage"
)

// Config represents the complete shardstore configuration.
//
// This structure captures all configurable aspects of the server:
//   - Logging configuration
//   - Storage layout, lock tuning and backend selection
//   - Quota limits
//   - Usage database connection
//   - Usage reconciliation
//   - HTTP API and metrics servers
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SHARDSTORE_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
//
// Backend Configuration Pattern:
// Each backend defines its own option set. The Storage.Backend section holds
// one map per backend type and only the one matching Type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Storage configures the engine and its backend
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Quota configures per-tenant byte quotas
	Quota QuotaConfig `mapstructure:"quota" yaml:"quota"`

	// Database configures the usage counter persistence
	Database usage.Config `mapstructure:"database" yaml:"database"`

	// Reconcile configures periodic usage recalculation
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// StorageConfig configures the sharded storage engine.
type StorageConfig struct {
	// Depth is the number of shard levels of an identifier
	Depth int `mapstructure:"depth" yaml:"depth" validate:"gte=1,lte=16"`

	// Entries is the fan-out of each shard level
	Entries int `mapstructure:"entries" yaml:"entries" validate:"gte=1"`

	// LockTimeout bounds the wait for a storage lock
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout" validate:"gt=0"`

	// LockPollInterval is the sleep between lock attempts
	LockPollInterval time.Duration `mapstructure:"lock_poll_interval" yaml:"lock_poll_interval" validate:"gt=0"`

	// Backend selects and configures the storage medium
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
}

// BackendConfig specifies backend configuration.
//
// The Type field determines which backend is used.
// Only the corresponding type-specific configuration section is used.
type BackendConfig struct {
	// Type specifies which backend implementation to use
	// Valid values: filesystem, memory, s3, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=filesystem memory s3 badger"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem,omitempty"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// QuotaConfig configures tenant quotas. A negative value means unlimited.
type QuotaConfig struct {
	// DefaultBytes applies to tenants without an override
	DefaultBytes int64 `mapstructure:"default_bytes" yaml:"default_bytes" validate:"gte=-1"`

	// Tenants overrides the default per tenant
	Tenants map[string]int64 `mapstructure:"tenants" yaml:"tenants,omitempty" validate:"dive,gte=-1"`

	// UsageSource selects where usage recalculation takes its totals from.
	// Empty disables recalculation. "scan" sums the bytes found in each
	// tenant's storage, which also counts orphaned objects.
	UsageSource string `mapstructure:"usage_source" yaml:"usage_source,omitempty" validate:"omitempty,oneof=scan"`
}

// ReconcileConfig configures the usage reconciler.
type ReconcileConfig struct {
	// Enabled starts the background reconciler with the server
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is how often usage is recalculated
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// Port is the HTTP API port
	Port int `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// RateLimit caps API requests per second (0 = unlimited)
	RateLimit uint `mapstructure:"rate_limit" yaml:"rate_limit"`

	// RateBurst is the request burst above RateLimit (0 = 2x RateLimit)
	RateBurst uint `mapstructure:"rate_burst" yaml:"rate_burst"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig configures the metrics server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SHARDSTORE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal into config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use SHARDSTORE_ prefix and underscores
	// Example: SHARDSTORE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("SHARDSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper knows about
	for _, key := range envKeys {
		v.SetDefault(key, nil)
	}

	// 0 is a valid quota, so unlimited must be the default before decoding
	v.SetDefault("quota.default_bytes", quota.Unlimited)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/shardstore/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the scalar settings that can be set from the environment
// without appearing in the config file.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"storage.depth",
	"storage.entries",
	"storage.lock_timeout",
	"storage.lock_poll_interval",
	"storage.backend.type",
	"quota.default_bytes",
	"quota.usage_source",
	"database.type",
	"database.sqlite.path",
	"database.postgres.host",
	"database.postgres.port",
	"database.postgres.database",
	"database.postgres.user",
	"database.postgres.password",
	"database.postgres.ssl_mode",
	"reconcile.enabled",
	"reconcile.interval",
	"server.port",
	"server.shutdown_timeout",
	"server.rate_limit",
	"server.rate_burst",
	"server.metrics.enabled",
	"server.metrics.port",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is acceptable - use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "shardstore")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "shardstore")
}

// getDataDir returns the data directory used by default storage paths.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "shardstore")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".local", "share", "shardstore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
