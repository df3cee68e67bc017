package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
	"github.com/marmos91/shardstore/pkg/reconcile"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the backend factories
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyStorageDefaults(&cfg.Storage)
	applyQuotaDefaults(&cfg.Quota)
	cfg.Database.ApplyDefaults()
	applyReconcileDefaults(&cfg.Reconcile)
	applyServerDefaults(&cfg.Server)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyStorageDefaults sets engine and backend defaults.
func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Depth == 0 {
		cfg.Depth = filestore.DefaultDepth
	}
	if cfg.Entries == 0 {
		cfg.Entries = filestore.DefaultEntries
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = filestore.DefaultLockTimeout
	}
	if cfg.LockPollInterval == 0 {
		cfg.LockPollInterval = filestore.DefaultLockPollInterval
	}

	applyBackendDefaults(&cfg.Backend)
}

// applyBackendDefaults sets backend defaults.
func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Defaults for every backend type, so generated files are complete
	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = filepath.Join(getDataDir(), "objects")
	}
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = filepath.Join(getDataDir(), "badger")
	}
}

// applyQuotaDefaults sets quota defaults.
func applyQuotaDefaults(cfg *QuotaConfig) {
	// DefaultBytes is defaulted to unlimited by Load, before decoding
	if cfg.Tenants == nil {
		cfg.Tenants = make(map[string]int64)
	}
}

// applyReconcileDefaults sets reconciler defaults.
func applyReconcileDefaults(cfg *ReconcileConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = reconcile.DefaultInterval
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Quota: QuotaConfig{
			DefaultBytes: quota.Unlimited,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
