package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/shardstore/pkg/filestore/quota"
)

// isolateHome points HOME and the XDG directories at a temp dir so tests
// never read or write the user's files.
func isolateHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmpDir, "data"))
	return tmpDir
}

func TestLoad_DefaultConfig(t *testing.T) {
	isolateHome(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "info"

storage:
  backend:
    type: "filesystem"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Storage.Depth != 3 || cfg.Storage.Entries != 256 {
		t.Errorf("Expected default layout 3x256, got %dx%d", cfg.Storage.Depth, cfg.Storage.Entries)
	}
	if cfg.Storage.LockTimeout != 10*time.Second {
		t.Errorf("Expected default lock_timeout 10s, got %v", cfg.Storage.LockTimeout)
	}
	if cfg.Storage.LockPollInterval != 20*time.Millisecond {
		t.Errorf("Expected default lock_poll_interval 20ms, got %v", cfg.Storage.LockPollInterval)
	}
	if cfg.Quota.DefaultBytes != quota.Unlimited {
		t.Errorf("Expected unlimited default quota, got %d", cfg.Quota.DefaultBytes)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	isolateHome(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
storage:
  depth: 2
  entries: 16
  lock_timeout: 2s
  lock_poll_interval: 5ms
  backend:
    type: badger
    badger:
      path: ` + filepath.Join(tmpDir, "badger") + `
quota:
  default_bytes: 1048576
  tenants:
    "42": 1073741824
    "7": -1
  usage_source: scan
database:
  type: sqlite
  sqlite:
    path: ` + filepath.Join(tmpDir, "usage.db") + `
reconcile:
  enabled: true
  interval: 1h
server:
  port: 8081
  metrics:
    enabled: true
    port: 9091
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Storage.Depth != 2 || cfg.Storage.Entries != 16 {
		t.Errorf("Expected layout 2x16, got %dx%d", cfg.Storage.Depth, cfg.Storage.Entries)
	}
	if cfg.Storage.LockTimeout != 2*time.Second {
		t.Errorf("Expected lock_timeout 2s, got %v", cfg.Storage.LockTimeout)
	}
	if cfg.Storage.Backend.Type != "badger" {
		t.Errorf("Expected badger backend, got %q", cfg.Storage.Backend.Type)
	}
	if cfg.Quota.DefaultBytes != 1048576 {
		t.Errorf("Expected default quota 1048576, got %d", cfg.Quota.DefaultBytes)
	}
	if cfg.Quota.Tenants["42"] != 1073741824 {
		t.Errorf("Expected tenant 42 quota 1073741824, got %d", cfg.Quota.Tenants["42"])
	}
	if cfg.Quota.Tenants["7"] != quota.Unlimited {
		t.Errorf("Expected tenant 7 unlimited, got %d", cfg.Quota.Tenants["7"])
	}
	if cfg.Quota.UsageSource != UsageSourceScan {
		t.Errorf("Expected scan usage source, got %q", cfg.Quota.UsageSource)
	}
	if !cfg.Reconcile.Enabled || cfg.Reconcile.Interval != time.Hour {
		t.Errorf("Expected reconcile enabled every 1h, got %+v", cfg.Reconcile)
	}
	if !cfg.Server.Metrics.Enabled || cfg.Server.Metrics.Port != 9091 {
		t.Errorf("Expected metrics on 9091, got %+v", cfg.Server.Metrics)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	isolateHome(t)
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Storage.Backend.Type != "filesystem" {
		t.Errorf("Expected default backend 'filesystem', got %q", cfg.Storage.Backend.Type)
	}
	if cfg.Quota.DefaultBytes != quota.Unlimited {
		t.Errorf("Expected unlimited default quota, got %d", cfg.Quota.DefaultBytes)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	isolateHome(t)
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("storage: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	isolateHome(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
storage:
  backend:
    type: "tape"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown backend type")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	isolateHome(t)
	t.Setenv("SHARDSTORE_LOGGING_LEVEL", "ERROR")
	t.Setenv("SHARDSTORE_STORAGE_DEPTH", "4")
	t.Setenv("SHARDSTORE_QUOTA_DEFAULT_BYTES", "500")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
logging:
  level: "INFO"
storage:
  depth: 2
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Storage.Depth != 4 {
		t.Errorf("Expected depth 4 from env var, got %d", cfg.Storage.Depth)
	}
	if cfg.Quota.DefaultBytes != 500 {
		t.Errorf("Expected default quota 500 from env var, got %d", cfg.Quota.DefaultBytes)
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if dir := GetConfigDir(); dir != "/custom/config/shardstore" {
		t.Errorf("Expected /custom/config/shardstore, got %q", dir)
	}
	if path := GetDefaultConfigPath(); path != "/custom/config/shardstore/config.yaml" {
		t.Errorf("Expected /custom/config/shardstore/config.yaml, got %q", path)
	}
}

func TestConfigExists(t *testing.T) {
	isolateHome(t)
	if ConfigExists() {
		t.Error("Expected no config in an empty home directory")
	}
}
