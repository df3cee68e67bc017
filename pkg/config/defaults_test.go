package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/shardstore/pkg/filestore/quota"
	"github.com/marmos91/shardstore/pkg/usage"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to 'DEBUG', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_Storage(t *testing.T) {
	isolateHome(t)
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Storage.Backend.Type != "filesystem" {
		t.Errorf("Expected default backend 'filesystem', got %q", cfg.Storage.Backend.Type)
	}
	path, ok := cfg.Storage.Backend.Filesystem["path"].(string)
	if !ok || !strings.HasSuffix(path, filepath.Join("shardstore", "objects")) {
		t.Errorf("Expected default filesystem path under the data dir, got %v", cfg.Storage.Backend.Filesystem["path"])
	}
	if _, ok := cfg.Storage.Backend.Badger["path"]; !ok {
		t.Error("Expected a default badger path")
	}
}

func TestApplyDefaults_Database(t *testing.T) {
	home := isolateHome(t)
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Database.Type != usage.DatabaseTypeSQLite {
		t.Errorf("Expected sqlite, got %q", cfg.Database.Type)
	}
	want := filepath.Join(home, "data", "shardstore", "usage.db")
	if cfg.Database.SQLite.Path != want {
		t.Errorf("Expected sqlite path %q, got %q", want, cfg.Database.SQLite.Path)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Storage: StorageConfig{
			Depth:            5,
			Entries:          10,
			LockTimeout:      time.Second,
			LockPollInterval: time.Millisecond,
			Backend: BackendConfig{
				Type:       "filesystem",
				Filesystem: map[string]any{"path": "/srv/objects"},
			},
		},
		Reconcile: ReconcileConfig{Interval: time.Minute},
		Server:    ServerConfig{Port: 1234, ShutdownTimeout: time.Second},
	}
	ApplyDefaults(cfg)

	if cfg.Storage.Depth != 5 || cfg.Storage.Entries != 10 {
		t.Errorf("Explicit layout overwritten: %dx%d", cfg.Storage.Depth, cfg.Storage.Entries)
	}
	if cfg.Storage.LockTimeout != time.Second || cfg.Storage.LockPollInterval != time.Millisecond {
		t.Errorf("Explicit lock tuning overwritten: %v/%v", cfg.Storage.LockTimeout, cfg.Storage.LockPollInterval)
	}
	if cfg.Storage.Backend.Filesystem["path"] != "/srv/objects" {
		t.Errorf("Explicit path overwritten: %v", cfg.Storage.Backend.Filesystem["path"])
	}
	if cfg.Reconcile.Interval != time.Minute {
		t.Errorf("Explicit interval overwritten: %v", cfg.Reconcile.Interval)
	}
	if cfg.Server.Port != 1234 {
		t.Errorf("Explicit port overwritten: %d", cfg.Server.Port)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	isolateHome(t)
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	if cfg.Quota.DefaultBytes != quota.Unlimited {
		t.Errorf("Expected unlimited default quota, got %d", cfg.Quota.DefaultBytes)
	}
	if cfg.Reconcile.Enabled {
		t.Error("Reconciler should be disabled by default")
	}
	if cfg.Server.Metrics.Enabled {
		t.Error("Metrics should be disabled by default")
	}
}
