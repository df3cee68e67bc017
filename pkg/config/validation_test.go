package config

import (
	"strings"
	"testing"
	"time"

	"github.com/marmos91/shardstore/pkg/usage"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	isolateHome(t)
	return GetDefaultConfig()
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig(t)); err != nil {
		t.Errorf("Expected valid config, got: %v", err)
	}
}

func TestValidate_TagRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid log level", func(c *Config) { c.Logging.Level = "TRACE" }},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend.Type = "tape" }},
		{"negative depth", func(c *Config) { c.Storage.Depth = -1 }},
		{"depth too large", func(c *Config) { c.Storage.Depth = 17 }},
		{"zero entries", func(c *Config) { c.Storage.Entries = -3 }},
		{"negative lock timeout", func(c *Config) { c.Storage.LockTimeout = -time.Second }},
		{"quota below unlimited", func(c *Config) { c.Quota.DefaultBytes = -2 }},
		{"tenant quota below unlimited", func(c *Config) { c.Quota.Tenants = map[string]int64{"42": -5} }},
		{"unknown usage source", func(c *Config) { c.Quota.UsageSource = "ledger" }},
		{"invalid port", func(c *Config) { c.Server.Port = 70000 }},
		{"invalid metrics port", func(c *Config) { c.Server.Metrics.Port = -1 }},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestValidate_CustomRules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "filesystem without path",
			mutate:  func(c *Config) { c.Storage.Backend.Filesystem = map[string]any{} },
			wantErr: "path is required",
		},
		{
			name: "s3 without bucket",
			mutate: func(c *Config) {
				c.Storage.Backend.Type = "s3"
				c.Storage.Backend.S3 = map[string]any{"region": "us-east-1"}
			},
			wantErr: "bucket is required",
		},
		{
			name: "s3 without region",
			mutate: func(c *Config) {
				c.Storage.Backend.Type = "s3"
				c.Storage.Backend.S3 = map[string]any{"bucket": "objects"}
			},
			wantErr: "region is required",
		},
		{
			name: "badger without path",
			mutate: func(c *Config) {
				c.Storage.Backend.Type = "badger"
				c.Storage.Backend.Badger = map[string]any{}
			},
			wantErr: "path is required",
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Database = usage.Config{Type: usage.DatabaseTypePostgres}
			},
			wantErr: "host is required",
		},
		{
			name: "poll interval above timeout",
			mutate: func(c *Config) {
				c.Storage.LockTimeout = 10 * time.Millisecond
				c.Storage.LockPollInterval = time.Second
			},
			wantErr: "exceeds lock_timeout",
		},
		{
			name:    "reconcile without usage source",
			mutate:  func(c *Config) { c.Reconcile.Enabled = true },
			wantErr: "usage_source is not set",
		},
		{
			name: "metrics port collision",
			mutate: func(c *Config) {
				c.Server.Metrics.Enabled = true
				c.Server.Metrics.Port = c.Server.Port
			},
			wantErr: "collides",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_MemoryBackendNeedsNoOptions(t *testing.T) {
	cfg := validConfig(t)
	cfg.Storage.Backend.Type = "memory"
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected memory backend to be valid, got: %v", err)
	}
}
