package config

import (
	"context"
	"fmt"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/registry"
	"github.com/marmos91/shardstore/pkg/usage"
)

// InitializeRegistry creates a tenant registry from the provided configuration.
//
// This function orchestrates the complete initialization process:
//  1. Creates the backend factory from cfg.Storage.Backend
//  2. Opens the usage database from cfg.Database
//  3. Builds the quota limits and the optional usage source from cfg.Quota
//
// Tenant storages are opened lazily by the registry. The caller owns both
// returned values and must close the registry before the usage store.
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	reg, usageStore, err := config.InitializeRegistry(ctx, cfg, nil)
//	if err != nil {
//	    log.Fatalf("Failed to initialize registry: %v", err)
//	}
func InitializeRegistry(ctx context.Context, cfg *Config, m *MetricsResult) (*registry.Registry, *usage.Store, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("configuration is nil")
	}
	if m == nil {
		m = &MetricsResult{}
	}

	logger.Debug("Initializing registry from configuration")

	factory, err := CreateBackendFactory(ctx, &cfg.Storage.Backend)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create backend: %w", err)
	}

	usageStore, err := usage.New(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	reg, err := registry.New(registry.Config{
		NewBackend:   factory,
		Engine:       EngineConfig(&cfg.Storage, m.StorageMetrics),
		Usage:        usageStore,
		Limits:       CreateLimits(&cfg.Quota),
		UsageSource:  CreateUsageSource(&cfg.Quota),
		QuotaMetrics: m.QuotaMetrics,
	})
	if err != nil {
		_ = usageStore.Close()
		return nil, nil, err
	}

	logger.Debug("Registry ready: backend=%s depth=%d entries=%d",
		cfg.Storage.Backend.Type, cfg.Storage.Depth, cfg.Storage.Entries)

	return reg, usageStore, nil
}
