// Package registry manages the per-tenant storages of a server.
//
// Each tenant owns a separate storage root (a sub-directory, a key prefix,
// a database directory...) with its own state record and lock marker. The
// registry opens them lazily on first use through a BackendFactory, wraps
// each in the quota decorator, and caches the result.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
)

// BackendFactory creates the backend holding the objects of tenant.
type BackendFactory func(ctx context.Context, tenant string) (filestore.Backend, error)

// UsageStore is the usage persistence shared by all tenants.
type UsageStore interface {
	quota.UsageStore
	Delete(ctx context.Context, tenant string) (bool, error)
}

// Config describes how tenant storages are built.
type Config struct {
	// NewBackend creates a tenant's backend. Required.
	NewBackend BackendFactory

	// Engine is the template engine configuration. Name is set per tenant.
	Engine filestore.Config

	// Usage persists usage counters. Required.
	Usage UsageStore

	// Limits resolves quotas. Defaults to unlimited.
	Limits quota.Limits

	// UsageSource builds the source used by RecalculateUsage for a tenant.
	// Nil leaves recalculation unconfigured: RecalculateUsage then fails
	// with ErrInvalidParameter.
	UsageSource func(tenant string, engine quota.Engine) quota.UsageSource

	// QuotaMetrics receives quota observations. Nil disables collection.
	QuotaMetrics quota.Metrics
}

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateTenant checks that tenant is usable as a directory name and key
// prefix.
func ValidateTenant(tenant string) error {
	if !tenantPattern.MatchString(tenant) || tenant == "." || tenant == ".." {
		return fmt.Errorf("%w: invalid tenant %q", filestore.ErrInvalidParameter, tenant)
	}
	return nil
}

// Registry manages the storages of all tenants.
// It provides thread-safe lazy creation and lookup.
//
// Example usage:
//
//	reg, _ := registry.New(registry.Config{
//	    NewBackend: factory,
//	    Usage:      usageStore,
//	    Limits:     quota.StaticLimits{Default: 1 << 30},
//	})
//	storage, _ := reg.Storage(ctx, "42")
//	id, _ := storage.SaveNew(ctx, r)
type Registry struct {
	cfg Config

	mu       sync.Mutex
	storages map[string]*quota.Storage
	closed   bool
}

// New creates an empty registry.
func New(cfg Config) (*Registry, error) {
	if cfg.NewBackend == nil {
		return nil, fmt.Errorf("%w: backend factory is required", filestore.ErrInvalidParameter)
	}
	if cfg.Usage == nil {
		return nil, fmt.Errorf("%w: usage store is required", filestore.ErrInvalidParameter)
	}
	if cfg.Limits == nil {
		cfg.Limits = quota.StaticLimits{Default: quota.Unlimited}
	}

	return &Registry{
		cfg:      cfg,
		storages: make(map[string]*quota.Storage),
	}, nil
}

// Storage returns the storage of tenant, opening it on first use.
//
// Opening runs the engine's startup check, which repairs the state record
// of a fresh or damaged root.
func (r *Registry) Storage(ctx context.Context, tenant string) (*quota.Storage, error) {
	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry is closed")
	}

	if s, ok := r.storages[tenant]; ok {
		return s, nil
	}

	s, err := r.open(ctx, tenant)
	if err != nil {
		return nil, err
	}

	r.storages[tenant] = s
	logger.Info("Opened storage of tenant %s", tenant)
	return s, nil
}

func (r *Registry) open(ctx context.Context, tenant string) (*quota.Storage, error) {
	backend, err := r.cfg.NewBackend(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend for tenant %s: %w", tenant, err)
	}

	engineCfg := r.cfg.Engine
	engineCfg.Name = tenant

	engine, err := filestore.Open(ctx, backend, engineCfg)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to open storage of tenant %s: %w", tenant, err)
	}

	opts := []quota.Option{quota.WithMetrics(r.cfg.QuotaMetrics)}
	if r.cfg.UsageSource != nil {
		opts = append(opts, quota.WithUsageSource(r.cfg.UsageSource(tenant, engine)))
	}

	s, err := quota.New(tenant, engine, r.cfg.Usage, r.cfg.Limits, opts...)
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	return s, nil
}

// Tenants returns the tenants with an open storage, sorted.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenants := make([]string, 0, len(r.storages))
	for t := range r.storages {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}

// Remove deprovisions tenant: its storage is closed and its usage row
// dropped. Stored objects are left on the medium.
func (r *Registry) Remove(ctx context.Context, tenant string) error {
	if err := ValidateTenant(tenant); err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.storages[tenant]
	delete(r.storages, tenant)
	r.mu.Unlock()

	var errs []error
	if ok {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage of tenant %s: %w", tenant, err))
		}
	}
	if _, err := r.cfg.Usage.Delete(ctx, tenant); err != nil {
		errs = append(errs, err)
	}

	logger.Info("Removed tenant %s", tenant)
	return errors.Join(errs...)
}

// Close closes every open storage. The registry cannot be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for tenant, s := range r.storages {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage of tenant %s: %w", tenant, err))
		}
	}
	r.storages = make(map[string]*quota.Storage)
	r.closed = true
	return errors.Join(errs...)
}
