package quota

import (
	"context"
	"fmt"

	"github.com/marmos91/shardstore/pkg/filestore"
)

// Unlimited is the quota value meaning "no limit".
const Unlimited int64 = -1

// Limits resolves the quota of a tenant.
type Limits interface {
	// QuotaBytes returns the quota of tenant in bytes, or Unlimited.
	QuotaBytes(ctx context.Context, tenant string) (int64, error)
}

// StaticLimits serves quotas from configuration.
type StaticLimits struct {
	// Default applies to tenants without an override.
	Default int64

	// Tenants holds per-tenant overrides.
	Tenants map[string]int64
}

// QuotaBytes returns the override of tenant if present, else Default.
// Any negative value means unlimited.
func (l StaticLimits) QuotaBytes(_ context.Context, tenant string) (int64, error) {
	if q, ok := l.Tenants[tenant]; ok {
		return normalize(q), nil
	}
	return normalize(l.Default), nil
}

func normalize(q int64) int64 {
	if q < 0 {
		return Unlimited
	}
	return q
}

// fits reports whether size more bytes fit under quota given used.
func fits(quota, used, size int64) bool {
	return quota < 0 || used+size <= quota
}

// UsageSource computes the authoritative usage of a tenant, typically from
// the owning application's own bookkeeping.
type UsageSource interface {
	TotalBytes(ctx context.Context, tenant string) (int64, error)
}

// UsageSourceFunc adapts a function to UsageSource.
type UsageSourceFunc func(ctx context.Context, tenant string) (int64, error)

// TotalBytes calls f.
func (f UsageSourceFunc) TotalBytes(ctx context.Context, tenant string) (int64, error) {
	return f(ctx, tenant)
}

// ScanSource returns a UsageSource that sums the sizes of every object
// stored in engine. It cannot tell live objects from orphans left by a
// crashed caller, so orphans are charged; use it only where the storage is
// the sole record of what a tenant owns. It walks the whole address space
// without taking the storage lock.
func ScanSource(engine Engine) UsageSource {
	return UsageSourceFunc(func(ctx context.Context, _ string) (int64, error) {
		ids, err := engine.List(ctx)
		if err != nil {
			return 0, err
		}

		var total int64
		for _, id := range ids {
			size, err := engine.Size(ctx, id)
			if err != nil {
				// Deleted between List and Size.
				if filestore.IsNotFound(err) {
					continue
				}
				return 0, fmt.Errorf("size of %s: %w", id, err)
			}
			total += size
		}
		return total, nil
	})
}
