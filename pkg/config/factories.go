package config

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/filestore/backend/badger"
	"github.com/marmos91/shardstore/pkg/filestore/backend/fs"
	"github.com/marmos91/shardstore/pkg/filestore/backend/memory"
	"github.com/marmos91/shardstore/pkg/filestore/backend/s3"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
	"github.com/marmos91/shardstore/pkg/registry"
)

// FilesystemOptions configures the filesystem backend.
type FilesystemOptions struct {
	// Path is the base directory; each tenant gets <path>/<tenant>
	Path string `mapstructure:"path"`
}

// S3Options configures the S3 backend.
type S3Options struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
	SkipBucketCheck bool   `mapstructure:"skip_bucket_check"`
}

// BadgerOptions configures the badger backend.
type BadgerOptions struct {
	// Path is the base directory; each tenant gets its own database
	Path             string `mapstructure:"path"`
	InMemory         bool   `mapstructure:"in_memory"`
	BlockCacheSizeMB int64  `mapstructure:"block_cache_mb"`
	IndexCacheSizeMB int64  `mapstructure:"index_cache_mb"`
}

func decodeFilesystemOptions(options map[string]any) (FilesystemOptions, error) {
	var opts FilesystemOptions
	if err := mapstructure.Decode(options, &opts); err != nil {
		return opts, fmt.Errorf("failed to decode filesystem backend config: %w", err)
	}
	return opts, nil
}

func decodeS3Options(options map[string]any) (S3Options, error) {
	var opts S3Options
	if err := mapstructure.Decode(options, &opts); err != nil {
		return opts, fmt.Errorf("failed to decode S3 backend config: %w", err)
	}
	return opts, nil
}

func decodeBadgerOptions(options map[string]any) (BadgerOptions, error) {
	var opts BadgerOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return opts, fmt.Errorf("failed to decode badger backend config: %w", err)
	}
	return opts, nil
}

// CreateBackendFactory creates the per-tenant backend factory selected by
// configuration.
//
// This factory function uses the Type field to determine which backend
// implementation to create, then decodes the type-specific configuration
// from the corresponding map. Tenants are isolated by sub-directory
// (filesystem, badger), key prefix (s3) or a separate map (memory).
//
// Supported types:
//   - "filesystem": pkg/filestore/backend/fs
//   - "memory": pkg/filestore/backend/memory (ephemeral)
//   - "s3": pkg/filestore/backend/s3 (Amazon S3 or compatible storage)
//   - "badger": pkg/filestore/backend/badger
//
// Parameters:
//   - ctx: Context for initialization operations (S3 client setup)
//   - cfg: Backend configuration
//
// Returns:
//   - registry.BackendFactory: Factory creating one backend per tenant
//   - error: Configuration or initialization error
func CreateBackendFactory(ctx context.Context, cfg *BackendConfig) (registry.BackendFactory, error) {
	switch cfg.Type {
	case "filesystem":
		return createFilesystemFactory(cfg.Filesystem)
	case "memory":
		return createMemoryFactory(), nil
	case "s3":
		return createS3Factory(ctx, cfg.S3)
	case "badger":
		return createBadgerFactory(cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown backend type: %q (supported: filesystem, memory, s3, badger)", cfg.Type)
	}
}

// createFilesystemFactory creates a filesystem backend factory.
func createFilesystemFactory(options map[string]any) (registry.BackendFactory, error) {
	opts, err := decodeFilesystemOptions(options)
	if err != nil {
		return nil, err
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("filesystem backend: path is required")
	}

	logger.Info("Filesystem backend initialized: path=%s", opts.Path)

	return func(ctx context.Context, tenant string) (filestore.Backend, error) {
		return fs.New(ctx, filepath.Join(opts.Path, tenant))
	}, nil
}

// createMemoryFactory creates an in-memory backend factory. Objects are lost
// on restart.
func createMemoryFactory() registry.BackendFactory {
	logger.Warn("Memory backend selected: objects will not survive a restart")

	return func(ctx context.Context, tenant string) (filestore.Backend, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return memory.New("memory://" + tenant), nil
	}
}

// createS3Factory creates an S3 backend factory sharing one client.
func createS3Factory(ctx context.Context, options map[string]any) (registry.BackendFactory, error) {
	opts, err := decodeS3Options(options)
	if err != nil {
		return nil, err
	}

	if opts.Bucket == "" {
		return nil, fmt.Errorf("S3 backend: bucket is required")
	}

	client, err := s3.NewClient(ctx, s3.ClientConfig{
		Region:          opts.Region,
		Endpoint:        opts.Endpoint,
		AccessKeyID:     opts.AccessKeyID,
		SecretAccessKey: opts.SecretAccessKey,
		MaxRetries:      opts.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("S3 backend initialized: bucket=%s, region=%s, prefix=%s",
		opts.Bucket, opts.Region, opts.KeyPrefix)

	return func(ctx context.Context, tenant string) (filestore.Backend, error) {
		return s3.New(ctx, s3.Config{
			Client:          client,
			Bucket:          opts.Bucket,
			KeyPrefix:       path.Join(opts.KeyPrefix, tenant) + "/",
			SkipBucketCheck: opts.SkipBucketCheck,
		})
	}, nil
}

// createBadgerFactory creates a BadgerDB backend factory.
func createBadgerFactory(options map[string]any) (registry.BackendFactory, error) {
	opts, err := decodeBadgerOptions(options)
	if err != nil {
		return nil, err
	}
	if opts.Path == "" && !opts.InMemory {
		return nil, fmt.Errorf("badger backend: path is required")
	}

	logger.Info("Badger backend initialized: path=%s in_memory=%v", opts.Path, opts.InMemory)

	return func(ctx context.Context, tenant string) (filestore.Backend, error) {
		cfg := badger.Config{
			InMemory:         opts.InMemory,
			BlockCacheSizeMB: opts.BlockCacheSizeMB,
			IndexCacheSizeMB: opts.IndexCacheSizeMB,
		}
		if !opts.InMemory {
			cfg.Path = filepath.Join(opts.Path, tenant)
		}
		return badger.New(ctx, cfg)
	}, nil
}

// CreateLimits builds the quota limits from configuration.
func CreateLimits(cfg *QuotaConfig) quota.Limits {
	tenants := make(map[string]int64, len(cfg.Tenants))
	for tenant, bytes := range cfg.Tenants {
		tenants[tenant] = bytes
	}
	return quota.StaticLimits{
		Default: cfg.DefaultBytes,
		Tenants: tenants,
	}
}

// UsageSourceScan sums the sizes of every stored object.
const UsageSourceScan = "scan"

// CreateUsageSource returns the per-tenant usage source factory selected by
// cfg, or nil when recalculation is not configured.
func CreateUsageSource(cfg *QuotaConfig) func(tenant string, engine quota.Engine) quota.UsageSource {
	switch cfg.UsageSource {
	case UsageSourceScan:
		return func(_ string, engine quota.Engine) quota.UsageSource {
			return quota.ScanSource(engine)
		}
	default:
		return nil
	}
}

// EngineConfig converts the storage section into the engine template.
func EngineConfig(cfg *StorageConfig, metrics filestore.Metrics) filestore.Config {
	return filestore.Config{
		Depth:            cfg.Depth,
		Entries:          cfg.Entries,
		LockTimeout:      cfg.LockTimeout,
		LockPollInterval: cfg.LockPollInterval,
		Metrics:          metrics,
	}
}
