package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/config"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
	"github.com/marmos91/shardstore/pkg/registry"
	"github.com/marmos91/shardstore/pkg/usage"
)

// InitLogger initializes the logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// session is an opened registry for a one-shot command.
type session struct {
	cfg      *config.Config
	registry *registry.Registry
	usage    *usage.Store
}

// openSession loads the configuration and opens the registry without
// metrics.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}

	reg, store, err := config.InitializeRegistry(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, registry: reg, usage: store}, nil
}

// storage returns the storage of tenant.
func (s *session) storage(ctx context.Context, tenant string) (*quota.Storage, error) {
	if tenant == "" {
		return nil, fmt.Errorf("--tenant is required")
	}
	return s.registry.Storage(ctx, tenant)
}

// Close closes the registry, then the usage database.
func (s *session) Close() error {
	return errors.Join(s.registry.Close(), s.usage.Close())
}

// withStorage runs fn against the storage of tenant and closes everything
// afterwards.
func withStorage(ctx context.Context, tenant string, fn func(*quota.Storage) error) (err error) {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	storage, err := sess.storage(ctx, tenant)
	if err != nil {
		return err
	}
	return fn(storage)
}

// formatQuota renders a quota in bytes, or "unlimited".
func formatQuota(q int64) string {
	if q < 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", q)
}
