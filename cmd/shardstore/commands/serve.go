package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/shardstore/internal/logger"
	"github.com/marmos91/shardstore/pkg/api"
	"github.com/marmos91/shardstore/pkg/config"
	"github.com/marmos91/shardstore/pkg/metrics"
	"github.com/marmos91/shardstore/pkg/reconcile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the shardstore HTTP API server in the foreground.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/shardstore/config.yaml.

Examples:
  # Start with the default config
  shardstore serve

  # Start with custom config file
  shardstore serve --config /etc/shardstore/config.yaml

  # Start with environment variable overrides
  SHARDSTORE_LOGGING_LEVEL=DEBUG shardstore serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	fmt.Println("shardstore - Sharded object store")
	logger.Info("Log level: %s", cfg.Logging.Level)
	logger.Info("Configuration loaded from: %s", getConfigSource(GetConfigFile()))

	metricsResult := config.InitializeMetrics(cfg)
	metrics.RegisterBuildInfo(Version, Commit)

	reg, usageStore, err := config.InitializeRegistry(ctx, cfg, metricsResult)
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	defer func() {
		if err := errors.Join(reg.Close(), usageStore.Close()); err != nil {
			logger.Error("Failed to close storages: %v", err)
		}
	}()
	logger.Info("Storage: backend=%s depth=%d entries=%d",
		cfg.Storage.Backend.Type, cfg.Storage.Depth, cfg.Storage.Entries)

	reconciler, err := reconcile.New(reg, reconcile.Config{
		Enabled:  cfg.Reconcile.Enabled,
		Interval: cfg.Reconcile.Interval,
	})
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}
	reconciler.Start()

	serverDone := make(chan error, 2)

	if metricsResult.Server != nil {
		logger.Info("Metrics enabled on port %d", cfg.Server.Metrics.Port)
		go func() {
			serverDone <- metricsResult.Server.Start(ctx)
		}()
	} else {
		logger.Info("Metrics collection disabled")
	}

	apiServer := api.NewServer(api.APIConfig{
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, reg, metricsResult.HTTPMetrics)
	if cfg.Server.RateLimit > 0 {
		logger.Info("API rate limit: %d req/s", cfg.Server.RateLimit)
	}
	go func() {
		serverDone <- apiServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	var serveErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
	case serveErr = <-serverDone:
		if serveErr != nil {
			logger.Error("Server error: %v", serveErr)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if err := reconciler.Stop(shutdownCtx); err != nil {
		logger.Warn("Reconciler did not stop cleanly: %v", err)
	}

	logger.Info("Server stopped")
	return serveErr
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.ConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
