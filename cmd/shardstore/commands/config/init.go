package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/shardstore/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a default configuration file",
	Long: `Write a default shardstore configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/shardstore/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  shardstore config init

  # Initialize with custom path
  shardstore config init --config /etc/shardstore/config.yaml

  # Force overwrite existing config
  shardstore config init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Choose a backend under storage.backend")
	fmt.Fprintln(out, "  2. Set quota.default_bytes and any per-tenant overrides")
	fmt.Fprintln(out, "  3. Start the server with: shardstore serve")
	return nil
}
