package config

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/shardstore/pkg/config"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective shardstore configuration as YAML, after
defaults and environment overrides have been applied.

Examples:
  shardstore config show
  shardstore config show --config /etc/shardstore/config.yaml`,
	RunE: runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	return config.WriteYAML(cmd.OutOrStdout(), cfg)
}
