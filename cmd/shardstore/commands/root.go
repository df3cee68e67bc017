// Package commands implements the shardstore command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/marmos91/shardstore/cmd/shardstore/commands/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "shardstore",
	Short: "shardstore - Sharded, quota-enforced object store",
	Long: `shardstore stores opaque binary objects under generated identifiers
spread over a fixed-depth directory tree, and enforces a byte quota per tenant.

Objects live on the filesystem, in memory, on S3 or in BadgerDB. Usage is
tracked in SQLite or PostgreSQL.

Use "shardstore [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/shardstore/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(config.Cmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
