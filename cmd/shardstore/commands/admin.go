package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
)

var repairUsage bool

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rebuild a tenant's allocation state",
	Long: `Rebuild the allocation state of a tenant's storage from the objects
actually present, then print it.

With --usage the tenant's usage counter is recalculated as well, from the
source set in quota.usage_source. The command fails if none is set.

Examples:
  shardstore repair --tenant 42
  shardstore repair --tenant 42 --usage`,
	Args: cobra.NoArgs,
	RunE: runRepair,
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print a tenant's allocation state",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Print a tenant's usage and quota",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

func init() {
	repairCmd.Flags().BoolVar(&repairUsage, "usage", false, "Also recalculate the usage counter")
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	return withStorage(ctx, tenant, func(s *quota.Storage) error {
		if err := s.Repair(ctx); err != nil {
			return err
		}
		if repairUsage {
			total, err := s.RecalculateUsage(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "usage:     %d\n", total)
		}

		state, err := s.State(ctx)
		if err != nil {
			return err
		}
		printState(cmd.OutOrStdout(), state)
		return nil
	})
}

func runState(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	return withStorage(ctx, tenant, func(s *quota.Storage) error {
		state, err := s.State(ctx)
		if err != nil {
			return err
		}
		printState(cmd.OutOrStdout(), state)
		return nil
	})
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	return withStorage(ctx, tenant, func(s *quota.Storage) error {
		used, err := s.Usage(ctx)
		if err != nil {
			return err
		}
		q, err := s.Quota(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "tenant:    %s\n", s.Tenant())
		fmt.Fprintf(cmd.OutOrStdout(), "usage:     %d\n", used)
		fmt.Fprintf(cmd.OutOrStdout(), "quota:     %s\n", formatQuota(q))
		return nil
	})
}

func printState(w io.Writer, state *filestore.State) {
	next := string(state.Next)
	if state.Exhausted {
		next = "(exhausted)"
	}

	unused := make([]string, len(state.Unused))
	for i, id := range state.Unused {
		unused[i] = string(id)
	}

	fmt.Fprintf(w, "next:      %s\n", next)
	fmt.Fprintf(w, "unused:    %s\n", strings.Join(unused, " "))
}
