package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/shardstore/pkg/filestore"
	"github.com/marmos91/shardstore/pkg/filestore/quota"
)

var (
	tenant    string
	getOutput string
)

var putCmd = &cobra.Command{
	Use:   "put [file]",
	Short: "Store a file under a fresh identifier",
	Long: `Store a file for a tenant and print the identifier it was given.

Reads standard input when no file (or "-") is given. The file size is
checked against the tenant's remaining quota before anything is written.

Examples:
  shardstore put --tenant 42 photo.png
  cat archive.tar | shardstore put --tenant 42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Write a stored object to stdout or a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete stored objects",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored identifiers",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

func init() {
	for _, c := range []*cobra.Command{putCmd, getCmd, rmCmd, lsCmd, repairCmd, stateCmd, usageCmd} {
		c.Flags().StringVarP(&tenant, "tenant", "t", "", "Tenant owning the storage")
		_ = c.MarkFlagRequired("tenant")
	}
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "Write to file instead of stdout")
}

func runPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var (
		r    io.Reader = os.Stdin
		hint int64     = -1
	)
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		r, hint = f, info.Size()
	}

	return withStorage(ctx, tenant, func(s *quota.Storage) error {
		id, err := s.SaveNewWithHint(ctx, r, hint)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := filestore.ID(args[0])

	return withStorage(ctx, tenant, func(s *quota.Storage) error {
		rc, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()

		w := cmd.OutOrStdout()
		if getOutput != "" {
			f, err := os.Create(getOutput)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			w = f
		}

		_, err = io.Copy(w, rc)
		return err
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	return withStorage(ctx, tenant, func(s *quota.Storage) error {
		missing := 0
		for _, arg := range args {
			deleted, err := s.Delete(ctx, filestore.ID(arg))
			if err != nil {
				return err
			}
			if !deleted {
				cmd.PrintErrf("%s: not found\n", arg)
				missing++
			}
		}
		if missing > 0 {
			return fmt.Errorf("%d of %d objects not found", missing, len(args))
		}
		return nil
	})
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	return withStorage(ctx, tenant, func(s *quota.Storage) error {
		ids, err := s.List(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	})
}
