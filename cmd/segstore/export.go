package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-mizu/segstore"
)

func newExportCmd() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "export <dir> <output>",
		Short: "Publish a segstore directory's active segment to a single file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, args, prefix)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "logical path prefix to open the directory under")
	return cmd
}

func runExport(cmd *cobra.Command, args []string, prefix string) error {
	dir, outPath := args[0], args[1]
	ctx := cmd.Context()

	store, err := segstore.Open(dir, segstore.Config{Prefix: prefix})
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer store.Close()

	if err := store.Export(ctx, outPath, nil); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "published %s -> %s (direct_io=%v)\n", dir, outPath, store.Direct())
	return nil
}
