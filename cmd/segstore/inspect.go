package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/go-mizu/segstore/metadata"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <published-segment>",
		Short: "Print the footer and file listing of a published segment",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw) < metadata.FooterSize {
		return fmt.Errorf("%s: too small to contain a footer (%d bytes)", path, len(raw))
	}

	footer, err := metadata.DecodeFooter(raw[len(raw)-metadata.FooterSize:])
	if err != nil {
		return fmt.Errorf("decode footer: %w", err)
	}
	if uint64(len(raw)) < footer.MetadataStart+footer.MetadataLength {
		return fmt.Errorf("%s: footer points past end of file", path)
	}

	meta, err := metadata.Decode(raw[footer.MetadataStart : footer.MetadataStart+footer.MetadataLength])
	if err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "file size:        %d bytes\n", len(raw))
	fmt.Fprintf(out, "metadata start:   %d\n", footer.MetadataStart)
	fmt.Fprintf(out, "metadata length:  %d bytes\n", footer.MetadataLength)
	fmt.Fprintf(out, "hot cache:        %d bytes\n", len(meta.HotCache))
	fmt.Fprintf(out, "files:            %d\n", len(meta.Files))

	paths := make([]string, 0, len(meta.Files))
	for p := range meta.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		r := meta.Files[p]
		fmt.Fprintf(out, "  %-40s [%d, %d) (%d bytes)\n", p, r.Start, r.End, r.End-r.Start)
	}
	return nil
}
