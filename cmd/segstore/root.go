package main

import (
	"context"
	"runtime/debug"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// Execute runs the segstore CLI.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "segstore",
		Short:         "Inspect and publish segstore segment directories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("segstore {{.Version}}\n")
	root.Version = versionString()

	root.AddCommand(newInspectCmd())
	root.AddCommand(newExportCmd())

	return fang.Execute(ctx, root, fang.WithVersion(Version))
}

func versionString() string {
	if strings.TrimSpace(Version) != "" && Version != "dev" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			return bi.Main.Version
		}
	}
	return "dev"
}
