// inspect.go implements 'kiln inspect', reporting the package database and
// largest layers of an exported OCI layout.
package main

import (
	"fmt"
	"strings"

	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/inspect"
	"github.com/example/kiln/internal/sysdeps"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newInspectCommand() *cobra.Command {
	var (
		buildOnly []string
		top       int
	)
	cmd := &cobra.Command{
		Use:   "inspect LAYOUT",
		Short: "Show the packages and layers of an exported runtime image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			layoutDir := args[0]
			db, err := inspect.Packages(layoutDir)
			if err != nil {
				return err
			}
			bold := color.New(color.Bold)
			bold.Fprintln(out, "System packages")
			if len(db.SystemPackages) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, p := range db.SystemPackages {
				fmt.Fprintf(out, "  %s\n", p)
			}
			bold.Fprintln(out, "Installed artifacts")
			for _, a := range db.Artifacts {
				fmt.Fprintf(out, "  %-30s %s\n", a.Name+a.Constraint, a.Digest)
			}
			if top > 0 {
				layers, err := inspect.Layers(layoutDir, top)
				if err != nil {
					return err
				}
				bold.Fprintln(out, "Largest layers")
				for _, l := range layers {
					fmt.Fprintf(out, "  %-12s %s\n", humanSize(l.Size), l.Digest)
				}
			}
			if len(buildOnly) == 0 {
				return nil
			}
			bad := inspect.Offending(db, sysdeps.NewSet(buildOnly...))
			if len(bad) > 0 {
				color.New(color.FgRed).Fprintf(out, "Build-only packages present: %s\n", strings.Join(bad, ", "))
				return failure.New(failure.KindInstall, "inspect", layoutDir, fmt.Errorf("runtime image carries build-only packages: %s", strings.Join(bad, ", ")))
			}
			color.New(color.FgGreen).Fprintln(out, "No build-only packages present")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&buildOnly, "build-only", nil, "Packages that must not appear in the runtime image")
	cmd.Flags().IntVar(&top, "top", 0, "Show the N largest layers")
	return cmd
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
