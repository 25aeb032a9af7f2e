// history.go implements 'kiln history', listing recorded pipeline runs.
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/kiln/internal/history"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		dbPath string
		stages bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent build runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			for _, r := range runs {
				status := color.GreenString(r.Status)
				if r.Status != history.StatusSucceeded {
					status = color.RedString(r.Status)
				}
				line := fmt.Sprintf("%s  %s  %-9s %8s", r.StartedAt.Local().Format(time.DateTime), shortID(r.ID), status, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
				if r.ImageDigest != "" {
					line += "  " + r.ImageDigest
				}
				if r.FailureKind != "" {
					line += "  " + r.FailureKind
				}
				fmt.Fprintln(out, line)
				if stages && len(r.Stages) > 0 {
					parts := make([]string, 0, len(r.Stages))
					for _, s := range r.Stages {
						parts = append(parts, fmt.Sprintf("%s %s", s.Name, s.Duration.Round(time.Millisecond)))
					}
					fmt.Fprintf(out, "    %s\n", strings.Join(parts, " · "))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")
	cmd.Flags().StringVar(&dbPath, "history-db", "", "History database path (default: user cache dir)")
	cmd.Flags().BoolVar(&stages, "stages", false, "Show per-stage durations")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
