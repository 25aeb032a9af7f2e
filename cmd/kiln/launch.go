// launch.go implements 'kiln launch', the image entrypoint that verifies the
// runtime environment and then supervises the serving process.
package main

import (
	"time"

	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/launch"
	"github.com/spf13/cobra"
)

func newLaunchCommand(global *globalOptions) *cobra.Command {
	var (
		specPath string
		grace    time.Duration
		check    bool
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Run pre-launch checks and start the serving process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := global.logger()
			if err != nil {
				return failure.Config("log-level", err)
			}
			spec, err := launch.LoadSpec(specPath)
			if err != nil {
				return failure.Launch(specPath, err)
			}
			l := &launch.Launcher{Logger: log, GracePeriod: grace}
			if check {
				bin, err := l.Preflight(spec)
				if err != nil {
					return err
				}
				log.Info("pre-launch checks passed", "command", bin, "addr", spec.Addr())
				return nil
			}
			return l.Run(cmd.Context(), spec)
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", launch.SpecPath, "Process spec written at build time")
	cmd.Flags().DurationVar(&grace, "grace-period", launch.DefaultGracePeriod, "Time to wait after SIGTERM before killing the server")
	cmd.Flags().BoolVar(&check, "check", false, "Only run the pre-launch checks")
	return cmd
}
