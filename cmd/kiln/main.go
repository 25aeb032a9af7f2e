// main.go bootstraps kiln: it builds the root Cobra command and executes it
// with a signal-aware context, mapping failures to stage exit codes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/logging"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		cancel()
		os.Exit(failure.ExitCode(err))
	}
}

type globalOptions struct {
	logLevel  string
	logFormat string
}

func (g *globalOptions) logger() (logr.Logger, error) {
	return logging.NewWithOptions(logging.Options{
		Level: g.logLevel,
		JSON:  strings.EqualFold(g.logFormat, "json"),
	})
}

func newRootCommand() *cobra.Command {
	global := &globalOptions{logLevel: "info", logFormat: "console"}
	cmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Two-stage runtime image builder",
		Long:          "kiln compiles dependencies in a throwaway build stage, promotes only the artifacts, and assembles a minimal runtime image that runs as an unprivileged user.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&global.logLevel, "log-level", global.logLevel, "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&global.logFormat, "log-format", global.logFormat, "Log encoding (console or json)")

	buildCmd := newBuildCommand(global)
	launchCmd := newLaunchCommand(global)
	inspectCmd := newInspectCommand()
	pushCmd := newPushCommand()
	historyCmd := newHistoryCommand()
	cmd.AddCommand(buildCmd, launchCmd, inspectCmd, pushCmd, historyCmd, newLoginCommand(), newLogoutCommand(), newVersionCommand())
	cmd.Example = `  # Build the project in the current directory into an OCI layout
  kiln build . --tag registry.example.com/shop:1.0 --layout dist/oci

  # Check the runtime image carries no compiler toolchain
  kiln inspect dist/oci --build-only gcc,libpq-dev

  # Image entrypoint: verify directories, port, and command, then serve
  kiln launch --spec /etc/kiln/process.json`
	bindViper(cmd, buildCmd, launchCmd, inspectCmd, pushCmd, historyCmd)
	return cmd
}

func bindViper(commands ...*cobra.Command) {
	if len(commands) == 0 {
		return
	}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("KILN")
	v.AutomaticEnv()
	configFile := os.Getenv("KILN_CONFIG")
	configureConfigFile(v, configFile)

	cobra.OnInitialize(func() {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				cobra.CheckErr(err)
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				cobra.CheckErr(err)
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			cobra.CheckErr(err)
		}
		for _, cmd := range commands {
			flagSets := []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()}
			for _, fs := range flagSets {
				fs.VisitAll(func(f *pflag.Flag) {
					if f.Changed {
						return
					}
					if !v.IsSet(f.Name) {
						return
					}
					val := fmt.Sprintf("%v", v.Get(f.Name))
					if val != "" {
						_ = f.Value.Set(val)
					}
				})
			}
		}
	})
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("flags")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "kiln"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "kiln"))
		add(filepath.Join(home, ".kiln"))
	}
	return dirs
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	switch kind, _ := failure.KindOf(err); kind {
	case failure.KindResolution:
		message = fmt.Sprintf("%s\nHint: check the requirement name and version constraint in the manifest.", err)
	case failure.KindCompile:
		message = fmt.Sprintf("%s\nHint: the build stage may be missing a system package; add it under build.packages in .kiln.yaml.", err)
	case failure.KindLaunch:
		message = fmt.Sprintf("%s\nHint: run 'kiln inspect' on the image and confirm the provisioned directories and bind port.", err)
	}
	if errors.Is(err, context.Canceled) {
		message = "interrupted"
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}
