// build.go implements 'kiln build', running the two-stage pipeline over a
// source tree and exporting the runtime image.
package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/kiln/internal/appconfig"
	"github.com/example/kiln/internal/assemble"
	"github.com/example/kiln/internal/command"
	"github.com/example/kiln/internal/compiler"
	"github.com/example/kiln/internal/dockerconfig"
	"github.com/example/kiln/internal/envconfig"
	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/gitinfo"
	"github.com/example/kiln/internal/history"
	"github.com/example/kiln/internal/identity"
	"github.com/example/kiln/internal/launch"
	"github.com/example/kiln/internal/pipeline"
	"github.com/example/kiln/internal/sysdeps"
	"github.com/example/kiln/internal/telemetry"
	"github.com/example/kiln/internal/version"
	"github.com/example/kiln/pkg/registry"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type buildCLIOptions struct {
	Source      string
	Manifest    string
	Tags        []string
	Layout      string
	Workspace   string
	Base        string
	EntryPoint  string
	Settings    string
	Hermetic    bool
	KeepRootfs  bool
	History     bool
	HistoryPath string
	MetricsFile string
	Config      string
	AuthFile    string
}

func newBuildCommand(global *globalOptions) *cobra.Command {
	opts := buildCLIOptions{Source: ".", History: true}
	cmd := &cobra.Command{
		Use:   "build [SOURCE]",
		Short: "Build a runtime image from a dependency manifest and source tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Source = args[0]
			}
			return runBuild(cmd, global, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Manifest, "manifest", "f", "", "Dependency manifest (default: <SOURCE>/requirements.txt)")
	f.StringSliceVarP(&opts.Tags, "tag", "t", nil, "Image reference to record for the build (repeatable)")
	f.StringVar(&opts.Layout, "layout", "", "OCI layout output directory (default: <SOURCE>/dist/oci)")
	f.StringVar(&opts.Workspace, "workspace", "", "Directory for stage filesystems (default: temporary)")
	f.StringVar(&opts.Base, "base", "", "Base image reference for the runtime image (default: empty)")
	f.StringVar(&opts.EntryPoint, "entrypoint", "", "Application entry point passed to the server")
	f.StringVar(&opts.Settings, "settings-module", "", "Settings module exported as SETTINGS_MODULE")
	f.BoolVar(&opts.Hermetic, "hermetic", false, "Require the base image to be pinned by digest")
	f.BoolVar(&opts.KeepRootfs, "keep-rootfs", false, "Keep the runtime stage directory after the build")
	f.BoolVar(&opts.History, "history", opts.History, "Record the run in the local history database")
	f.StringVar(&opts.HistoryPath, "history-db", "", "History database path (default: user cache dir)")
	f.StringVar(&opts.MetricsFile, "metrics-file", "", "Write Prometheus textfile metrics to this path")
	f.StringVar(&opts.AuthFile, "authfile", "", "Docker config file with registry credentials for base image pulls")
	f.StringVar(&opts.Config, "repo-config", "", "Repository config file (default: <repo>/.kiln.yaml)")
	return cmd
}

func runBuild(cmd *cobra.Command, global *globalOptions, cli buildCLIOptions) error {
	ctx := cmd.Context()
	log, err := global.logger()
	if err != nil {
		return failure.Config("log-level", err)
	}
	source, err := filepath.Abs(cli.Source)
	if err != nil {
		return failure.Config("source", err)
	}
	repoPath := cli.Config
	if repoPath == "" {
		repoPath = appconfig.DefaultRepoPath(source)
	}
	cfg, err := appconfig.Load(ctx, appconfig.DefaultGlobalPath(), repoPath)
	if err != nil {
		return failure.Config("config", err)
	}

	opts, deps, err := pipelineInputs(cfg, cli, source, cmd.ErrOrStderr())
	if err != nil {
		return failure.Config("config", err)
	}
	opts.Logger = log
	opts.Image.Revision = gitinfo.Revision(ctx, source)
	keychain, err := dockerconfig.KeychainFor(cli.AuthFile, cmd.ErrOrStderr())
	if err != nil {
		return failure.Config("authfile", err)
	}
	opts.Image.Keychain = keychain

	var metrics *telemetry.Metrics
	if cli.MetricsFile != "" {
		metrics = telemetry.NewMetrics(nil)
		deps.Metrics = metrics
	}
	if cli.History {
		store, err := openHistory(cli.HistoryPath)
		if err != nil {
			log.Info("history disabled", "error", err.Error())
		} else {
			defer store.Close()
			deps.History = store
		}
	}

	res, runErr := pipeline.New(deps).Run(ctx, opts)
	if cli.MetricsFile != "" {
		if err := metrics.WriteTextfile(cli.MetricsFile); err != nil {
			log.Info("could not write metrics", "path", cli.MetricsFile, "error", err.Error())
		}
	}
	if runErr != nil {
		return runErr
	}
	printBuildResult(cmd.OutOrStdout(), res)
	return nil
}

func openHistory(path string) (*history.Store, error) {
	if path == "" {
		p, err := history.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return history.Open(path)
}

// pipelineInputs merges config file values with command-line flags; flags
// win where both are set.
func pipelineInputs(cfg appconfig.Config, cli buildCLIOptions, source string, out io.Writer) (pipeline.Options, pipeline.Dependencies, error) {
	var deps pipeline.Dependencies
	manifestPath := firstNonEmpty(cli.Manifest, cfg.Build.Manifest, "requirements.txt")
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(source, manifestPath)
	}
	layout := firstNonEmpty(cli.Layout, cfg.Image.Layout, filepath.Join("dist", "oci"))
	if !filepath.IsAbs(layout) {
		layout = filepath.Join(source, layout)
	}
	envOpts := envconfig.DefaultOptions(firstNonEmpty(cli.Settings, cfg.Env.SettingsModule))
	if cfg.Env.NoBytecodeCache != nil {
		envOpts.NoBytecodeCache = *cfg.Env.NoBytecodeCache
	}
	if cfg.Env.UnbufferedOutput != nil {
		envOpts.UnbufferedOutput = *cfg.Env.UnbufferedOutput
	}
	envOpts.Extra = cfg.Env.Vars
	if cfg.Env.EnvFile != "" {
		envOpts.EnvFile = cfg.Env.EnvFile
		if !filepath.IsAbs(envOpts.EnvFile) {
			envOpts.EnvFile = filepath.Join(source, envOpts.EnvFile)
		}
	}

	id := identity.Default()
	if cfg.Identity.UID != 0 {
		id.UID = cfg.Identity.UID
		id.GID = cfg.Identity.UID
	}
	if cfg.Identity.GID != 0 {
		id.GID = cfg.Identity.GID
	}
	if cfg.Identity.Name != "" {
		id.Name = cfg.Identity.Name
	}

	proc := launch.ProcessSpec{
		EntryPoint: firstNonEmpty(cli.EntryPoint, cfg.Process.EntryPoint),
		Command:    cfg.Process.Command,
		Host:       cfg.Process.Host,
		Port:       cfg.Process.Port,
		Workers:    cfg.Process.Workers,
		Timeout:    time.Duration(cfg.Process.TimeoutSeconds) * time.Second,
	}

	hermetic := cli.Hermetic
	if !hermetic && cfg.Build.Hermetic != nil {
		hermetic = *cfg.Build.Hermetic
	}
	keep := cli.KeepRootfs
	if !keep && cfg.Build.KeepRootfs != nil {
		keep = *cfg.Build.KeepRootfs
	}
	tags := cli.Tags
	if len(tags) == 0 {
		tags = cfg.Image.Tags
	}

	resolve, err := command.Parse(firstNonEmpty(cfg.Build.ResolveCommand, compiler.DefaultResolveCommand))
	if err != nil {
		return pipeline.Options{}, deps, fmt.Errorf("build.resolveCommand: %w", err)
	}
	deps.Resolver = compiler.ExecResolver{Command: resolve, Output: out}
	compile, err := command.Parse(firstNonEmpty(cfg.Build.CompileCommand, compiler.DefaultCompileCommand))
	if err != nil {
		return pipeline.Options{}, deps, fmt.Errorf("build.compileCommand: %w", err)
	}
	deps.Builder = compiler.ExecBuilder{Command: compile, Output: out}
	if cfg.Build.PackageCommand != "" {
		tmpl, err := command.Parse(cfg.Build.PackageCommand)
		if err != nil {
			return pipeline.Options{}, deps, fmt.Errorf("build.packageCommand: %w", err)
		}
		deps.BuildInstaller = sysdeps.ExecInstaller{Command: tmpl, Output: out}
	}
	if cfg.Runtime.PackageCommand != "" {
		tmpl, err := command.Parse(cfg.Runtime.PackageCommand)
		if err != nil {
			return pipeline.Options{}, deps, fmt.Errorf("runtime.packageCommand: %w", err)
		}
		deps.RuntimeInstaller = sysdeps.ExecInstaller{Command: tmpl, Output: out}
	}
	if cfg.Runtime.ArtifactCommand != "" {
		tmpl, err := command.Parse(cfg.Runtime.ArtifactCommand)
		if err != nil {
			return pipeline.Options{}, deps, fmt.Errorf("runtime.artifactCommand: %w", err)
		}
		deps.ArtifactInstaller = assemble.ExecArtifactInstaller{Command: tmpl, Output: out}
	}
	deps.Registry = registry.NewClient(registry.ClientOptions{})

	opts := pipeline.Options{
		ManifestPath:    manifestPath,
		SourceDir:       source,
		Workspace:       firstNonEmpty(cli.Workspace, cfg.Build.Workspace),
		KeepRootfs:      keep,
		Hermetic:        hermetic,
		BuildPackages:   sysdeps.NewSet(cfg.Build.Packages...),
		RuntimePackages: sysdeps.NewSet(cfg.Runtime.Packages...),
		SiteDir:         cfg.Runtime.SiteDir,
		WorkDir:         cfg.Runtime.WorkDir,
		IgnoreFile:      cfg.Runtime.IgnoreFile,
		Dirs:            cfg.Runtime.Dirs,
		Identity:        id,
		Env:             envOpts,
		Process:         proc,
		Image: pipeline.ImageOptions{
			Base:      firstNonEmpty(cli.Base, cfg.Image.Base),
			Tags:      tags,
			LayoutDir: layout,
			Launcher:  cfg.Image.Launcher,
			Labels:    cfg.Image.Labels,
			Version:   version.Get().Version,
			Source:    source,
		},
	}
	return opts, deps, nil
}

func printBuildResult(w io.Writer, res *pipeline.Result) {
	ok := color.New(color.FgGreen, color.Bold)
	ok.Fprintf(w, "Built runtime image")
	if res.Image != nil {
		fmt.Fprintf(w, " %s\n", res.Image.Digest)
		fmt.Fprintf(w, "  layout:  %s\n", res.Image.LayoutDir)
		if len(res.Image.Tags) > 0 {
			fmt.Fprintf(w, "  tags:    %s\n", strings.Join(res.Image.Tags, ", "))
		}
	} else {
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  run:     %s\n", res.RunID)
	fmt.Fprintf(w, "  user:    %s (%s)\n", res.Process.Identity.Name, res.Process.Identity.User())
	fmt.Fprintf(w, "  command: %s\n", strings.Join(res.Process.Argv(), " "))
	if res.Runtime != nil {
		fmt.Fprintf(w, "  rootfs:  %s\n", res.Runtime.Root)
	}
	if line := res.Summary.Line(); line != "" {
		fmt.Fprintln(w, line)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
