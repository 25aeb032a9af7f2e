package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/kiln/internal/appconfig"
	"github.com/example/kiln/internal/compiler"
	"github.com/example/kiln/internal/identity"
	"github.com/example/kiln/internal/launch"
)

func boolPtr(v bool) *bool { return &v }

func TestPipelineInputsDefaults(t *testing.T) {
	source := t.TempDir()
	opts, deps, err := pipelineInputs(appconfig.Config{}, buildCLIOptions{EntryPoint: "shop.wsgi"}, source, io.Discard)
	if err != nil {
		t.Fatalf("pipelineInputs: %v", err)
	}
	if opts.ManifestPath != filepath.Join(source, "requirements.txt") {
		t.Fatalf("unexpected manifest path %q", opts.ManifestPath)
	}
	if opts.Image.LayoutDir != filepath.Join(source, "dist", "oci") {
		t.Fatalf("unexpected layout %q", opts.Image.LayoutDir)
	}
	if opts.Identity != identity.Default() {
		t.Fatalf("expected default identity, got %+v", opts.Identity)
	}
	if opts.Process.EntryPoint != "shop.wsgi" {
		t.Fatalf("entry point not propagated: %+v", opts.Process)
	}
	if !opts.Env.NoBytecodeCache || !opts.Env.UnbufferedOutput {
		t.Fatalf("expected interpreter defaults on, got %+v", opts.Env)
	}
	if _, ok := deps.Resolver.(compiler.ExecResolver); !ok {
		t.Fatalf("expected exec resolver, got %T", deps.Resolver)
	}
	builder, ok := deps.Builder.(compiler.ExecBuilder)
	if !ok {
		t.Fatalf("expected exec builder, got %T", deps.Builder)
	}
	if builder.Command.String() != compiler.DefaultCompileCommand {
		t.Fatalf("unexpected compile command %q", builder.Command.String())
	}
	if deps.BuildInstaller != nil || deps.ArtifactInstaller != nil {
		t.Fatalf("expected pipeline defaults for unset commands: %+v", deps)
	}
	if deps.Registry == nil {
		t.Fatalf("expected registry client")
	}
}

func TestPipelineInputsFlagsOverrideConfig(t *testing.T) {
	source := t.TempDir()
	cfg := appconfig.Config{
		Build: appconfig.BuildConfig{
			Manifest:       "deps/prod.txt",
			Packages:       []string{"libpq-dev", "gcc"},
			PackageCommand: "apt-get install --root {root} {packages}",
			Hermetic:       boolPtr(true),
		},
		Runtime: appconfig.RuntimeConfig{
			Packages:        []string{"libpq5"},
			ArtifactCommand: "pip install --target {site} {artifact}",
			Dirs:            []string{"/var/lib/shop"},
		},
		Identity: appconfig.IdentityConfig{UID: 1500, Name: "shop"},
		Env:      appconfig.EnvConfig{SettingsModule: "shop.settings", NoBytecodeCache: boolPtr(false), Vars: map[string]string{"TZ": "UTC"}},
		Process:  appconfig.ProcessConfig{EntryPoint: "shop.wsgi", Port: 8080, Workers: 4, TimeoutSeconds: 60},
		Image:    appconfig.ImageConfig{Base: "alpine:3.20", Tags: []string{"shop:cfg"}, Layout: "/tmp/out"},
	}
	cli := buildCLIOptions{Tags: []string{"shop:cli"}, Settings: "shop.prod"}
	opts, deps, err := pipelineInputs(cfg, cli, source, io.Discard)
	if err != nil {
		t.Fatalf("pipelineInputs: %v", err)
	}
	if opts.ManifestPath != filepath.Join(source, "deps", "prod.txt") {
		t.Fatalf("unexpected manifest path %q", opts.ManifestPath)
	}
	if opts.Image.LayoutDir != "/tmp/out" || opts.Image.Base != "alpine:3.20" {
		t.Fatalf("unexpected image options %+v", opts.Image)
	}
	if len(opts.Image.Tags) != 1 || opts.Image.Tags[0] != "shop:cli" {
		t.Fatalf("cli tags should win, got %v", opts.Image.Tags)
	}
	if !opts.Hermetic {
		t.Fatalf("expected hermetic from config")
	}
	if strings.Join(opts.BuildPackages, ",") != "gcc,libpq-dev" {
		t.Fatalf("unexpected build packages %v", opts.BuildPackages)
	}
	if opts.Identity.UID != 1500 || opts.Identity.GID != 1500 || opts.Identity.Name != "shop" {
		t.Fatalf("unexpected identity %+v", opts.Identity)
	}
	if opts.Env.SettingsModule != "shop.prod" || opts.Env.NoBytecodeCache || opts.Env.Extra["TZ"] != "UTC" {
		t.Fatalf("unexpected env options %+v", opts.Env)
	}
	want := launch.ProcessSpec{EntryPoint: "shop.wsgi", Port: 8080, Workers: 4, Timeout: time.Minute}
	if opts.Process.EntryPoint != want.EntryPoint || opts.Process.Port != want.Port || opts.Process.Workers != want.Workers || opts.Process.Timeout != want.Timeout {
		t.Fatalf("unexpected process %+v", opts.Process)
	}
	if deps.BuildInstaller == nil || deps.ArtifactInstaller == nil {
		t.Fatalf("expected exec installers from config commands")
	}
	if deps.RuntimeInstaller != nil {
		t.Fatalf("runtime installer should fall back to the pipeline default")
	}
}

func TestPipelineInputsRejectsBadCommand(t *testing.T) {
	cfg := appconfig.Config{Build: appconfig.BuildConfig{ResolveCommand: `pip download "{requirement}`}}
	if _, _, err := pipelineInputs(cfg, buildCLIOptions{}, t.TempDir(), io.Discard); err == nil || !strings.Contains(err.Error(), "resolveCommand") {
		t.Fatalf("expected resolveCommand error, got %v", err)
	}
}

func TestRepositoryFrom(t *testing.T) {
	repo, err := repositoryFrom("registry.example.com/team/shop:1.0")
	if err != nil {
		t.Fatalf("repositoryFrom: %v", err)
	}
	if repo != "registry.example.com/team/shop" {
		t.Fatalf("unexpected repository %q", repo)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"build", "launch", "inspect", "push", "history", "version"} {
		if _, _, err := root.Find([]string{name}); err != nil {
			t.Fatalf("missing subcommand %s: %v", name, err)
		}
	}
}

func TestVersionCommandJSON(t *testing.T) {
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), `"goVersion"`) {
		t.Fatalf("unexpected output %s", out.String())
	}
}

func TestHistoryCommandEmpty(t *testing.T) {
	cmd := newHistoryCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--history-db", filepath.Join(t.TempDir(), "history.db")})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out.String(), "No runs recorded") {
		t.Fatalf("unexpected output %s", out.String())
	}
}

func TestConfigSearchDirsPrefersXDG(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dirs := configSearchDirs()
	if len(dirs) == 0 || dirs[0] != filepath.Join(xdg, "kiln") {
		t.Fatalf("unexpected search dirs %v", dirs)
	}
}
