// config.go loads the global and repository kiln configuration and merges
// them field by field.
package appconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuildConfig configures the build stage.
type BuildConfig struct {
	Manifest       string   `yaml:"manifest,omitempty"`
	Workspace      string   `yaml:"workspace,omitempty"`
	Packages       []string `yaml:"packages,omitempty"`
	PackageCommand string   `yaml:"packageCommand,omitempty"`
	ResolveCommand string   `yaml:"resolveCommand,omitempty"`
	CompileCommand string   `yaml:"compileCommand,omitempty"`
	Hermetic       *bool    `yaml:"hermetic,omitempty"`
	KeepRootfs     *bool    `yaml:"keepRootfs,omitempty"`
}

// RuntimeConfig configures the runtime stage.
type RuntimeConfig struct {
	Packages        []string `yaml:"packages,omitempty"`
	PackageCommand  string   `yaml:"packageCommand,omitempty"`
	ArtifactCommand string   `yaml:"artifactCommand,omitempty"`
	SiteDir         string   `yaml:"siteDir,omitempty"`
	WorkDir         string   `yaml:"workDir,omitempty"`
	IgnoreFile      string   `yaml:"ignoreFile,omitempty"`
	Dirs            []string `yaml:"dirs,omitempty"`
}

// IdentityConfig names the unprivileged runtime user.
type IdentityConfig struct {
	UID  int    `yaml:"uid,omitempty"`
	GID  int    `yaml:"gid,omitempty"`
	Name string `yaml:"name,omitempty"`
}

// EnvConfig configures the process environment.
type EnvConfig struct {
	SettingsModule   string            `yaml:"settingsModule,omitempty"`
	EnvFile          string            `yaml:"envFile,omitempty"`
	NoBytecodeCache  *bool             `yaml:"noBytecodeCache,omitempty"`
	UnbufferedOutput *bool             `yaml:"unbufferedOutput,omitempty"`
	Vars             map[string]string `yaml:"vars,omitempty"`
}

// ProcessConfig overrides the serving process defaults.
type ProcessConfig struct {
	EntryPoint     string `yaml:"entryPoint,omitempty"`
	Command        string `yaml:"command,omitempty"`
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	Workers        int    `yaml:"workers,omitempty"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty"`
}

// ImageConfig configures the exported image.
type ImageConfig struct {
	Base     string            `yaml:"base,omitempty"`
	Tags     []string          `yaml:"tags,omitempty"`
	Layout   string            `yaml:"layout,omitempty"`
	Launcher string            `yaml:"launcher,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
}

type Config struct {
	Build    BuildConfig    `yaml:"build,omitempty"`
	Runtime  RuntimeConfig  `yaml:"runtime,omitempty"`
	Identity IdentityConfig `yaml:"identity,omitempty"`
	Env      EnvConfig      `yaml:"env,omitempty"`
	Process  ProcessConfig  `yaml:"process,omitempty"`
	Image    ImageConfig    `yaml:"image,omitempty"`
}

func DefaultGlobalPath() string {
	home, _ := os.UserHomeDir()
	if strings.TrimSpace(home) == "" {
		return ""
	}
	return filepath.Join(home, ".kiln", "config.yaml")
}

// RepoFile is the per-repository config file name.
const RepoFile = ".kiln.yaml"

var rootMarkers = []string{RepoFile, "requirements.txt", ".git"}

// ProjectRoot returns the nearest directory at or above start that holds a
// kiln config, a requirements manifest or a .git entry, or "" if none does.
func ProjectRoot(start string) string {
	if strings.TrimSpace(start) == "" {
		return ""
	}
	dir := filepath.Clean(start)
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		dir = filepath.Dir(dir)
	}
	for {
		for _, m := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir
			}
		}
		up := filepath.Dir(dir)
		if up == dir {
			return ""
		}
		dir = up
	}
}

// DefaultRepoPath is the repository config inside the project containing
// source, falling back to source itself.
func DefaultRepoPath(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return ""
	}
	root := ProjectRoot(source)
	if root == "" {
		root = source
	}
	return filepath.Join(root, RepoFile)
}

// Load reads globalPath then repoPath; later non-zero values win. Missing
// files are not an error.
func Load(ctx context.Context, globalPath, repoPath string) (Config, error) {
	_ = ctx
	cfg := Config{}
	if strings.TrimSpace(globalPath) != "" {
		if c, err := loadOne(globalPath); err != nil {
			return Config{}, fmt.Errorf("load global config: %w", err)
		} else {
			cfg = merge(cfg, c)
		}
	}
	if strings.TrimSpace(repoPath) != "" {
		if c, err := loadOne(repoPath); err != nil {
			return Config{}, fmt.Errorf("load repo config: %w", err)
		} else {
			cfg = merge(cfg, c)
		}
	}
	return cfg, nil
}

func loadOne(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return Config{}, nil
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func merge(a, b Config) Config {
	out := a
	out.Build = mergeBuild(a.Build, b.Build)
	out.Runtime = mergeRuntime(a.Runtime, b.Runtime)
	out.Identity = mergeIdentity(a.Identity, b.Identity)
	out.Env = mergeEnv(a.Env, b.Env)
	out.Process = mergeProcess(a.Process, b.Process)
	out.Image = mergeImage(a.Image, b.Image)
	return out
}

func mergeBuild(a, b BuildConfig) BuildConfig {
	out := a
	if b.Manifest != "" {
		out.Manifest = b.Manifest
	}
	if b.Workspace != "" {
		out.Workspace = b.Workspace
	}
	if len(b.Packages) > 0 {
		out.Packages = b.Packages
	}
	if b.PackageCommand != "" {
		out.PackageCommand = b.PackageCommand
	}
	if b.ResolveCommand != "" {
		out.ResolveCommand = b.ResolveCommand
	}
	if b.CompileCommand != "" {
		out.CompileCommand = b.CompileCommand
	}
	if b.Hermetic != nil {
		out.Hermetic = b.Hermetic
	}
	if b.KeepRootfs != nil {
		out.KeepRootfs = b.KeepRootfs
	}
	return out
}

func mergeRuntime(a, b RuntimeConfig) RuntimeConfig {
	out := a
	if len(b.Packages) > 0 {
		out.Packages = b.Packages
	}
	if b.PackageCommand != "" {
		out.PackageCommand = b.PackageCommand
	}
	if b.ArtifactCommand != "" {
		out.ArtifactCommand = b.ArtifactCommand
	}
	if b.SiteDir != "" {
		out.SiteDir = b.SiteDir
	}
	if b.WorkDir != "" {
		out.WorkDir = b.WorkDir
	}
	if b.IgnoreFile != "" {
		out.IgnoreFile = b.IgnoreFile
	}
	if len(b.Dirs) > 0 {
		out.Dirs = b.Dirs
	}
	return out
}

func mergeIdentity(a, b IdentityConfig) IdentityConfig {
	out := a
	if b.UID != 0 {
		out.UID = b.UID
	}
	if b.GID != 0 {
		out.GID = b.GID
	}
	if b.Name != "" {
		out.Name = b.Name
	}
	return out
}

func mergeEnv(a, b EnvConfig) EnvConfig {
	out := a
	if b.SettingsModule != "" {
		out.SettingsModule = b.SettingsModule
	}
	if b.EnvFile != "" {
		out.EnvFile = b.EnvFile
	}
	if b.NoBytecodeCache != nil {
		out.NoBytecodeCache = b.NoBytecodeCache
	}
	if b.UnbufferedOutput != nil {
		out.UnbufferedOutput = b.UnbufferedOutput
	}
	if len(b.Vars) > 0 {
		vars := make(map[string]string, len(a.Vars)+len(b.Vars))
		for k, v := range a.Vars {
			vars[k] = v
		}
		for k, v := range b.Vars {
			vars[k] = v
		}
		out.Vars = vars
	}
	return out
}

func mergeProcess(a, b ProcessConfig) ProcessConfig {
	out := a
	if b.EntryPoint != "" {
		out.EntryPoint = b.EntryPoint
	}
	if b.Command != "" {
		out.Command = b.Command
	}
	if b.Host != "" {
		out.Host = b.Host
	}
	if b.Port != 0 {
		out.Port = b.Port
	}
	if b.Workers != 0 {
		out.Workers = b.Workers
	}
	if b.TimeoutSeconds != 0 {
		out.TimeoutSeconds = b.TimeoutSeconds
	}
	return out
}

func mergeImage(a, b ImageConfig) ImageConfig {
	out := a
	if b.Base != "" {
		out.Base = b.Base
	}
	if len(b.Tags) > 0 {
		out.Tags = b.Tags
	}
	if b.Layout != "" {
		out.Layout = b.Layout
	}
	if b.Launcher != "" {
		out.Launcher = b.Launcher
	}
	if len(b.Labels) > 0 {
		labels := make(map[string]string, len(a.Labels)+len(b.Labels))
		for k, v := range a.Labels {
			labels[k] = v
		}
		for k, v := range b.Labels {
			labels[k] = v
		}
		out.Labels = labels
	}
	return out
}
