package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/kiln/internal/assemble"
	"github.com/example/kiln/internal/command"
	"github.com/example/kiln/internal/compiler"
	"github.com/example/kiln/internal/envconfig"
	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/history"
	"github.com/example/kiln/internal/identity"
	"github.com/example/kiln/internal/launch"
	"github.com/example/kiln/internal/manifest"
	"github.com/example/kiln/internal/ociimage"
	"github.com/example/kiln/internal/promote"
	"github.com/example/kiln/internal/provision"
	"github.com/example/kiln/internal/stage"
	"github.com/example/kiln/internal/sysdeps"
	"github.com/example/kiln/internal/telemetry"
	"github.com/example/kiln/pkg/registry"
	"github.com/go-logr/logr"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/uuid"
)

// Service executes pipeline runs.
type Service interface {
	Run(ctx context.Context, opts Options) (*Result, error)
}

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, run history.Run) error
}

// Dependencies configures a Service. Nil fields fall back to the exec-based
// defaults.
type Dependencies struct {
	Resolver          compiler.Resolver
	Builder           compiler.Builder
	BuildInstaller    sysdeps.Installer
	RuntimeInstaller  sysdeps.Installer
	ArtifactInstaller assemble.ArtifactInstaller
	Registry          registry.Client
	History           Recorder
	Metrics           *telemetry.Metrics
}

// Result summarizes a successful run.
type Result struct {
	RunID     string
	Artifacts []compiler.Artifact
	Promoted  *promote.Result
	Assembly  *assemble.Report
	Dirs      []provision.Dir
	Identity  *identity.Result
	Env       envconfig.Environment
	Process   launch.ProcessSpec
	Image     *ociimage.Result
	// Runtime is the runtime stage, set only with KeepRootfs.
	Runtime *stage.Stage
	Summary telemetry.Summary
	Stages  []string
}

type service struct {
	deps Dependencies
}

// New returns a pipeline Service.
func New(deps Dependencies) Service {
	if deps.Resolver == nil {
		deps.Resolver = compiler.ExecResolver{Command: command.MustParse(compiler.DefaultResolveCommand)}
		if deps.Builder == nil {
			deps.Builder = compiler.ExecBuilder{Command: command.MustParse(compiler.DefaultCompileCommand)}
		}
	}
	if deps.ArtifactInstaller == nil {
		deps.ArtifactInstaller = assemble.WheelInstaller{}
	}
	if deps.BuildInstaller == nil {
		deps.BuildInstaller = sysdeps.RecordOnly{}
	}
	if deps.RuntimeInstaller == nil {
		deps.RuntimeInstaller = sysdeps.RecordOnly{}
	}
	return &service{deps: deps}
}

type prepared struct {
	manifest manifest.Manifest
	env      envconfig.Environment
	identity identity.Identity
	process  launch.ProcessSpec
	dirs     []string
	workDir  string
}

// prepare validates every input before any stage runs; all failures here
// are ConfigErrors.
func prepare(opts Options) (*prepared, error) {
	if strings.TrimSpace(opts.ManifestPath) == "" {
		return nil, failure.Config("manifest", errors.New("manifest path is required"))
	}
	m, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return nil, failure.Config(opts.ManifestPath, err)
	}
	if err := m.Validate(); err != nil {
		return nil, failure.Config(opts.ManifestPath, err)
	}
	env, err := envconfig.New(opts.Env)
	if err != nil {
		return nil, failure.Config("environment", err)
	}
	id := opts.Identity
	if id == (identity.Identity{}) {
		id = identity.Default()
	}
	if err := id.Validate(); err != nil {
		return nil, failure.Config("identity", err)
	}
	if err := sysdeps.CheckRuntime(opts.RuntimePackages); err != nil {
		return nil, failure.Config("runtime packages", err)
	}
	if opts.Hermetic {
		if err := ociimage.CheckPinned(opts.Image.Base); err != nil {
			return nil, failure.Config("base image", err)
		}
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = assemble.DefaultWorkDir
	}
	dirs := opts.Dirs
	if len(dirs) == 0 {
		dirs = provision.DefaultDirs()
	}
	proc := withDefaults(opts.Process)
	proc.WorkDir = workDir
	proc.Identity = id
	proc.Env = env
	if strings.TrimSpace(proc.EntryPoint) == "" {
		return nil, failure.Config("process", errors.New("entry point is required"))
	}
	if l := opts.Image.Launcher; l != "" && !path.IsAbs(l) {
		return nil, failure.Config("image.launcher", fmt.Errorf("launcher path %q must be absolute", l))
	}
	return &prepared{manifest: m, env: env, identity: id, process: proc, dirs: dirs, workDir: workDir}, nil
}

// withDefaults fills zero serving parameters from launch.DefaultProcess.
func withDefaults(p launch.ProcessSpec) launch.ProcessSpec {
	out := launch.DefaultProcess(p.EntryPoint)
	if p.Command != "" {
		out.Command = p.Command
	}
	if p.Host != "" {
		out.Host = p.Host
	}
	if p.Port != 0 {
		out.Port = p.Port
	}
	if p.Workers != 0 {
		out.Workers = p.Workers
	}
	if p.Timeout != 0 {
		out.Timeout = p.Timeout
	}
	return out
}

// Run executes the stages strictly in order. The first error aborts the run
// and removes both stages; an export never leaves a partial layout.
func (s *service) Run(ctx context.Context, opts Options) (_ *Result, err error) {
	log := opts.Logger
	started := time.Now()
	timer := telemetry.NewPhaseTimer(s.deps.Metrics)
	res := &Result{RunID: uuid.NewString()}
	log = log.WithValues("run", res.RunID)
	var manifestDigest string

	defer func() {
		s.finish(ctx, opts, res, manifestDigest, timer, started, err)
	}()

	p, err := prepare(opts)
	if err != nil {
		return nil, err
	}
	manifestDigest = p.manifest.Digest().String()

	var base v1.Image
	if strings.TrimSpace(opts.Image.Base) != "" {
		if base, err = ociimage.ResolveBase(ctx, opts.Image.Base, opts.Image.Keychain); err != nil {
			return nil, failure.Config("base image", err)
		}
	}

	workspace := opts.Workspace
	tempWorkspace := false
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "kiln-")
		if err != nil {
			return nil, err
		}
		tempWorkspace = true
	}
	runDir := filepath.Join(workspace, res.RunID)

	build, err := stage.New(runDir, "build")
	if err != nil {
		return nil, err
	}
	runtime, err := stage.New(runDir, "runtime")
	if err != nil {
		_ = build.Discard()
		return nil, err
	}
	defer func() {
		_ = build.Discard()
		if err == nil && opts.KeepRootfs {
			return
		}
		_ = runtime.Discard()
		_ = os.Remove(runDir)
		if tempWorkspace {
			_ = os.RemoveAll(workspace)
		}
	}()

	log.Info("pipeline started", "manifest", opts.ManifestPath, "entries", p.manifest.Len(), "digest", manifestDigest)

	track := func(name string, fn func() error) error {
		log.V(1).Info("stage started", "stage", name)
		t0 := time.Now()
		err := timer.Track(name, fn)
		if err != nil {
			log.Info("stage failed", "stage", name, "duration", time.Since(t0).String(), "error", err.Error())
			return err
		}
		log.Info("stage finished", "stage", name, "duration", time.Since(t0).String())
		return nil
	}

	comp := &compiler.Compiler{
		Resolver:      s.deps.Resolver,
		Builder:       s.deps.Builder,
		Installer:     s.deps.BuildInstaller,
		BuildPackages: opts.BuildPackages,
		Logger:        log.WithValues("stage", StageCompile),
	}
	if err = track(StageCompile, func() error {
		arts, err := comp.Run(ctx, build, p.manifest)
		res.Artifacts = arts
		return err
	}); err != nil {
		return nil, err
	}

	if err = track(StagePromote, func() error {
		pr, err := promote.Promote(log.WithValues("stage", StagePromote), build, runtime, p.manifest, res.Artifacts)
		if err != nil {
			return err
		}
		res.Promoted = pr
		return build.Discard()
	}); err != nil {
		return nil, err
	}

	asm := &assemble.Assembler{
		Installer:       s.deps.RuntimeInstaller,
		RuntimePackages: opts.RuntimePackages,
		Artifacts:       s.deps.ArtifactInstaller,
		SiteDir:         opts.SiteDir,
		WorkDir:         p.workDir,
		SourceDir:       opts.SourceDir,
		IgnoreFile:      opts.IgnoreFile,
		Logger:          log.WithValues("stage", StageAssemble),
	}
	if err = track(StageAssemble, func() error {
		rep, err := asm.Run(ctx, runtime, res.Promoted.Artifacts)
		res.Assembly = rep
		if err != nil {
			return err
		}
		return installLauncher(log.WithValues("stage", StageAssemble), runtime, opts.Image)
	}); err != nil {
		return nil, err
	}

	if err = track(StageProvision, func() error {
		dirs, err := provision.Provision(log.WithValues("stage", StageProvision), runtime, p.dirs)
		res.Dirs = dirs
		return err
	}); err != nil {
		return nil, err
	}

	if err = track(StageIdentity, func() error {
		seeded, err := ociimage.SeedAccounts(runtime, base)
		if err != nil {
			return failure.Identity("/etc/passwd", err)
		}
		if len(seeded) > 0 {
			log.V(1).Info("account databases seeded from base image", "files", seeded)
		}
		idr, err := identity.Deescalate(log.WithValues("stage", StageIdentity), runtime, p.identity, p.workDir, provision.Paths(res.Dirs))
		res.Identity = idr
		return err
	}); err != nil {
		return nil, err
	}

	if err = track(StageEnv, func() error {
		res.Env = p.env
		log.V(1).Info("environment fixed", "vars", p.env.Len())
		return nil
	}); err != nil {
		return nil, err
	}

	if err = track(StageLaunch, func() error {
		spec := p.process
		spec.Dirs = provision.Paths(res.Dirs)
		if err := spec.Validate(); err != nil {
			return failure.Launch("process spec", err)
		}
		raw, err := spec.Encode()
		if err != nil {
			return failure.Launch("process spec", err)
		}
		if err := runtime.WriteFile(launch.SpecPath, raw, 0o644); err != nil {
			return failure.Launch(launch.SpecPath, err)
		}
		res.Process = spec
		log.Info("process spec written", "argv", strings.Join(spec.Argv(), " "), "path", launch.SpecPath)
		return nil
	}); err != nil {
		return nil, err
	}

	if opts.Image.LayoutDir != "" {
		if err = track(StageExport, func() error {
			img, err := ociimage.Export(ctx, ociimage.Options{
				Stage:     runtime,
				Process:   res.Process,
				Base:      opts.Image.Base,
				BaseImage: base,
				Hermetic:  opts.Hermetic,
				Launcher:  opts.Image.Launcher,
				Tags:      opts.Image.Tags,
				LayoutDir: opts.Image.LayoutDir,
				Labels:    opts.Image.Labels,
				Revision:  opts.Image.Revision,
				Version:   opts.Image.Version,
				Source:    opts.Image.Source,
				Keychain:  opts.Image.Keychain,
				Logger:    log.WithValues("stage", StageExport),
			})
			if err != nil {
				return fmt.Errorf("export image: %w", err)
			}
			res.Image = img
			return nil
		}); err != nil {
			return nil, err
		}
		if s.deps.Registry != nil && len(res.Image.Tags) > 0 {
			if rerr := s.deps.Registry.RecordBuild(res.Image.Tags, res.Image.LayoutDir); rerr != nil {
				log.Info("could not record image tags", "error", rerr.Error())
			}
		}
	}

	if opts.KeepRootfs {
		res.Runtime = runtime
	}
	return res, nil
}

// installLauncher copies the kiln binary into the runtime stage when the
// image uses launcher mode. It is owned by root and not writable by the
// serving identity.
func installLauncher(log logr.Logger, st *stage.Stage, img ImageOptions) error {
	if img.Launcher == "" {
		return nil
	}
	src := img.LauncherBinary
	if src == "" {
		exe, err := os.Executable()
		if err != nil {
			return failure.Config("image.launcher", fmt.Errorf("locate kiln binary: %w", err))
		}
		src = exe
	}
	if fi, err := os.Stat(src); err != nil {
		return failure.Config("image.launcher", err)
	} else if !fi.Mode().IsRegular() {
		return failure.Config("image.launcher", fmt.Errorf("%s is not a regular file", src))
	}
	if err := st.CopyFile(src, img.Launcher, 0o755); err != nil {
		return failure.Install(img.Launcher, err)
	}
	log.Info("launcher installed", "path", img.Launcher, "from", src)
	return nil
}

func (s *service) finish(ctx context.Context, opts Options, res *Result, manifestDigest string, timer *telemetry.PhaseTimer, started time.Time, err error) {
	total := time.Since(started)
	s.deps.Metrics.ObserveRun(total, err)
	res.Stages = timer.Order()
	res.Summary = telemetry.Summary{
		Total:     total,
		Phases:    timer.Snapshot(),
		Artifacts: len(res.Artifacts),
	}
	if res.Assembly != nil {
		res.Summary.Packages = len(res.Assembly.SystemPackages)
	}
	if s.deps.History == nil {
		return
	}
	run := history.Run{
		ID:             res.RunID,
		StartedAt:      started,
		FinishedAt:     started.Add(total),
		Status:         history.StatusSucceeded,
		Stages:         history.StagesFrom(res.Stages, res.Summary.Phases),
		ManifestDigest: manifestDigest,
	}
	if err != nil {
		run.Status = history.StatusFailed
		run.Error = err.Error()
		if kind, ok := failure.KindOf(err); ok {
			run.FailureKind = string(kind)
		}
	}
	if res.Image != nil {
		run.ImageDigest = res.Image.Digest
		run.Layout = res.Image.LayoutDir
	}
	if herr := s.deps.History.Record(context.WithoutCancel(ctx), run); herr != nil {
		opts.Logger.Info("could not record run history", "error", herr.Error())
	}
}
