// Package assemble builds the runtime stage: runtime system packages, the
// promoted artifacts, and the application source tree, in that order.
package assemble

import (
	"context"
	"errors"
	"time"

	"github.com/example/kiln/internal/compiler"
	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/stage"
	"github.com/example/kiln/internal/sysdeps"
	"github.com/go-logr/logr"
)

// Defaults for the runtime layout.
const (
	DefaultWorkDir = "/app"
	DefaultSiteDir = "/usr/local/lib/site-packages"
)

// Assembler installs everything the runtime image needs.
type Assembler struct {
	Installer       sysdeps.Installer
	RuntimePackages sysdeps.Set
	Artifacts       ArtifactInstaller
	SiteDir         string
	WorkDir         string
	SourceDir       string
	IgnoreFile      string
	Logger          logr.Logger
}

// Report summarizes an assembly run.
type Report struct {
	SystemPackages sysdeps.Set
	Installed      []stage.InstalledArtifact
	SourceFiles    int
	Duration       time.Duration
}

// Run performs the three assembly steps against st.
func (a *Assembler) Run(ctx context.Context, st *stage.Stage, arts []compiler.Artifact) (*Report, error) {
	start := time.Now()
	log := a.Logger
	if err := sysdeps.CheckRuntime(a.RuntimePackages); err != nil {
		return nil, failure.Install("system packages", err)
	}
	inst := a.Installer
	if inst == nil {
		inst = sysdeps.RecordOnly{}
	}
	if len(a.RuntimePackages) > 0 {
		if err := inst.Install(ctx, st.Root, a.RuntimePackages); err != nil {
			return nil, failure.Install("system packages", err)
		}
	}
	if err := st.UpdateDatabase(func(db *stage.Database) error {
		db.AddSystemPackages(a.RuntimePackages...)
		return nil
	}); err != nil {
		return nil, failure.Install(stage.PackageDB, err)
	}
	log.Info("runtime system packages installed", "packages", len(a.RuntimePackages))

	artInst := a.Artifacts
	if artInst == nil {
		artInst = WheelInstaller{}
	}
	site := a.siteDir()
	installed := make([]stage.InstalledArtifact, 0, len(arts))
	for _, art := range arts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := artInst.Install(ctx, st, art, site); err != nil {
			return nil, failure.Install(art.File, err)
		}
		rec := stage.InstalledArtifact{
			Name:       art.Package,
			Constraint: art.Constraint,
			File:       art.File,
			Digest:     art.Digest,
		}
		if err := st.UpdateDatabase(func(db *stage.Database) error {
			db.PutArtifact(rec)
			return nil
		}); err != nil {
			return nil, failure.Install(stage.PackageDB, err)
		}
		installed = append(installed, rec)
		log.V(1).Info("artifact installed", "package", art.Package, "file", art.File)
	}
	log.Info("artifacts installed", "artifacts", len(installed))

	files := 0
	if a.SourceDir != "" {
		n, err := Overlay(st, a.SourceDir, a.workDir(), a.IgnoreFile)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, failure.Install("source tree", err)
		}
		files = n
		log.Info("source tree overlaid", "files", files, "workdir", a.workDir())
	}
	return &Report{
		SystemPackages: a.RuntimePackages,
		Installed:      installed,
		SourceFiles:    files,
		Duration:       time.Since(start),
	}, nil
}

func (a *Assembler) workDir() string {
	if a.WorkDir == "" {
		return DefaultWorkDir
	}
	return a.WorkDir
}

func (a *Assembler) siteDir() string {
	if a.SiteDir == "" {
		return DefaultSiteDir
	}
	return a.SiteDir
}
