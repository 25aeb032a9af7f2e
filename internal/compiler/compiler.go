// Package compiler turns manifest entries into installable artifacts inside
// an isolated build stage.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/manifest"
	"github.com/example/kiln/internal/stage"
	"github.com/example/kiln/internal/sysdeps"
	"github.com/go-logr/logr"
	digest "github.com/opencontainers/go-digest"
)

// ManifestPath is where the build stage keeps its copy of the manifest.
const ManifestPath = "/manifest.txt"

const workDir = "/work"

// Artifact is one built package, derived from exactly one manifest entry.
type Artifact struct {
	Package    string        `json:"package"`
	Constraint string        `json:"constraint,omitempty"`
	File       string        `json:"file"`
	Path       string        `json:"path"`
	Digest     digest.Digest `json:"digest"`
	Size       int64         `json:"size"`
}

// Resolver fetches the distribution satisfying entry into dir.
type Resolver interface {
	Resolve(ctx context.Context, entry manifest.Entry, dir string) error
}

// Builder compiles a resolved distribution at src into outDir.
type Builder interface {
	Build(ctx context.Context, entry manifest.Entry, src, outDir string) error
}

// Compiler is the dependency compilation step of the build stage.
type Compiler struct {
	Resolver      Resolver
	Builder       Builder
	Installer     sysdeps.Installer
	BuildPackages sysdeps.Set
	Logger        logr.Logger
}

// Run installs the build toolchain, then produces one artifact per entry
// into the stage's artifacts directory. On failure the artifacts directory
// is removed.
func (c *Compiler) Run(ctx context.Context, st *stage.Stage, m manifest.Manifest) (arts []Artifact, err error) {
	if err := m.Validate(); err != nil {
		return nil, failure.Config("manifest", err)
	}
	if c.Resolver == nil {
		return nil, failure.Config("resolver", errors.New("no resolver configured"))
	}
	log := c.Logger
	artifactsHost, err := st.Path(stage.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	workHost, err := st.Path(workDir)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workHost)
	defer func() {
		if err != nil {
			os.RemoveAll(artifactsHost)
			arts = nil
		}
	}()

	if err := c.installToolchain(ctx, st); err != nil {
		return nil, err
	}
	if err := st.WriteFile(ManifestPath, m.Bytes(), 0o644); err != nil {
		return nil, failure.Compile("manifest", err)
	}
	if err := os.MkdirAll(artifactsHost, 0o755); err != nil {
		return nil, failure.Compile(stage.ArtifactsDir, err)
	}

	seen := map[string]string{}
	for i, entry := range m.Entries() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		art, err := c.compileOne(ctx, st, i, entry, workHost, artifactsHost)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[art.File]; ok {
			return nil, failure.Compile(entry.String(), fmt.Errorf("artifact %s already produced by %s", art.File, prev))
		}
		seen[art.File] = entry.Name
		log.V(1).Info("artifact built", "package", entry.Name, "file", art.File, "digest", art.Digest.String())
		arts = append(arts, art)
	}
	if len(arts) != m.Len() {
		return nil, failure.Compile("manifest", fmt.Errorf("produced %d artifacts for %d entries", len(arts), m.Len()))
	}
	return arts, nil
}

func (c *Compiler) installToolchain(ctx context.Context, st *stage.Stage) error {
	if len(c.BuildPackages) == 0 {
		return nil
	}
	inst := c.Installer
	if inst == nil {
		inst = sysdeps.RecordOnly{}
	}
	if err := inst.Install(ctx, st.Root, c.BuildPackages); err != nil {
		return failure.Compile("system packages", err)
	}
	return st.UpdateDatabase(func(db *stage.Database) error {
		db.AddSystemPackages(c.BuildPackages...)
		return nil
	})
}

func (c *Compiler) compileOne(ctx context.Context, st *stage.Stage, idx int, entry manifest.Entry, workHost, artifactsHost string) (Artifact, error) {
	scratch := filepath.Join(workHost, strconv.Itoa(idx)+"-"+entry.Key())
	srcDir := filepath.Join(scratch, "src")
	outDir := filepath.Join(scratch, "out")
	for _, d := range []string{srcDir, outDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Artifact{}, failure.Compile(entry.String(), err)
		}
	}
	if err := c.Resolver.Resolve(ctx, entry, srcDir); err != nil {
		return Artifact{}, failure.Resolution(entry.String(), err)
	}
	resolved, err := singleFile(srcDir)
	if err != nil {
		return Artifact{}, failure.Resolution(entry.String(), err)
	}
	built := resolved
	if c.Builder != nil {
		if err := c.Builder.Build(ctx, entry, resolved, outDir); err != nil {
			return Artifact{}, failure.Compile(entry.String(), err)
		}
		built, err = singleFile(outDir)
		if err != nil {
			return Artifact{}, failure.Compile(entry.String(), err)
		}
	}
	name := filepath.Base(built)
	dst := filepath.Join(artifactsHost, name)
	if _, err := os.Stat(dst); err == nil {
		return Artifact{}, failure.Compile(entry.String(), fmt.Errorf("artifact %s already exists", name))
	}
	if err := os.Rename(built, dst); err != nil {
		return Artifact{}, failure.Compile(entry.String(), err)
	}
	d, size, err := DigestFile(dst)
	if err != nil {
		return Artifact{}, failure.Compile(entry.String(), err)
	}
	return Artifact{
		Package:    entry.Name,
		Constraint: entry.Constraint,
		File:       name,
		Path:       path.Join(stage.ArtifactsDir, name),
		Digest:     d,
		Size:       size,
	}, nil
}

func singleFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	switch len(files) {
	case 0:
		return "", errors.New("no artifact produced")
	case 1:
		return filepath.Join(dir, files[0]), nil
	default:
		return "", fmt.Errorf("expected exactly one artifact, got %d: %v", len(files), files)
	}
}

// DigestFile returns the sha256 digest and size of a file.
func DigestFile(p string) (digest.Digest, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	return d, info.Size(), nil
}
