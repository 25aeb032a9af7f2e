package assemble

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/example/kiln/internal/command"
	"github.com/example/kiln/internal/compiler"
	"github.com/example/kiln/internal/stage"
)

// ArtifactInstaller installs one promoted artifact into the stage's package
// site directory.
type ArtifactInstaller interface {
	Install(ctx context.Context, st *stage.Stage, art compiler.Artifact, siteDir string) error
}

// WheelInstaller installs built wheels by unpacking them into the site
// directory. Source distributions and other archives are rejected; they
// must go through a Builder first.
type WheelInstaller struct{}

func (WheelInstaller) Install(ctx context.Context, st *stage.Stage, art compiler.Artifact, siteDir string) error {
	if !strings.HasSuffix(strings.ToLower(art.File), ".whl") {
		return fmt.Errorf("artifact %s is not a wheel; configure a builder or runtime.artifactCommand", art.File)
	}
	src, err := st.Path(art.Path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("artifact %s was not promoted: %w", art.File, err)
	}
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", art.File, err)
	}
	defer zr.Close()
	if !hasDistInfo(zr.File) {
		return fmt.Errorf("artifact %s has no top-level .dist-info directory", art.File)
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, err := safeJoin(siteDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := st.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
		if err := st.WriteFile(target, data, filePerm(f.Mode())); err != nil {
			return err
		}
	}
	return nil
}

func hasDistInfo(files []*zip.File) bool {
	for _, f := range files {
		top, _, nested := strings.Cut(filepath.ToSlash(f.Name), "/")
		if nested && strings.HasSuffix(top, ".dist-info") {
			return true
		}
	}
	return false
}

func safeJoin(dir, name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", fmt.Errorf("archive entry %q escapes install directory", name)
		}
	}
	return path.Join(dir, clean), nil
}

func filePerm(m os.FileMode) os.FileMode {
	perm := m.Perm()
	if perm == 0 {
		return 0o644
	}
	return perm
}

// ExecArtifactInstaller installs artifacts with an external command.
// Templates may use {artifact}, {root} and {site}.
type ExecArtifactInstaller struct {
	Command command.Template
	Runner  command.Runner
	Output  io.Writer
}

func (e ExecArtifactInstaller) Install(ctx context.Context, st *stage.Stage, art compiler.Artifact, siteDir string) error {
	src, err := st.Path(art.Path)
	if err != nil {
		return err
	}
	site, err := st.Path(siteDir)
	if err != nil {
		return err
	}
	argv, err := e.Command.Expand(map[string][]string{
		"artifact": {src},
		"root":     {st.Root},
		"site":     {site},
	})
	if err != nil {
		return err
	}
	runner := e.Runner
	if runner == nil {
		runner = command.ExecRunner{}
	}
	return runner.Run(ctx, argv, command.RunOptions{Dir: st.Root, Stdout: e.Output})
}
