// Package promote copies built artifacts across the stage boundary. Only the
// artifact files and the manifest cross; nothing else from the build stage
// reaches the runtime stage.
package promote

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/example/kiln/internal/compiler"
	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/manifest"
	"github.com/example/kiln/internal/stage"
	"github.com/go-logr/logr"
)

// ManifestPath is the promoted manifest location in the runtime stage.
const ManifestPath = stage.PromotedDir + "/manifest.txt"

// Result lists what crossed the boundary.
type Result struct {
	Artifacts []compiler.Artifact
	Copied    int
	Skipped   int
	Removed   int
}

// Promote copies arts and m from build into runtime. Artifacts are
// re-pointed at their promoted paths and verified by digest. Files already
// present with the same digest are left alone, and files in the promoted
// directory that are not part of arts are removed.
func Promote(log logr.Logger, build, runtime *stage.Stage, m manifest.Manifest, arts []compiler.Artifact) (*Result, error) {
	if len(arts) != m.Len() {
		return nil, failure.Install("promote", fmt.Errorf("have %d artifacts for %d manifest entries", len(arts), m.Len()))
	}
	promotedHost, err := runtime.Path(stage.PromotedDir)
	if err != nil {
		return nil, err
	}
	if err := runtime.MkdirAll(stage.PromotedDir, 0o755); err != nil {
		return nil, failure.Install(stage.PromotedDir, err)
	}
	res := &Result{}
	keep := map[string]struct{}{"manifest.txt": {}}
	for _, art := range arts {
		src, err := build.Path(art.Path)
		if err != nil {
			return nil, err
		}
		dstPath := path.Join(stage.PromotedDir, art.File)
		dst := filepath.Join(promotedHost, art.File)
		keep[art.File] = struct{}{}
		if same, err := matches(dst, art); err != nil {
			return nil, failure.Install(art.File, err)
		} else if same {
			res.Skipped++
		} else {
			if err := runtime.CopyFile(src, dstPath, 0o644); err != nil {
				return nil, failure.Install(art.File, fmt.Errorf("copy artifact: %w", err))
			}
			if same, err := matches(dst, art); err != nil || !same {
				return nil, failure.Install(art.File, fmt.Errorf("digest mismatch after copy (want %s)", art.Digest))
			}
			res.Copied++
		}
		promoted := art
		promoted.Path = dstPath
		res.Artifacts = append(res.Artifacts, promoted)
		log.V(1).Info("artifact promoted", "file", art.File, "digest", art.Digest.String())
	}
	if err := runtime.WriteFile(ManifestPath, m.Bytes(), 0o644); err != nil {
		return nil, failure.Install(ManifestPath, err)
	}
	entries, err := os.ReadDir(promotedHost)
	if err != nil {
		return nil, failure.Install(stage.PromotedDir, err)
	}
	for _, e := range entries {
		if _, ok := keep[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(promotedHost, e.Name())); err != nil {
			return nil, failure.Install(e.Name(), err)
		}
		res.Removed++
	}
	return res, nil
}

func matches(p string, art compiler.Artifact) (bool, error) {
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	d, size, err := compiler.DigestFile(p)
	if err != nil {
		return false, err
	}
	return d == art.Digest && size == art.Size, nil
}
