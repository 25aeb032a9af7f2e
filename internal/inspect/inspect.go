// Package inspect runs static checks against an exported image layout.
package inspect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/kiln/internal/ociimage"
	"github.com/example/kiln/internal/stage"
	"github.com/example/kiln/internal/sysdeps"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/pkg/errors"
)

// LayerInfo describes one layer of an image in a layout.
type LayerInfo struct {
	ImageDigest string
	Digest      string
	Size        int64
	MediaType   string
}

// Images returns every image manifest reachable from the layout's index,
// descending into nested indexes.
func Images(layoutDir string) ([]v1.Image, error) {
	layoutDir = strings.TrimSpace(layoutDir)
	if layoutDir == "" {
		return nil, fmt.Errorf("oci layout dir is empty")
	}
	idx, err := layout.ImageIndexFromPath(layoutDir)
	if err != nil {
		return nil, errors.Wrapf(err, "open layout %s", layoutDir)
	}
	var out []v1.Image
	seen := map[v1.Hash]struct{}{}
	var walk func(v1.ImageIndex) error
	walk = func(idx v1.ImageIndex) error {
		im, err := idx.IndexManifest()
		if err != nil {
			return err
		}
		for _, desc := range im.Manifests {
			if _, ok := seen[desc.Digest]; ok {
				continue
			}
			seen[desc.Digest] = struct{}{}
			switch {
			case desc.MediaType.IsIndex():
				child, err := idx.ImageIndex(desc.Digest)
				if err != nil {
					return err
				}
				if err := walk(child); err != nil {
					return err
				}
			case desc.MediaType.IsImage():
				img, err := idx.Image(desc.Digest)
				if err != nil {
					return err
				}
				out = append(out, img)
			}
		}
		return nil
	}
	if err := walk(idx); err != nil {
		return nil, errors.Wrap(err, "walk layout index")
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no images in %s", layoutDir)
	}
	return out, nil
}

// Packages reads the package database out of the first image in the layout.
func Packages(layoutDir string) (stage.Database, error) {
	imgs, err := Images(layoutDir)
	if err != nil {
		return stage.Database{}, err
	}
	return ImagePackages(imgs[0])
}

// ImagePackages reads the package database from img's flattened
// filesystem. Images without a database were not built by kiln and are an
// error.
func ImagePackages(img v1.Image) (stage.Database, error) {
	files, err := ociimage.ReadFiles(img, stage.PackageDB)
	if err != nil {
		return stage.Database{}, err
	}
	raw, ok := files[stage.PackageDB]
	if !ok {
		return stage.Database{}, fmt.Errorf("image has no package database at %s", stage.PackageDB)
	}
	return stage.ParseDatabase(raw)
}

// Offending returns the installed system packages that are either in the
// build-only set or classified as toolchain packages.
func Offending(db stage.Database, buildOnly sysdeps.Set) sysdeps.Set {
	installed := sysdeps.NewSet(db.SystemPackages...)
	buildOnly = sysdeps.NewSet(buildOnly...)
	bad := append(installed.Intersect(buildOnly), installed.Toolchain()...)
	return sysdeps.NewSet(bad...)
}

// CheckNoToolchain fails when the image at layoutDir carries any build-only
// or toolchain package.
func CheckNoToolchain(layoutDir string, buildOnly sysdeps.Set) (sysdeps.Set, error) {
	db, err := Packages(layoutDir)
	if err != nil {
		return nil, err
	}
	bad := Offending(db, buildOnly)
	if len(bad) > 0 {
		return bad, fmt.Errorf("runtime image contains build-only packages: %s", strings.Join(bad, ", "))
	}
	return nil, nil
}

// Layers returns the largest layers (by compressed size) across the images
// in the layout.
func Layers(layoutDir string, topN int) ([]LayerInfo, error) {
	if topN <= 0 {
		topN = 10
	}
	imgs, err := Images(layoutDir)
	if err != nil {
		return nil, err
	}
	var layers []LayerInfo
	for _, img := range imgs {
		digest, err := img.Digest()
		if err != nil {
			return nil, err
		}
		man, err := img.Manifest()
		if err != nil {
			return nil, errors.Wrapf(err, "read manifest %s", digest)
		}
		for _, l := range man.Layers {
			if l.Size <= 0 {
				continue
			}
			layers = append(layers, LayerInfo{
				ImageDigest: digest.String(),
				Digest:      l.Digest.String(),
				Size:        l.Size,
				MediaType:   string(l.MediaType),
			})
		}
	}
	sort.Slice(layers, func(i, j int) bool {
		if layers[i].Size == layers[j].Size {
			return layers[i].Digest < layers[j].Digest
		}
		return layers[i].Size > layers[j].Size
	})
	if len(layers) > topN {
		layers = layers[:topN]
	}
	return layers, nil
}
