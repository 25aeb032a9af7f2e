package ociimage

import (
	"archive/tar"
	"io"
	"path"
	"strings"

	"github.com/example/kiln/internal/stage"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/pkg/errors"
)

// Account databases carried over from the base image.
var accountFiles = []string{"/etc/passwd", "/etc/group"}

// ReadFiles returns the contents of the regular files at the given absolute
// paths in img's flattened filesystem. Missing paths are absent from the map.
func ReadFiles(img v1.Image, paths ...string) (map[string][]byte, error) {
	want := make(map[string]string, len(paths))
	for _, p := range paths {
		want[strings.TrimPrefix(path.Clean("/"+p), "/")] = p
	}
	out := make(map[string][]byte, len(paths))
	rc := mutate.Extract(img)
	defer rc.Close()
	tr := tar.NewReader(rc)
	for len(out) < len(want) {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read image filesystem")
		}
		orig, ok := want[strings.TrimPrefix(path.Clean("/"+hdr.Name), "/")]
		if !ok || hdr.Typeflag != tar.TypeReg {
			continue
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", orig)
		}
		out[orig] = raw
	}
	return out, nil
}

// SeedAccounts copies the base image's /etc/passwd and /etc/group into st
// unless the stage already has its own. It returns the seeded paths.
func SeedAccounts(st *stage.Stage, base v1.Image) ([]string, error) {
	if base == nil {
		return nil, nil
	}
	files, err := ReadFiles(base, accountFiles...)
	if err != nil {
		return nil, err
	}
	var seeded []string
	for _, p := range accountFiles {
		raw, ok := files[p]
		if !ok {
			continue
		}
		if _, err := st.ReadFile(p); err == nil {
			continue
		}
		if err := st.WriteFile(p, raw, 0o644); err != nil {
			return nil, errors.Wrapf(err, "seed %s", p)
		}
		seeded = append(seeded, p)
	}
	return seeded, nil
}
