package ociimage

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/example/kiln/internal/stage"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/pkg/errors"
)

// stageLayer renders the stage as one uncompressed tar stream in lexical
// order. Timestamps are pinned to mtime; ownership comes from the stage's
// ledger.
func stageLayer(st *stage.Stage, mtime time.Time) (v1.Layer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := st.Walk(func(imagePath, hostPath string, d fs.DirEntry) error {
		info, err := d.Info()
		if err != nil {
			return err
		}
		owner := st.OwnerOf(imagePath)
		hdr := &tar.Header{
			Name:    strings.TrimPrefix(imagePath, "/"),
			Mode:    int64(info.Mode().Perm()),
			Uid:     owner.UID,
			Gid:     owner.GID,
			ModTime: mtime,
			Format:  tar.FormatPAX,
		}
		switch {
		case info.IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(hostPath)
			if err != nil {
				return err
			}
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = target
		case info.Mode().IsRegular():
			hdr.Typeflag = tar.TypeReg
			hdr.Size = info.Size()
		default:
			return nil
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "write header %s", imagePath)
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return errors.Wrapf(err, "copy %s", imagePath)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "archive stage")
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "close layer")
	}
	raw := buf.Bytes()
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}, tarball.WithMediaType(types.OCILayer))
}
