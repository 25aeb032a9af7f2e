package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/inspect"
	"github.com/example/kiln/internal/launch"
	"github.com/example/kiln/internal/ociimage"
	"github.com/example/kiln/internal/stage"
	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/stretchr/testify/require"
)

type baseFile struct {
	path, body string
}

// pushBase serves an in-memory registry and pushes a single-layer image
// carrying files. It returns the image reference.
func pushBase(t *testing.T, files ...baseFile) string {
	t.Helper()
	srv := httptest.NewServer(ggcrregistry.New(ggcrregistry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "etc/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for _, f := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     strings.TrimPrefix(f.path, "/"),
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(f.body)),
		}))
		_, err := tw.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	raw := buf.Bytes()
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	})
	require.NoError(t, err)
	img, err := mutate.AppendLayers(empty.Image, layer)
	require.NoError(t, err)

	ref, err := name.ParseReference(strings.TrimPrefix(srv.URL, "http://") + "/base:1")
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))
	return ref.String()
}

func TestRunRejectsIdentityTakenInBaseImage(t *testing.T) {
	manifestPath, srcDir := project(t, "Django==4.2\n")
	opts := baseOptions(t, manifestPath, srcDir)
	opts.Image.Base = pushBase(t,
		baseFile{"/etc/passwd", "root:x:0:0:root:/root:/bin/sh\nnode:x:1000:1000::/home/node:/bin/sh\n"},
		baseFile{"/etc/group", "root:x:0:\nnode:x:1000:\n"},
	)

	res, err := New(Dependencies{Resolver: &wheelResolver{}}).Run(context.Background(), opts)
	require.Nil(t, res)
	require.True(t, failure.Is(err, failure.KindIdentity), "got %v", err)
	require.Equal(t, 14, failure.ExitCode(err))
	require.ErrorContains(t, err, "already in use by node")
	require.NoDirExists(t, opts.Image.LayoutDir)
}

func TestRunKeepsBaseImageAccounts(t *testing.T) {
	manifestPath, srcDir := project(t, "Django==4.2\n")
	opts := baseOptions(t, manifestPath, srcDir)
	opts.KeepRootfs = true
	opts.Image.Base = pushBase(t,
		baseFile{"/etc/passwd", "root:x:0:0:root:/root:/bin/sh\nwww-data:x:33:33:www-data:/var/www:/usr/sbin/nologin\n"},
		baseFile{"/etc/group", "root:x:0:\nwww-data:x:33:\n"},
	)

	res, err := New(Dependencies{Resolver: &wheelResolver{}}).Run(context.Background(), opts)
	require.NoError(t, err)
	require.True(t, res.Identity.Created)

	imgs, err := inspect.Images(opts.Image.LayoutDir)
	require.NoError(t, err)
	require.Len(t, imgs, 1)
	files, err := ociimage.ReadFiles(imgs[0], "/etc/passwd", "/etc/group")
	require.NoError(t, err)
	require.Equal(t,
		"root:x:0:0:root:/root:/bin/sh\nwww-data:x:33:33:www-data:/var/www:/usr/sbin/nologin\napp:x:1000:1000::/app:/sbin/nologin\n",
		string(files["/etc/passwd"]))
	require.Equal(t, "root:x:0:\nwww-data:x:33:\napp:x:1000:\n", string(files["/etc/group"]))
}

func TestRunInstallsLauncher(t *testing.T) {
	manifestPath, srcDir := project(t, "Django==4.2\n")
	opts := baseOptions(t, manifestPath, srcDir)
	opts.KeepRootfs = true
	bin := filepath.Join(t.TempDir(), "kiln")
	writeFile(t, bin, "#!/bin/sh\n")
	opts.Image.Launcher = "/usr/local/bin/kiln"
	opts.Image.LauncherBinary = bin

	res, err := New(Dependencies{Resolver: &wheelResolver{}}).Run(context.Background(), opts)
	require.NoError(t, err)

	host, err := res.Runtime.Path("/usr/local/bin/kiln")
	require.NoError(t, err)
	fi, err := os.Stat(host)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
	require.Equal(t, stage.Root, res.Runtime.OwnerOf("/usr/local/bin/kiln"))

	imgs, err := inspect.Images(opts.Image.LayoutDir)
	require.NoError(t, err)
	cf, err := imgs[0].ConfigFile()
	require.NoError(t, err)
	require.Equal(t, []string{"/usr/local/bin/kiln", "launch", "--spec", launch.SpecPath}, cf.Config.Entrypoint)
	files, err := ociimage.ReadFiles(imgs[0], "/usr/local/bin/kiln")
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\n", string(files["/usr/local/bin/kiln"]))
}

func TestRunRejectsMissingLauncherBinary(t *testing.T) {
	manifestPath, srcDir := project(t, "Django==4.2\n")
	opts := baseOptions(t, manifestPath, srcDir)
	opts.Image.Launcher = "/usr/local/bin/kiln"
	opts.Image.LauncherBinary = filepath.Join(t.TempDir(), "missing")

	_, err := New(Dependencies{Resolver: &wheelResolver{}}).Run(context.Background(), opts)
	require.True(t, failure.Is(err, failure.KindConfig), "got %v", err)
	require.NoDirExists(t, opts.Image.LayoutDir)
}
