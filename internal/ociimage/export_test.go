package ociimage

import (
	"archive/tar"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/kiln/internal/envconfig"
	"github.com/example/kiln/internal/launch"
	"github.com/example/kiln/internal/stage"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	specsv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

func runtimeStage(t *testing.T) *stage.Stage {
	t.Helper()
	st, err := stage.New(t.TempDir(), "runtime")
	require.NoError(t, err)
	require.NoError(t, st.MkdirAll("/app/tmp", 0o755))
	require.NoError(t, st.MkdirAll("/app/staticfiles", 0o755))
	require.NoError(t, st.WriteFile("/app/manage.txt", []byte("app\n"), 0o644))
	app := stage.Owner{UID: 1000, GID: 1000}
	for _, p := range []string{"/app", "/app/tmp", "/app/staticfiles", "/app/manage.txt"} {
		st.Chown(p, app)
	}
	return st
}

func processSpec(t *testing.T) launch.ProcessSpec {
	t.Helper()
	env, err := envconfig.New(envconfig.DefaultOptions("shop.settings"))
	require.NoError(t, err)
	spec := launch.DefaultProcess("shop.wsgi:application")
	spec.Env = env
	return spec
}

func loadImage(t *testing.T, dir string) (v1.Image, v1.Descriptor) {
	t.Helper()
	idx, err := layout.ImageIndexFromPath(dir)
	require.NoError(t, err)
	im, err := idx.IndexManifest()
	require.NoError(t, err)
	require.NotEmpty(t, im.Manifests)
	img, err := idx.Image(im.Manifests[0].Digest)
	require.NoError(t, err)
	return img, im.Manifests[0]
}

func TestExportConfig(t *testing.T) {
	st := runtimeStage(t)
	out := filepath.Join(t.TempDir(), "layout")
	res, err := Export(context.Background(), Options{
		Stage:     st,
		Process:   processSpec(t),
		Tags:      []string{"registry.example.com/shop:1.0"},
		LayoutDir: out,
		Revision:  "abc123",
		Version:   "1.0",
		Created:   time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Layers)
	require.Equal(t, []string{"registry.example.com/shop:1.0"}, res.Tags)

	img, desc := loadImage(t, out)
	require.Equal(t, "registry.example.com/shop:1.0", desc.Annotations[specsv1.AnnotationRefName])
	digest, err := img.Digest()
	require.NoError(t, err)
	require.Equal(t, res.Digest, digest.String())

	cf, err := img.ConfigFile()
	require.NoError(t, err)
	require.Equal(t, "1000:1000", cf.Config.User)
	require.Equal(t, "/app", cf.Config.WorkingDir)
	require.Equal(t, []string{"serve", "--bind", "0.0.0.0:9000", "--workers", "2", "--timeout", "120", "shop.wsgi:application"}, cf.Config.Entrypoint)
	require.Contains(t, cf.Config.ExposedPorts, "9000/tcp")
	require.Contains(t, cf.Config.Env, "NO_BYTECODE_CACHE=1")
	require.Contains(t, cf.Config.Env, "SETTINGS_MODULE=shop.settings")
	require.Equal(t, "abc123", cf.Config.Labels[specsv1.AnnotationRevision])
	require.Equal(t, "2023-11-14T22:13:20Z", cf.Config.Labels[specsv1.AnnotationCreated])
}

func TestExportLauncherEntrypoint(t *testing.T) {
	out := filepath.Join(t.TempDir(), "layout")
	_, err := Export(context.Background(), Options{
		Stage:     runtimeStage(t),
		Process:   processSpec(t),
		Launcher:  "/usr/local/bin/kiln",
		LayoutDir: out,
	})
	require.NoError(t, err)
	img, _ := loadImage(t, out)
	cf, err := img.ConfigFile()
	require.NoError(t, err)
	require.Equal(t, []string{"/usr/local/bin/kiln", "launch", "--spec", launch.SpecPath}, cf.Config.Entrypoint)
}

func TestExportLayerOwnership(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "")
	out := filepath.Join(t.TempDir(), "layout")
	_, err := Export(context.Background(), Options{Stage: runtimeStage(t), Process: processSpec(t), LayoutDir: out})
	require.NoError(t, err)
	img, _ := loadImage(t, out)

	rc := mutate.Extract(img)
	defer rc.Close()
	tr := tar.NewReader(rc)
	owners := map[string]int{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		owners[hdr.Name] = hdr.Uid
		require.True(t, hdr.ModTime.Equal(time.Unix(0, 0)), "mtime for %s", hdr.Name)
	}
	require.Equal(t, 1000, owners["app/tmp/"])
	require.Equal(t, 1000, owners["app/staticfiles/"])
	require.Equal(t, 1000, owners["app/manage.txt"])
}

func TestExportDeterministic(t *testing.T) {
	st := runtimeStage(t)
	spec := processSpec(t)
	a, err := Export(context.Background(), Options{Stage: st, Process: spec, LayoutDir: filepath.Join(t.TempDir(), "a")})
	require.NoError(t, err)
	b, err := Export(context.Background(), Options{Stage: st, Process: spec, LayoutDir: filepath.Join(t.TempDir(), "b")})
	require.NoError(t, err)
	require.Equal(t, a.Digest, b.Digest)
}

func TestExportHermeticRejectsUnpinnedBase(t *testing.T) {
	out := filepath.Join(t.TempDir(), "layout")
	_, err := Export(context.Background(), Options{
		Stage:     runtimeStage(t),
		Process:   processSpec(t),
		Base:      "docker.io/library/debian:bookworm-slim",
		Hermetic:  true,
		LayoutDir: out,
	})
	require.ErrorContains(t, err, "pinned base-image digests")
	require.NoDirExists(t, out)
}

func TestCheckPinned(t *testing.T) {
	require.NoError(t, CheckPinned("", "scratch", "debian@sha256:"+sixtyFourHex))
	require.Error(t, CheckPinned("debian:12"))
}

const sixtyFourHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
