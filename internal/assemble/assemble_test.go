package assemble

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/kiln/internal/compiler"
	"github.com/example/kiln/internal/failure"
	"github.com/example/kiln/internal/stage"
	"github.com/example/kiln/internal/sysdeps"
	"github.com/stretchr/testify/require"
)

func wheelBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func promoteWheel(t *testing.T, st *stage.Stage, pkg, file string, data []byte) compiler.Artifact {
	t.Helper()
	p := stage.PromotedDir + "/" + file
	require.NoError(t, st.WriteFile(p, data, 0o644))
	host, err := st.Path(p)
	require.NoError(t, err)
	d, size, err := compiler.DigestFile(host)
	require.NoError(t, err)
	return compiler.Artifact{Package: pkg, Constraint: "==1.0", File: file, Path: p, Digest: d, Size: size}
}

func writeSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	files := map[string]string{
		"manage.py":                  "print('hi')\n",
		"ig_song_finder/settings.py": "DEBUG = False\n",
		"ig_song_finder/wsgi.py":     "application = None\n",
		"node_modules/big/index.js":  "//\n",
		".env":                       "SECRET=1\n",
		".git/HEAD":                  "ref: refs/heads/main\n",
		".kilnignore":                "node_modules\n.env\n",
	}
	for name, body := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return src
}

func TestAssemblerRun(t *testing.T) {
	st, err := stage.New(t.TempDir(), "runtime")
	require.NoError(t, err)
	art := promoteWheel(t, st, "pkg-a", "pkg_a-1.0-py3-none-any.whl", wheelBytes(t, map[string]string{
		"pkg_a/__init__.py":            "VERSION = '1.0'\n",
		"pkg_a-1.0.dist-info/METADATA": "Name: pkg-a\n",
	}))
	a := &Assembler{
		RuntimePackages: sysdeps.NewSet("libpq5", "ffmpeg"),
		SourceDir:       writeSource(t),
	}
	rep, err := a.Run(context.Background(), st, []compiler.Artifact{art})
	require.NoError(t, err)
	require.Len(t, rep.Installed, 1)

	data, err := st.ReadFile(DefaultSiteDir + "/pkg_a/__init__.py")
	require.NoError(t, err)
	require.Equal(t, "VERSION = '1.0'\n", string(data))

	db, err := st.LoadDatabase()
	require.NoError(t, err)
	require.Equal(t, []string{"ffmpeg", "libpq5"}, db.SystemPackages)
	require.Len(t, db.Artifacts, 1)
	require.Equal(t, art.Digest, db.Artifacts[0].Digest)

	_, err = st.ReadFile("/app/ig_song_finder/wsgi.py")
	require.NoError(t, err)
	for _, excluded := range []string{"/app/node_modules/big/index.js", "/app/.env", "/app/.git/HEAD"} {
		_, err := st.ReadFile(excluded)
		require.True(t, os.IsNotExist(err), "%s should not be overlaid", excluded)
	}
}

func TestAssemblerIdempotentPackageSet(t *testing.T) {
	data := wheelBytes(t, map[string]string{"pkg_b/__init__.py": "", "pkg_b-2.0.dist-info/WHEEL": "Wheel-Version: 1.0\n"})
	run := func() []byte {
		st, err := stage.New(t.TempDir(), "runtime")
		require.NoError(t, err)
		art := promoteWheel(t, st, "pkg-b", "pkg_b-2.0-py3-none-any.whl", data)
		a := &Assembler{RuntimePackages: sysdeps.NewSet("libpq5")}
		_, err = a.Run(context.Background(), st, []compiler.Artifact{art})
		require.NoError(t, err)
		_, err = a.Run(context.Background(), st, []compiler.Artifact{art})
		require.NoError(t, err)
		raw, err := st.ReadFile(stage.PackageDB)
		require.NoError(t, err)
		return raw
	}
	require.Equal(t, string(run()), string(run()))
}

func TestAssemblerRejectsToolchain(t *testing.T) {
	st, err := stage.New(t.TempDir(), "runtime")
	require.NoError(t, err)
	a := &Assembler{RuntimePackages: sysdeps.NewSet("libpq5", "gcc")}
	_, err = a.Run(context.Background(), st, nil)
	require.True(t, failure.Is(err, failure.KindInstall), "got %v", err)
}

func TestAssemblerCorruptArtifact(t *testing.T) {
	st, err := stage.New(t.TempDir(), "runtime")
	require.NoError(t, err)
	art := promoteWheel(t, st, "pkg-c", "pkg_c-1.0-py3-none-any.whl", []byte("not a zip"))
	a := &Assembler{}
	_, err = a.Run(context.Background(), st, []compiler.Artifact{art})
	require.True(t, failure.Is(err, failure.KindInstall), "got %v", err)
}

func TestWheelInstallerRejectsTraversal(t *testing.T) {
	st, err := stage.New(t.TempDir(), "runtime")
	require.NoError(t, err)
	art := promoteWheel(t, st, "evil", "evil-1.0.whl", wheelBytes(t, map[string]string{
		"evil-1.0.dist-info/WHEEL": "Wheel-Version: 1.0\n",
		"../../etc/passwd":         "x",
	}))
	err = WheelInstaller{}.Install(context.Background(), st, art, DefaultSiteDir)
	require.Error(t, err)
	_, err = st.ReadFile("/etc/passwd")
	require.True(t, os.IsNotExist(err))
}

func TestWheelInstallerRejectsSourceDistributions(t *testing.T) {
	st, err := stage.New(t.TempDir(), "runtime")
	require.NoError(t, err)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "Django-4.2/django/__init__.py", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	sdist := promoteWheel(t, st, "Django", "Django-4.2.tar.gz", buf.Bytes())

	err = WheelInstaller{}.Install(context.Background(), st, sdist, DefaultSiteDir)
	require.ErrorContains(t, err, "not a wheel")
	files, err := st.Files(DefaultSiteDir)
	require.True(t, err != nil || len(files) == 0, "nothing may be installed from an sdist: %v", files)

	bare := promoteWheel(t, st, "bare", "bare-1.0-py3-none-any.whl", wheelBytes(t, map[string]string{"Bare-1.0/bare/__init__.py": ""}))
	err = WheelInstaller{}.Install(context.Background(), st, bare, DefaultSiteDir)
	require.ErrorContains(t, err, "dist-info")
}
