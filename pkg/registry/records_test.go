package registry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/kiln/internal/envconfig"
	"github.com/example/kiln/internal/launch"
	"github.com/example/kiln/internal/ociimage"
	"github.com/example/kiln/internal/stage"
	"github.com/google/go-containerregistry/pkg/name"
	ggcrregistry "github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

func exportLayout(t *testing.T, tags ...string) (string, string) {
	t.Helper()
	st, err := stage.New(t.TempDir(), "runtime")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := st.WriteFile("/app/main.txt", []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	env, err := envconfig.New(envconfig.DefaultOptions("shop.settings"))
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	spec := launch.DefaultProcess("shop.wsgi:application")
	spec.Env = env
	dir := filepath.Join(t.TempDir(), "layout")
	res, err := ociimage.Export(context.Background(), ociimage.Options{Stage: st, Process: spec, Tags: tags, LayoutDir: dir})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	return dir, res.Digest
}

func TestRecordAndResolveLayout(t *testing.T) {
	layoutPath, digest := exportLayout(t, "kiln.local/test:dev")
	c := NewClient(ClientOptions{RecordsDir: t.TempDir()})
	if err := c.RecordBuild([]string{"kiln.local/test:dev"}, layoutPath); err != nil {
		t.Fatalf("RecordBuild error: %v", err)
	}
	rec, err := c.ResolveLayout("kiln.local/test:dev")
	if err != nil {
		t.Fatalf("ResolveLayout error: %v", err)
	}
	absLayout, _ := filepath.Abs(layoutPath)
	if rec.LayoutPath != absLayout {
		t.Fatalf("expected layout path %s, got %s", absLayout, rec.LayoutPath)
	}
	if rec.Digest != digest {
		t.Fatalf("expected digest %s, got %s", digest, rec.Digest)
	}
}

func TestRecordBuildAndListRepository(t *testing.T) {
	tags := []string{"registry.example.com/app:dev", "registry.example.com/app:latest"}
	layoutPath, _ := exportLayout(t, tags...)
	c := NewClient(ClientOptions{RecordsDir: t.TempDir()})
	if err := c.RecordBuild(tags, layoutPath); err != nil {
		t.Fatalf("RecordBuild error: %v", err)
	}
	records, err := c.ListRepository("registry.example.com/app")
	if err != nil {
		t.Fatalf("ListRepository error: %v", err)
	}
	if len(records) != len(tags) {
		t.Fatalf("expected %d records, got %d", len(tags), len(records))
	}
}

func TestResolveUnknownReference(t *testing.T) {
	c := NewClient(ClientOptions{RecordsDir: t.TempDir()})
	if _, err := c.ResolveLayout("kiln.local/missing:dev"); err == nil || !strings.Contains(err.Error(), "kiln build") {
		t.Fatalf("expected missing-build error, got %v", err)
	}
}

func TestPushReference(t *testing.T) {
	srv := httptest.NewServer(ggcrregistry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")
	ref := host + "/shop:1.0"

	layoutPath, digest := exportLayout(t, ref)
	c := NewClient(ClientOptions{RecordsDir: t.TempDir(), Insecure: true})
	if err := c.RecordBuild([]string{ref}, layoutPath); err != nil {
		t.Fatalf("RecordBuild error: %v", err)
	}
	var out bytes.Buffer
	if err := c.PushReference(context.Background(), ref, PushOptions{Output: &out}); err != nil {
		t.Fatalf("PushReference error: %v", err)
	}
	if !strings.Contains(out.String(), "Pushing "+ref) {
		t.Fatalf("unexpected output %q", out.String())
	}
	parsed, err := name.ParseReference(ref, name.Insecure)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	desc, err := remote.Get(parsed)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if desc.Digest.String() != digest {
		t.Fatalf("pushed digest %s, want %s", desc.Digest, digest)
	}
}
