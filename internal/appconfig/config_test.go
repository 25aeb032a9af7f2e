package appconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadMergesRepoOverGlobal(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.yaml")
	repo := filepath.Join(dir, "repo", RepoFile)
	writeFile(t, global, `
build:
  packages: [gcc, libpq-dev]
  hermetic: true
env:
  settingsModule: base.settings
  vars:
    A: "1"
image:
  labels:
    team: core
`)
	writeFile(t, repo, `
build:
  packages: [gcc]
runtime:
  packages: [libpq5]
env:
  settingsModule: shop.settings
  vars:
    B: "2"
process:
  entryPoint: shop.wsgi:application
`)
	cfg, err := Load(context.Background(), global, repo)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Build.Packages) != 1 || cfg.Build.Packages[0] != "gcc" {
		t.Fatalf("build packages = %v", cfg.Build.Packages)
	}
	if cfg.Build.Hermetic == nil || !*cfg.Build.Hermetic {
		t.Fatalf("hermetic lost in merge")
	}
	if cfg.Env.SettingsModule != "shop.settings" {
		t.Fatalf("settings module = %q", cfg.Env.SettingsModule)
	}
	if cfg.Env.Vars["A"] != "1" || cfg.Env.Vars["B"] != "2" {
		t.Fatalf("vars = %v", cfg.Env.Vars)
	}
	if cfg.Image.Labels["team"] != "core" {
		t.Fatalf("labels = %v", cfg.Image.Labels)
	}
	if cfg.Process.EntryPoint != "shop.wsgi:application" || cfg.Process.Port != 0 {
		t.Fatalf("process = %+v", cfg.Process)
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(context.Background(), filepath.Join(dir, "nope.yaml"), filepath.Join(dir, RepoFile))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env.SettingsModule != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), RepoFile)
	writeFile(t, path, "process:\n  wrokers: 4\n")
	if _, err := Load(context.Background(), "", path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestProjectRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "requirements.txt"), "django==4.2\n")
	nested := filepath.Join(root, "src", "shop")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if got := ProjectRoot(nested); got != root {
		t.Fatalf("root = %q, want %q", got, root)
	}
	if got, want := DefaultRepoPath(nested), filepath.Join(root, RepoFile); got != want {
		t.Fatalf("repo config = %q, want %q", got, want)
	}
}
