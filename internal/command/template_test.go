package command

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestExpand(t *testing.T) {
	tmpl, err := Parse(`apt-get -o "Dir={root}" install -y --no-install-recommends {packages}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := tmpl.Expand(map[string][]string{
		"root":     {"/tmp/stage"},
		"packages": {"ffmpeg", "libpq5"},
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := []string{"apt-get", "-o", "Dir=/tmp/stage", "install", "-y", "--no-install-recommends", "ffmpeg", "libpq5"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestExpandUnknownPlaceholder(t *testing.T) {
	tmpl := MustParse("pip wheel {requirement} -w {outdir}")
	if _, err := tmpl.Expand(map[string][]string{"requirement": {"pkg-a==1.0"}}); err == nil {
		t.Fatalf("expected unknown placeholder error")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse("   "); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	err := ExecRunner{}.Run(context.Background(), []string{"kiln-definitely-missing-binary"}, RunOptions{})
	if err == nil {
		t.Fatalf("expected error")
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		t.Fatalf("missing binary should not be reported as an exit error")
	}
}
