package failure

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := Resolution("pkg-a==1.0", errors.New("no matching distribution"))
	wrapped := fmt.Errorf("pipeline: %w", base)
	kind, ok := KindOf(wrapped)
	if !ok || kind != KindResolution {
		t.Fatalf("expected ResolutionError, got %q (ok=%v)", kind, ok)
	}
	if !Is(wrapped, KindResolution) {
		t.Fatalf("Is should match wrapped error")
	}
	if Is(wrapped, KindCompile) {
		t.Fatalf("Is should not match a different kind")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Provision("/app/tmp", errors.New("read-only file system"))
	want := "ProvisionError: provision /app/tmp: read-only file system"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}

type statusErr struct{ code int }

func (s statusErr) Error() string   { return "exit" }
func (s statusErr) ExitStatus() int { return s.code }

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"resolution", Resolution("x", nil), 10},
		{"launch", Launch("0.0.0.0:9000", errors.New("address in use")), 20},
		{"child status", Launch("serve", statusErr{code: 3}), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode=%d want %d", got, tc.want)
			}
		})
	}
}
