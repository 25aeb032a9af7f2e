package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndList(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	older := Run{
		ID:          "run-1",
		StartedAt:   base,
		FinishedAt:  base.Add(time.Second),
		Status:      StatusFailed,
		FailureKind: "ResolutionError",
		Error:       "no such package",
		Stages:      []Stage{{Name: "compile", Duration: 250 * time.Millisecond}},
	}
	newer := Run{
		ID:          "run-2",
		StartedAt:   base.Add(time.Minute),
		FinishedAt:  base.Add(2 * time.Minute),
		Status:      StatusSucceeded,
		ImageDigest: "sha256:abc",
		Stages: []Stage{
			{Name: "compile", Duration: time.Second},
			{Name: "promote", Duration: 5 * time.Millisecond},
		},
	}
	for _, r := range []Run{older, newer} {
		if err := store.Record(ctx, r); err != nil {
			t.Fatalf("record %s: %v", r.ID, err)
		}
	}

	runs, err := store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Fatalf("unexpected order: %+v", runs)
	}
	if runs[1].FailureKind != "ResolutionError" || runs[1].ImageDigest != "" {
		t.Fatalf("unexpected failed run: %+v", runs[1])
	}
	if len(runs[0].Stages) != 2 || runs[0].Stages[1].Name != "promote" {
		t.Fatalf("unexpected stages: %+v", runs[0].Stages)
	}
	if !runs[0].StartedAt.Equal(newer.StartedAt) {
		t.Fatalf("started = %s", runs[0].StartedAt)
	}
}

func TestRecordRequiresID(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.Record(context.Background(), Run{}); err == nil {
		t.Fatalf("expected error for missing id")
	}
}

func TestStagesFrom(t *testing.T) {
	got := StagesFrom([]string{"compile", "promote"}, map[string]time.Duration{
		"promote": time.Millisecond,
		"compile": time.Second,
		"export":  2 * time.Second,
	})
	if len(got) != 3 || got[0].Name != "compile" || got[1].Name != "promote" || got[2].Name != "export" {
		t.Fatalf("unexpected stages: %+v", got)
	}
}
