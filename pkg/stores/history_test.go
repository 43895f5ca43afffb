package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	store, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewHistoryStore: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestHistoryStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RecordStart(ctx, "grid-exp", "build")
	if err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a non-empty execution id")
	}
	if err := store.RecordFinish(ctx, id, nil); err != nil {
		t.Fatalf("RecordFinish: %v", err)
	}

	runs, err := store.ListRecent(ctx, "grid-exp", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.Step != "build" || got.Status != StatusDone || got.Error != "" {
		t.Errorf("Unexpected record %+v", got)
	}
	if !got.FinishedAt.Valid {
		t.Error("Expected finished_at to be set")
	}
}

func TestHistoryStore_RecordsFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RecordStart(ctx, "grid-exp", "start")
	if err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if err := store.RecordFinish(ctx, id, errors.New("sbatch failed")); err != nil {
		t.Fatalf("RecordFinish: %v", err)
	}

	runs, err := store.ListRecent(ctx, "grid-exp", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if runs[0].Status != StatusFailed {
		t.Errorf("Expected failed status, got %s", runs[0].Status)
	}
	if runs[0].Error != "sbatch failed" {
		t.Errorf("Unexpected error message %q", runs[0].Error)
	}
}

func TestHistoryStore_RecordFinishUnknownID(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordFinish(context.Background(), "no-such-id", nil); err == nil {
		t.Error("Expected error finishing an unknown execution")
	}
}

func TestHistoryStore_ListRecentFiltersByExperiment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordStart(ctx, "exp-a", "build"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}
	if _, err := store.RecordStart(ctx, "exp-b", "build"); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}

	runs, err := store.ListRecent(ctx, "exp-a", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(runs) != 1 || runs[0].Experiment != "exp-a" {
		t.Errorf("Expected only exp-a records, got %+v", runs)
	}
}

func TestHistoryStore_RecorderAdapter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := store.Recorder("grid-exp")
	id, err := rec.StepStarted(ctx, "fetch")
	if err != nil {
		t.Fatalf("StepStarted: %v", err)
	}
	if err := rec.StepFinished(ctx, id, nil); err != nil {
		t.Fatalf("StepFinished: %v", err)
	}

	runs, err := store.ListRecent(ctx, "grid-exp", 1)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(runs) != 1 || runs[0].Step != "fetch" {
		t.Errorf("Unexpected records %+v", runs)
	}
}
