package store

import (
	"errors"
	"testing"
	"time"
)

// Helper function to create an in-memory store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.CreateSchema(); err != nil {
		store.Close()
		t.Fatalf("Failed to create schema: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateSchemaIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateSchema(); err != nil {
		t.Fatalf("second CreateSchema failed: %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)

	run, err := store.StartRun(KindDriver)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected run ID")
	}

	steps := []*RunStep{
		{RunID: run.ID, Seq: 1, Name: "refresh-index", Status: StepOK, Duration: 1500 * time.Millisecond},
		{RunID: run.ID, Seq: 2, Name: "install-prerequisites", Status: StepFailed, Detail: "apt-get install failed"},
		{RunID: run.ID, Seq: 3, Name: "register-repository", Status: StepSkipped},
	}
	for _, s := range steps {
		if err := store.RecordStep(s); err != nil {
			t.Fatalf("RecordStep failed: %v", err)
		}
	}
	if err := store.FinishRun(run.ID, StatusFailed, "install-prerequisites failed"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "install-prerequisites failed" {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.FinishedAt.IsZero() {
		t.Error("expected finished_at to be set")
	}

	gotSteps, err := store.GetRunSteps(run.ID)
	if err != nil {
		t.Fatalf("GetRunSteps failed: %v", err)
	}
	if len(gotSteps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(gotSteps))
	}
	for i, s := range gotSteps {
		if s.Name != steps[i].Name || s.Status != steps[i].Status {
			t.Errorf("step %d = %+v, want %+v", i, s, steps[i])
		}
	}
	if gotSteps[0].Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %v", gotSteps[0].Duration)
	}
	if gotSteps[1].Detail != "apt-get install failed" {
		t.Errorf("unexpected detail %q", gotSteps[1].Detail)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.FinishRun("missing", StatusSucceeded, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from FinishRun, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := store.StartRun(KindProvision)
		if err != nil {
			t.Fatalf("StartRun failed: %v", err)
		}
		ids = append(ids, run.ID)
		time.Sleep(2 * time.Millisecond)
	}

	runs, err := store.ListRuns(0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != ids[2] || runs[2].ID != ids[0] {
		t.Errorf("runs not ordered newest first")
	}
	if runs[0].Status != StatusRunning || !runs[0].FinishedAt.IsZero() {
		t.Errorf("unfinished run should be running with zero finish time: %+v", runs[0])
	}

	limited, err := store.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns(2) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 runs, got %d", len(limited))
	}
}

func TestSnapshotRecords(t *testing.T) {
	store := newTestStore(t)

	snap := &Snapshot{
		ID:            "20240309-140507",
		CreatedAt:     time.Now(),
		SchemaVersion: 1,
		PackageCount:  1234,
		SnapshotPath:  "/var/lib/gpuprov/snapshot",
	}
	if err := store.InsertSnapshot(snap); err != nil {
		t.Fatalf("InsertSnapshot failed: %v", err)
	}

	got, err := store.GetSnapshot(snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got.PackageCount != 1234 || got.SnapshotPath != snap.SnapshotPath || got.SchemaVersion != 1 {
		t.Errorf("unexpected snapshot: %+v", got)
	}
	if !got.RestoredAt.IsZero() {
		t.Error("new snapshot should not be restored")
	}

	if err := store.MarkSnapshotRestored(snap.ID); err != nil {
		t.Fatalf("MarkSnapshotRestored failed: %v", err)
	}
	got, err = store.GetSnapshot(snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got.RestoredAt.IsZero() {
		t.Error("expected restored_at to be set")
	}

	if _, err := store.GetSnapshot("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.MarkSnapshotRestored("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := store.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 snapshot, got %d", len(list))
	}
}

func TestStepsCascadeWithRun(t *testing.T) {
	store := newTestStore(t)

	run, err := store.StartRun(KindRollback)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := store.RecordStep(&RunStep{RunID: run.ID, Seq: 1, Name: "clear-selections", Status: StepOK}); err != nil {
		t.Fatalf("RecordStep failed: %v", err)
	}

	if _, err := store.db.Exec("DELETE FROM runs WHERE id = ?", run.ID); err != nil {
		t.Fatalf("delete run failed: %v", err)
	}
	steps, err := store.GetRunSteps(run.ID)
	if err != nil {
		t.Fatalf("GetRunSteps failed: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("expected steps to cascade, got %d", len(steps))
	}

	if err := store.RecordStep(&RunStep{RunID: "no-such-run", Seq: 1, Name: "x", Status: StepOK}); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestGetRunByPrefix(t *testing.T) {
	store := newTestStore(t)

	run, err := store.StartRun(KindDriver)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	got, err := store.GetRunByPrefix(run.ID[:8])
	if err != nil {
		t.Fatalf("GetRunByPrefix failed: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("got run %s, want %s", got.ID, run.ID)
	}

	if _, err := store.GetRunByPrefix("zzzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := store.StartRun(KindProvision); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if _, err := store.GetRunByPrefix(""); err == nil {
		t.Error("empty prefix over two runs should be ambiguous")
	}
}

func TestGetRunByPrefixMatchesWildcardsLiterally(t *testing.T) {
	store := newTestStore(t)

	run, err := store.StartRun(KindDriver)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	for _, prefix := range []string{"%", "_", "________", run.ID[:4] + "%", "\\"} {
		if got, err := store.GetRunByPrefix(prefix); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetRunByPrefix(%q) = %v, %v; want ErrNotFound", prefix, got, err)
		}
	}

	// A real prefix still resolves once wildcards are escaped.
	got, err := store.GetRunByPrefix(run.ID[:8])
	if err != nil {
		t.Fatalf("GetRunByPrefix failed: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("got run %s, want %s", got.ID, run.ID)
	}
}
