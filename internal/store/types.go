package store

import "time"

// Run kinds.
const (
	KindDriver    = "driver"
	KindRollback  = "rollback"
	KindProvision = "provision"
)

// Run and step statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"

	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Run is one invocation of a pipeline.
type Run struct {
	ID         string
	Kind       string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Status     string
	Error      string
}

// RunStep is the outcome of one declared step within a run.
type RunStep struct {
	RunID    string
	Seq      int
	Name     string
	Status   string
	Detail   string
	Duration time.Duration
}

// Snapshot records a captured system-state snapshot.
type Snapshot struct {
	ID            string
	CreatedAt     time.Time
	SchemaVersion int
	PackageCount  int
	SnapshotPath  string
	RestoredAt    time.Time // zero if never restored
}
