package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339Nano

// Run operations

// StartRun inserts a new running record of the given kind.
func (s *Store) StartRun(kind string) (*Run, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	}

	query := `
		INSERT INTO runs (id, kind, started_at, status)
		VALUES (?, ?, ?, ?)
	`
	if _, err := s.db.Exec(query, run.ID, run.Kind, run.StartedAt.Format(timeLayout), run.Status); err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// FinishRun stamps the run with its final status and error text.
func (s *Store) FinishRun(id, status, errText string) error {
	query := `
		UPDATE runs SET finished_at = ?, status = ?, error = ?
		WHERE id = ?
	`
	result, err := s.db.Exec(query, time.Now().UTC().Format(timeLayout), status, errText, id)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordStep stores the outcome of one step.
func (s *Store) RecordStep(step *RunStep) error {
	query := `
		INSERT OR REPLACE INTO run_steps (run_id, seq, name, status, detail, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		step.RunID,
		step.Seq,
		step.Name,
		step.Status,
		step.Detail,
		step.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record step %s: %w", step.Name, err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	query := `
		SELECT id, kind, started_at, finished_at, status, error
		FROM runs
		WHERE id = ?
	`
	run, err := scanRun(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// likeEscaper makes user input match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// GetRunByPrefix resolves an abbreviated run ID. A prefix matching more
// than one run is an error.
func (s *Store) GetRunByPrefix(prefix string) (*Run, error) {
	query := `
		SELECT id, kind, started_at, finished_at, status, error
		FROM runs
		WHERE id LIKE ? ESCAPE '\'
		LIMIT 2
	`
	rows, err := s.db.Query(query, likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to look up run %s: %w", prefix, err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", prefix, ErrNotFound)
	case 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("run prefix %s is ambiguous", prefix)
	}
}

// ListRuns returns the most recent runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	query := `
		SELECT id, kind, started_at, finished_at, status, error
		FROM runs
		ORDER BY started_at DESC, rowid DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// GetRunSteps returns the steps of a run in declared order.
func (s *Store) GetRunSteps(runID string) ([]*RunStep, error) {
	query := `
		SELECT run_id, seq, name, status, detail, duration_ms
		FROM run_steps
		WHERE run_id = ?
		ORDER BY seq
	`
	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run steps: %w", err)
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		var step RunStep
		var detail sql.NullString
		var durationMS int64
		if err := rows.Scan(&step.RunID, &step.Seq, &step.Name, &step.Status, &detail, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan run step row: %w", err)
		}
		step.Detail = detail.String
		step.Duration = time.Duration(durationMS) * time.Millisecond
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run steps: %w", err)
	}
	return steps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var startedAt string
	var finishedAt, errText sql.NullString

	if err := row.Scan(&run.ID, &run.Kind, &startedAt, &finishedAt, &run.Status, &errText); err != nil {
		return nil, err
	}

	var err error
	run.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at for run %s: %w", run.ID, err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		run.FinishedAt, err = time.Parse(timeLayout, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at for run %s: %w", run.ID, err)
		}
	}
	run.Error = errText.String
	return &run, nil
}

// Snapshot operations

// InsertSnapshot records a captured snapshot. Because only one snapshot is
// retained on disk, earlier records keep their history but point at a path
// that has since been overwritten.
func (s *Store) InsertSnapshot(snap *Snapshot) error {
	query := `
		INSERT INTO snapshots (id, created_at, schema_version, package_count, snapshot_path)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		snap.ID,
		snap.CreatedAt.UTC().Format(timeLayout),
		snap.SchemaVersion,
		snap.PackageCount,
		snap.SnapshotPath,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// MarkSnapshotRestored stamps the snapshot's restored_at.
func (s *Store) MarkSnapshotRestored(id string) error {
	result, err := s.db.Exec(`UPDATE snapshots SET restored_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to mark snapshot %s restored: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSnapshot retrieves a snapshot record by ID.
func (s *Store) GetSnapshot(id string) (*Snapshot, error) {
	query := `
		SELECT id, created_at, schema_version, package_count, snapshot_path, restored_at
		FROM snapshots
		WHERE id = ?
	`
	snap, err := scanSnapshot(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", id, err)
	}
	return snap, nil
}

// ListSnapshots returns all snapshot records ordered by creation time (newest first).
func (s *Store) ListSnapshots() ([]*Snapshot, error) {
	query := `
		SELECT id, created_at, schema_version, package_count, snapshot_path, restored_at
		FROM snapshots
		ORDER BY created_at DESC, rowid DESC
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snapshots, nil
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var createdAt string
	var restoredAt sql.NullString

	if err := row.Scan(&snap.ID, &createdAt, &snap.SchemaVersion, &snap.PackageCount, &snap.SnapshotPath, &restoredAt); err != nil {
		return nil, err
	}

	var err error
	snap.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at for snapshot %s: %w", snap.ID, err)
	}
	if restoredAt.Valid && restoredAt.String != "" {
		snap.RestoredAt, err = time.Parse(timeLayout, restoredAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse restored_at for snapshot %s: %w", snap.ID, err)
		}
	}
	return &snap, nil
}
