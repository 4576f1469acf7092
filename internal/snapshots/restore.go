package snapshots

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blackwell-systems/gpuprov/internal/fsutil"
	"github.com/blackwell-systems/gpuprov/internal/pipeline"
)

// Restore rolls the system back to the current snapshot: package selections
// first, then APT sources, then the environment file. With no snapshot it
// logs that there is nothing to restore and changes nothing.
func (m *Manager) Restore(ctx context.Context) (*RestoreResult, error) {
	snap, err := m.Load()
	if errors.Is(err, ErrNoSnapshot) {
		m.log.Infof("No snapshot found at %s; nothing to restore", m.dir)
		return &RestoreResult{Restored: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	m.log.Infof("Restoring snapshot %s taken %s", snap.Manifest.SnapshotID, snap.Manifest.CreatedAt.Format("2006-01-02 15:04:05 UTC"))

	exec := &pipeline.Executor{Log: m.log, Store: m.store}
	report, err := exec.Execute(ctx, m.restoreSteps(snap))
	result := &RestoreResult{SnapshotID: snap.Manifest.SnapshotID, Report: report}
	if err != nil {
		return result, err
	}

	result.Restored = true
	result.RebootRequired = true
	if m.store != nil {
		if err := m.store.MarkSnapshotRestored(snap.Manifest.SnapshotID); err != nil {
			m.log.Warnf("Could not mark snapshot restored: %v", err)
		}
	}
	return result, nil
}

func (m *Manager) restoreSteps(snap *Snapshot) []pipeline.Step {
	return []pipeline.Step{
		{
			Name:        "clear-selections",
			Description: "Clearing package selections",
			Run:         m.apt.ClearSelections,
		},
		{
			Name:        "set-selections",
			Description: "Applying saved package selections",
			Run: func(ctx context.Context) error {
				data, err := os.ReadFile(filepath.Join(snap.Dir, SelectionsFile))
				if err != nil {
					return fmt.Errorf("failed to read saved selections: %w", err)
				}
				return m.apt.SetSelections(ctx, data)
			},
		},
		{
			Name:        "dselect-upgrade",
			Description: "Reconciling installed packages with saved selections",
			Run:         m.apt.DselectUpgrade,
		},
		{
			Name:        "restore-sources",
			Description: "Restoring APT source lists",
			Run: func(context.Context) error {
				if err := m.restoreArtifact(snap, SourcesDirName, m.paths.SourcesListDir); err != nil {
					return err
				}
				return m.restoreArtifact(snap, SourcesFileName, m.paths.SourcesList)
			},
		},
		{
			Name:        "restore-environment",
			Description: "Restoring system environment file",
			Run: func(context.Context) error {
				return m.restoreArtifact(snap, EnvironmentName, m.paths.EnvironmentFile)
			},
		},
	}
}

// restoreArtifact makes target match the saved artifact. An artifact that
// was absent at capture time is removed from the live system.
func (m *Manager) restoreArtifact(snap *Snapshot, name, target string) error {
	a, _ := snap.Manifest.Artifact(name)
	saved := filepath.Join(snap.Dir, name)

	switch a.Kind {
	case KindDir:
		if err := fsutil.ReplaceTree(saved, target); err != nil {
			return fmt.Errorf("failed to restore %s: %w", target, err)
		}
		if a.Mode != 0 {
			if err := os.Chmod(target, os.FileMode(a.Mode)); err != nil {
				return fmt.Errorf("failed to restore mode of %s: %w", target, err)
			}
		}
	case KindFile:
		if err := fsutil.CopyFile(saved, target); err != nil {
			return fmt.Errorf("failed to restore %s: %w", target, err)
		}
	case KindAbsent:
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}
	}
	m.log.Debugf("Restored %s from %s", target, saved)
	return nil
}
