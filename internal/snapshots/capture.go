package snapshots

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/blackwell-systems/gpuprov/internal/apt"
	"github.com/blackwell-systems/gpuprov/internal/fsutil"
	"github.com/blackwell-systems/gpuprov/internal/store"
)

// Capture records the package selections, APT sources and environment file
// into the snapshot location, replacing any previous snapshot. Artifacts are
// assembled in a staging directory and swapped in only once all of them were
// written, so a failed capture leaves the previous snapshot untouched.
func (m *Manager) Capture(ctx context.Context) (*Snapshot, error) {
	staging := m.dir + ".staging"
	old := m.dir + ".old"

	if err := os.MkdirAll(filepath.Dir(m.dir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot parent directory: %w", err)
	}
	for _, stale := range []string{staging, old} {
		if err := os.RemoveAll(stale); err != nil {
			return nil, fmt.Errorf("failed to remove stale %s: %w", stale, err)
		}
	}
	if err := os.MkdirAll(staging, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	manifest, err := m.captureInto(ctx, staging)
	if err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	if err := swapIn(staging, m.dir, old); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}

	m.log.Infof("Captured snapshot %s (%d packages) at %s", manifest.SnapshotID, manifest.PackageCount, m.dir)

	if m.store != nil {
		rec := &store.Snapshot{
			ID:            manifest.SnapshotID,
			CreatedAt:     manifest.CreatedAt,
			SchemaVersion: manifest.SchemaVersion,
			PackageCount:  manifest.PackageCount,
			SnapshotPath:  m.dir,
		}
		if err := m.store.InsertSnapshot(rec); err != nil {
			return nil, fmt.Errorf("failed to record snapshot: %w", err)
		}
	}

	return &Snapshot{Dir: m.dir, Manifest: *manifest}, nil
}

func (m *Manager) captureInto(ctx context.Context, staging string) (*Manifest, error) {
	selections, err := m.apt.GetSelections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read package selections: %w", err)
	}
	parsed, err := apt.ParseSelections(selections)
	if err != nil {
		return nil, fmt.Errorf("failed to parse package selections: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, SelectionsFile), selections, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", SelectionsFile, err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	manifest := &Manifest{
		SchemaVersion: SchemaVersion,
		SnapshotID:    uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		Host:          host,
		PackageCount:  len(parsed),
		Artifacts: []Artifact{
			{Name: SelectionsFile, Kind: KindFile, Mode: 0644, SHA256: hashBytes(selections)},
		},
	}

	for _, c := range []struct {
		name string
		src  string
		dir  bool
	}{
		{SourcesDirName, m.paths.SourcesListDir, true},
		{SourcesFileName, m.paths.SourcesList, false},
		{EnvironmentName, m.paths.EnvironmentFile, false},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var a Artifact
		if c.dir {
			a, err = captureDir(c.name, c.src, filepath.Join(staging, c.name))
		} else {
			a, err = captureFile(c.name, c.src, filepath.Join(staging, c.name))
		}
		if err != nil {
			return nil, err
		}
		if a.Kind == KindAbsent {
			m.log.Warnf("%s does not exist; recording it as absent", c.src)
		}
		manifest.Artifacts = append(manifest.Artifacts, a)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, ManifestName), append(data, '\n'), 0644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return manifest, nil
}

func captureFile(name, src, dst string) (Artifact, error) {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return Artifact{Name: name, Kind: KindAbsent, Source: src}, nil
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return Artifact{}, fmt.Errorf("%s is not a regular file", src)
	}
	if err := fsutil.CopyFile(src, dst); err != nil {
		return Artifact{}, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	sum, err := fsutil.HashFile(dst)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Name: name, Kind: KindFile, Source: src, Mode: uint32(info.Mode().Perm()), SHA256: sum}, nil
}

func captureDir(name, src, dst string) (Artifact, error) {
	info, err := os.Stat(src)
	if os.IsNotExist(err) {
		return Artifact{Name: name, Kind: KindAbsent, Source: src}, nil
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return Artifact{}, fmt.Errorf("%s is not a directory", src)
	}
	if err := fsutil.CopyTree(src, dst); err != nil {
		return Artifact{}, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	files, err := hashTree(dst)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Name: name, Kind: KindDir, Source: src, Mode: uint32(info.Mode().Perm()), Files: files}, nil
}

// hashTree returns checksums of every regular file under root keyed by
// slash-separated relative path.
func hashTree(root string) (map[string]string, error) {
	files := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := fsutil.HashFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", root, err)
	}
	return files, nil
}

// swapIn replaces dir with staging, moving any previous dir aside to old
// first and putting it back if the final rename fails.
func swapIn(staging, dir, old string) error {
	hadPrevious := true
	if err := os.Rename(dir, old); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to move previous snapshot aside: %w", err)
		}
		hadPrevious = false
	}
	if err := os.Rename(staging, dir); err != nil {
		if hadPrevious {
			os.Rename(old, dir)
		}
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	if hadPrevious {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("failed to remove previous snapshot: %w", err)
		}
	}
	return nil
}
