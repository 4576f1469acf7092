package snapshots

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/blackwell-systems/gpuprov/internal/fsutil"
)

var requiredArtifacts = []string{SelectionsFile, SourcesDirName, SourcesFileName, EnvironmentName}

// Exists reports whether a snapshot directory is present. It does not
// validate it.
func (m *Manager) Exists() bool {
	info, err := os.Stat(m.dir)
	return err == nil && info.IsDir()
}

// Load reads and validates the current snapshot. It returns ErrNoSnapshot
// when none has been captured and wraps ErrMalformed when the manifest or any
// artifact does not check out.
func (m *Manager) Load() (*Snapshot, error) {
	if !m.Exists() {
		return nil, ErrNoSnapshot
	}

	data, err := os.ReadFile(filepath.Join(m.dir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s is missing", ErrMalformed, ManifestName)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest: %v", ErrMalformed, err)
	}
	if err := validateManifest(&manifest); err != nil {
		return nil, err
	}
	if err := verifyArtifacts(m.dir, &manifest); err != nil {
		return nil, err
	}

	return &Snapshot{Dir: m.dir, Manifest: manifest}, nil
}

func validateManifest(m *Manifest) error {
	if m.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: unsupported schema_version %d (want %d)", ErrMalformed, m.SchemaVersion, SchemaVersion)
	}
	if m.SnapshotID == "" {
		return fmt.Errorf("%w: snapshot_id is empty", ErrMalformed)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at_utc is empty", ErrMalformed)
	}
	for _, name := range requiredArtifacts {
		a, ok := m.Artifact(name)
		if !ok {
			return fmt.Errorf("%w: artifact %s is not listed", ErrMalformed, name)
		}
		switch a.Kind {
		case KindFile, KindDir, KindAbsent:
		default:
			return fmt.Errorf("%w: artifact %s has unknown kind %q", ErrMalformed, name, a.Kind)
		}
	}
	if a, _ := m.Artifact(SelectionsFile); a.Kind != KindFile {
		return fmt.Errorf("%w: %s must be a file", ErrMalformed, SelectionsFile)
	}
	return nil
}

func verifyArtifacts(dir string, m *Manifest) error {
	for _, a := range m.Artifacts {
		path := filepath.Join(dir, a.Name)
		switch a.Kind {
		case KindFile:
			sum, err := fsutil.HashFile(path)
			if err != nil {
				return fmt.Errorf("%w: artifact %s: %v", ErrMalformed, a.Name, err)
			}
			if sum != a.SHA256 {
				return fmt.Errorf("%w: artifact %s checksum mismatch", ErrMalformed, a.Name)
			}
		case KindDir:
			files, err := hashTree(path)
			if err != nil {
				return fmt.Errorf("%w: artifact %s: %v", ErrMalformed, a.Name, err)
			}
			if diff := diffTrees(a.Files, files); diff != "" {
				return fmt.Errorf("%w: artifact %s: %s", ErrMalformed, a.Name, diff)
			}
		case KindAbsent:
			if _, err := os.Lstat(path); err == nil {
				return fmt.Errorf("%w: artifact %s is recorded absent but present", ErrMalformed, a.Name)
			}
		}
	}
	return nil
}

// diffTrees describes the first difference between two checksum maps, or
// returns "" when they match.
func diffTrees(want, got map[string]string) string {
	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sum, ok := got[name]
		if !ok {
			return name + " is missing"
		}
		if sum != want[name] {
			return name + " checksum mismatch"
		}
	}
	if len(got) != len(want) {
		extra := make([]string, 0)
		for name := range got {
			if _, ok := want[name]; !ok {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		return "unexpected file " + extra[0]
	}
	return ""
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
