package snapshots

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/blackwell-systems/gpuprov/internal/apt"
	"github.com/blackwell-systems/gpuprov/internal/pipeline"
	"github.com/blackwell-systems/gpuprov/internal/store"
)

// SchemaVersion is the manifest layout this build reads and writes.
const SchemaVersion = 1

// Artifact names inside a snapshot directory.
const (
	SelectionsFile  = "dpkg_selections.txt"
	SourcesDirName  = "sources.list.d"
	SourcesFileName = "sources.list"
	EnvironmentName = "environment"
	ManifestName    = "manifest.json"
)

var (
	// ErrNoSnapshot is returned by Load when no snapshot has been captured.
	ErrNoSnapshot = errors.New("no snapshot")
	// ErrMalformed is returned by Load when the manifest or an artifact fails
	// validation.
	ErrMalformed = errors.New("malformed snapshot")
)

// Paths are the live system locations that get captured and restored.
type Paths struct {
	SourcesList     string
	SourcesListDir  string
	EnvironmentFile string
}

// ArtifactKind says what was found at an artifact's source at capture time.
type ArtifactKind string

const (
	KindFile   ArtifactKind = "file"
	KindDir    ArtifactKind = "dir"
	KindAbsent ArtifactKind = "absent"
)

// Artifact describes one captured item.
type Artifact struct {
	Name   string       `json:"name"`
	Kind   ArtifactKind `json:"kind"`
	Source string       `json:"source,omitempty"`
	Mode   uint32       `json:"mode,omitempty"`
	SHA256 string       `json:"sha256,omitempty"`
	// Files maps relative paths to checksums for directory artifacts.
	Files map[string]string `json:"files,omitempty"`
}

// Manifest is the versioned description written next to the artifacts.
type Manifest struct {
	SchemaVersion int        `json:"schema_version"`
	SnapshotID    string     `json:"snapshot_id"`
	CreatedAt     time.Time  `json:"created_at_utc"`
	Host          string     `json:"host"`
	PackageCount  int        `json:"package_count"`
	Artifacts     []Artifact `json:"artifacts"`
}

// Artifact returns the named artifact.
func (m *Manifest) Artifact(name string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// Snapshot is a loaded, validated snapshot.
type Snapshot struct {
	Dir      string
	Manifest Manifest
}

// RestoreResult reports what a rollback did.
type RestoreResult struct {
	Restored       bool
	RebootRequired bool
	SnapshotID     string
	Report         *pipeline.Report
}

// Manager captures and restores the single retained snapshot.
type Manager struct {
	store *store.Store
	dir   string
	paths Paths
	apt   *apt.Client
	log   log.FieldLogger
}

// New creates a snapshot Manager rooted at dir. st may be nil, in which case
// snapshots are not recorded in the state database.
func New(st *store.Store, dir string, paths Paths, pkgs *apt.Client, logger log.FieldLogger) *Manager {
	return &Manager{
		store: st,
		dir:   dir,
		paths: paths,
		apt:   pkgs,
		log:   logger,
	}
}

// Dir returns the snapshot location.
func (m *Manager) Dir() string {
	return m.dir
}
