package tiered

import (
	"io"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/blackwell-systems/gpuprov/internal/config"
	"github.com/blackwell-systems/gpuprov/internal/fetch"
	"github.com/blackwell-systems/gpuprov/internal/runner"
)

// DefaultIndexBase is the wheel index root; the accelerator tag is appended.
const DefaultIndexBase = "https://download.pytorch.org/whl/"

// Deps are the shared collaborators strategies are built with.
type Deps struct {
	Runner   runner.Runner
	Fetch    *fetch.Client
	CacheDir string
	Progress io.Writer
	Log      log.FieldLogger
}

// TargetFor builds the prebuilt-then-source target for one component. The
// prebuilt strategy is an artifact download when the component names an
// artifact base URL and a wheel-index install otherwise.
func TargetFor(c config.ComponentConfig, p config.ProvisionConfig, d Deps) Target {
	var prebuilt Strategy
	if c.ArtifactBaseURL != "" {
		prebuilt = &Artifact{
			Fetch:    d.Fetch,
			BaseURL:  c.ArtifactBaseURL,
			CacheDir: filepath.Join(d.CacheDir, "artifacts"),
			Filename: func(pythonTag string) string {
				return ExpandArtifactName(c.ArtifactName, c.Name, c.Version, p.Accelerator, pythonTag, Platform())
			},
			Log: d.Log,
		}
	} else {
		prebuilt = &WheelIndex{
			Packages: packagesFor(c),
			IndexURL: IndexURL(c, p),
		}
	}

	var buildEnv []string
	if p.BuildArchVar != "" && p.BuildArch != "" {
		buildEnv = []string{p.BuildArchVar + "=" + p.BuildArch}
	}

	return Target{
		Component: c.Name,
		Strategies: []Strategy{
			prebuilt,
			&SourceBuild{
				Runner:   d.Runner,
				Repo:     c.SourceRepo,
				Ref:      c.SourceRef,
				Dir:      filepath.Join(d.CacheDir, "src", c.Name),
				BuildEnv: buildEnv,
				Progress: d.Progress,
				Label:    "Building " + c.Name + " from source",
			},
		},
	}
}

// IndexURL is the component's wheel index, derived from the accelerator tag
// when not configured.
func IndexURL(c config.ComponentConfig, p config.ProvisionConfig) string {
	if c.IndexURL != "" {
		return c.IndexURL
	}
	return DefaultIndexBase + strings.TrimPrefix(p.Accelerator, "/")
}

func packagesFor(c config.ComponentConfig) []string {
	if len(c.Packages) > 0 {
		return c.Packages
	}
	if c.Version != "" {
		return []string{c.Name + "==" + c.Version}
	}
	return []string{c.Name}
}
