package tiered

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/blackwell-systems/gpuprov/internal/fetch"
	"github.com/blackwell-systems/gpuprov/internal/output"
	"github.com/blackwell-systems/gpuprov/internal/runner"
	"github.com/blackwell-systems/gpuprov/internal/venv"
)

// Strategy names.
const (
	WheelIndexName  = "wheel-index"
	ArtifactName    = "artifact"
	SourceBuildName = "source-build"
)

// WheelIndex installs packages from an accelerator-specific wheel index.
type WheelIndex struct {
	Packages []string
	IndexURL string
}

func (w *WheelIndex) Name() string { return WheelIndexName }

func (w *WheelIndex) Install(ctx context.Context, env *venv.Environment) error {
	if len(w.Packages) == 0 {
		return fmt.Errorf("no packages to install")
	}
	args := append(append([]string{}, w.Packages...), "--index-url", w.IndexURL)
	_, err := env.PipInstall(ctx, args...)
	return err
}

// Artifact downloads a single named wheel into a cache directory and installs
// it from the file. A failed download and a failed install both fail the
// strategy.
type Artifact struct {
	Fetch    *fetch.Client
	BaseURL  string
	CacheDir string
	// Filename returns the wheel file name for the environment's python tag.
	Filename func(pythonTag string) string
	Log      log.FieldLogger
}

func (a *Artifact) Name() string { return ArtifactName }

func (a *Artifact) Install(ctx context.Context, env *venv.Environment) error {
	tag, err := env.PythonTag(ctx)
	if err != nil {
		return err
	}
	file := a.Filename(tag)
	dest := filepath.Join(a.CacheDir, file)

	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		a.Log.Infof("Using cached %s", file)
	} else {
		url := strings.TrimRight(a.BaseURL, "/") + "/" + strings.ReplaceAll(file, "+", "%2B")
		if _, err := a.Fetch.Download(ctx, url, dest); err != nil {
			return fmt.Errorf("failed to download %s: %w", file, err)
		}
	}

	_, err = env.PipInstall(ctx, dest)
	return err
}

// SourceBuild clones a repository and runs its setup.py inside the
// environment. BuildEnv is exported only to the build subprocess.
type SourceBuild struct {
	Runner   runner.Runner
	Repo     string
	Ref      string
	Dir      string
	BuildEnv []string
	// Progress, when set, shows a spinner while the build runs.
	Progress io.Writer
	Label    string
}

func (s *SourceBuild) Name() string { return SourceBuildName }

func (s *SourceBuild) Install(ctx context.Context, env *venv.Environment) error {
	if _, err := os.Stat(filepath.Join(s.Dir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(s.Dir), 0755); err != nil {
			return fmt.Errorf("failed to create checkout parent: %w", err)
		}
		clone := runner.Command{
			Name: "git",
			Args: []string{"clone", "--recursive", "--branch", s.Ref, s.Repo, s.Dir},
		}
		if _, err := s.Runner.Run(ctx, clone); err != nil {
			return fmt.Errorf("failed to clone %s: %w", s.Repo, err)
		}
	} else if err := s.refresh(ctx); err != nil {
		return fmt.Errorf("failed to update checkout %s: %w", s.Dir, err)
	}

	if reqs := filepath.Join(s.Dir, "requirements.txt"); fileExists(reqs) {
		if _, err := env.PipInstall(ctx, "-r", reqs); err != nil {
			return fmt.Errorf("failed to install build requirements: %w", err)
		}
	}

	if s.Progress != nil {
		label := s.Label
		if label == "" {
			label = "Building " + filepath.Base(s.Dir)
		}
		spinner := output.NewSpinner(s.Progress, label)
		spinner.Start()
		defer spinner.Stop()
	}

	build := runner.Command{Args: []string{"setup.py", "install"}, Dir: s.Dir, Env: s.BuildEnv}
	if _, err := env.RunCommand(ctx, build); err != nil {
		return fmt.Errorf("source build failed: %w", err)
	}
	return nil
}

// refresh moves an existing checkout to Ref, which may be a branch or a tag.
func (s *SourceBuild) refresh(ctx context.Context) error {
	git := func(args ...string) runner.Command {
		return runner.Command{Name: "git", Args: append([]string{"-C", s.Dir}, args...)}
	}
	for _, cmd := range []runner.Command{
		git("fetch", "--tags", "origin", s.Ref),
		git("checkout", "--force", "--detach", "FETCH_HEAD"),
		git("submodule", "update", "--init", "--recursive"),
	} {
		if _, err := s.Runner.Run(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Platform is the wheel platform tag of the running machine.
func Platform() string {
	switch runtime.GOARCH {
	case "amd64":
		return "linux_x86_64"
	case "arm64":
		return "linux_aarch64"
	default:
		return "linux_" + runtime.GOARCH
	}
}

// ExpandArtifactName fills the {name}, {version}, {accelerator}, {python}
// and {platform} placeholders of an artifact name template.
func ExpandArtifactName(template, name, version, accelerator, python, platform string) string {
	return strings.NewReplacer(
		"{name}", name,
		"{version}", version,
		"{accelerator}", accelerator,
		"{python}", python,
		"{platform}", platform,
	).Replace(template)
}
