package tiered

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/gpuprov/internal/config"
	"github.com/blackwell-systems/gpuprov/internal/fetch"
	"github.com/blackwell-systems/gpuprov/internal/logging"
	"github.com/blackwell-systems/gpuprov/internal/runner"
	"github.com/blackwell-systems/gpuprov/internal/venv"
)

type fakeStrategy struct {
	name  string
	err   error
	calls int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Install(context.Context, *venv.Environment) error {
	f.calls++
	return f.err
}

func testEnv(r runner.Runner) *venv.Environment {
	return venv.Attach("/opt/envs/torch", r)
}

func TestInstallFirstStrategySucceeds(t *testing.T) {
	a := &fakeStrategy{name: "prebuilt"}
	b := &fakeStrategy{name: "source-build"}

	res, err := New(logging.Discard()).Install(context.Background(), Target{Component: "torch", Strategies: []Strategy{a, b}}, testEnv(&runner.Recorder{}))
	require.NoError(t, err)

	assert.Equal(t, "prebuilt", res.Strategy)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 0, b.calls, "fallback must not run after success")
}

func TestInstallFallsBackOnce(t *testing.T) {
	a := &fakeStrategy{name: "prebuilt", err: errors.New("no matching wheel")}
	b := &fakeStrategy{name: "source-build"}

	res, err := New(logging.Discard()).Install(context.Background(), Target{Component: "torch", Strategies: []Strategy{a, b}}, testEnv(&runner.Recorder{}))
	require.NoError(t, err)

	assert.Equal(t, "source-build", res.Strategy)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestInstallAllFail(t *testing.T) {
	errA := errors.New("404 Not Found")
	errB := errors.New("compiler crashed")
	a := &fakeStrategy{name: "artifact", err: errA}
	b := &fakeStrategy{name: "source-build", err: errB}

	_, err := New(logging.Discard()).Install(context.Background(), Target{Component: "torchvision", Strategies: []Strategy{a, b}}, testEnv(&runner.Recorder{}))

	var failure *InstallFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "torchvision", failure.Component)
	assert.Equal(t, []string{"artifact", "source-build"}, failure.Attempted)
	assert.Len(t, failure.Errors.Errors, 2)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Contains(t, err.Error(), "tried artifact, source-build")
	assert.Contains(t, err.Error(), "artifact: 404 Not Found; source-build: compiler crashed")
}

func TestInstallNoStrategies(t *testing.T) {
	_, err := New(logging.Discard()).Install(context.Background(), Target{Component: "x"}, testEnv(&runner.Recorder{}))
	assert.Error(t, err)
}

func TestInstallStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &fakeStrategy{name: "prebuilt"}

	_, err := New(logging.Discard()).Install(ctx, Target{Component: "torch", Strategies: []Strategy{a}}, testEnv(&runner.Recorder{}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.calls)
}

func TestWheelIndexCommand(t *testing.T) {
	rec := &runner.Recorder{}
	s := &WheelIndex{Packages: []string{"torch==2.3.1"}, IndexURL: "https://download.pytorch.org/whl/rocm6.0"}
	require.NoError(t, s.Install(context.Background(), testEnv(rec)))

	assert.Equal(t, []string{
		"VIRTUAL_ENV=/opt/envs/torch /opt/envs/torch/bin/python -m pip install torch==2.3.1 --index-url https://download.pytorch.org/whl/rocm6.0",
	}, rec.Lines())
}

func TestExpandArtifactName(t *testing.T) {
	got := ExpandArtifactName("{name}-{version}+{accelerator}-{python}-{python}-{platform}.whl",
		"torchvision", "0.18.1", "rocm6.0", "cp310", "linux_x86_64")
	assert.Equal(t, "torchvision-0.18.1+rocm6.0-cp310-cp310-linux_x86_64.whl", got)
}

func TestIndexURLDerivedFromAccelerator(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "https://download.pytorch.org/whl/rocm6.0", IndexURL(cfg.Provision.Core, cfg.Provision))

	cfg.Provision.Core.IndexURL = "https://mirror.example/whl"
	assert.Equal(t, "https://mirror.example/whl", IndexURL(cfg.Provision.Core, cfg.Provision))
}

func TestTargetForDefaults(t *testing.T) {
	cfg := config.Default()
	deps := Deps{Runner: &runner.Recorder{}, Fetch: fetch.New(logging.Discard()), CacheDir: "/var/lib/gpuprov/cache", Log: logging.Discard()}

	core := TargetFor(cfg.Provision.Core, cfg.Provision, deps)
	require.Len(t, core.Strategies, 2)
	assert.Equal(t, WheelIndexName, core.Strategies[0].Name())
	assert.Equal(t, SourceBuildName, core.Strategies[1].Name())

	vision := TargetFor(cfg.Provision.Vision, cfg.Provision, deps)
	require.Len(t, vision.Strategies, 2)
	assert.Equal(t, ArtifactName, vision.Strategies[0].Name())

	build := vision.Strategies[1].(*SourceBuild)
	assert.Equal(t, []string{"PYTORCH_ROCM_ARCH=gfx1030"}, build.BuildEnv)
	assert.Equal(t, filepath.Join("/var/lib/gpuprov/cache", "src", "torchvision"), build.Dir)
}

// An artifact server answering 404 must route the vision component to the
// source build, which then succeeds.
func TestArtifactNotFoundFallsBackToSourceBuild(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rec := &runner.Recorder{Handler: func(cmd runner.Command) ([]byte, error) {
		if len(cmd.Args) >= 2 && cmd.Args[0] == "-c" {
			return []byte("cp310\n"), nil
		}
		if cmd.Name == "git" {
			dir := cmd.Args[len(cmd.Args)-1]
			if err := os.MkdirAll(filepath.Join(dir, ".git"), 0755); err != nil {
				return nil, err
			}
			return nil, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("numpy\n"), 0644)
		}
		return nil, nil
	}}

	cfg := config.Default()
	cfg.Provision.Vision.ArtifactBaseURL = srv.URL + "/whl/rocm6.0"
	cache := t.TempDir()
	var progress bytes.Buffer
	target := TargetFor(cfg.Provision.Vision, cfg.Provision, Deps{
		Runner:   rec,
		Fetch:    fetch.New(logging.Discard()),
		CacheDir: cache,
		Progress: &progress,
		Log:      logging.Discard(),
	})

	res, err := New(logging.Discard()).Install(context.Background(), target, testEnv(rec))
	require.NoError(t, err)
	assert.Equal(t, SourceBuildName, res.Strategy)
	assert.Equal(t, int32(1), hits.Load())

	srcDir := filepath.Join(cache, "src", "torchvision")
	lines := rec.Lines()
	assert.Contains(t, lines, "git clone --recursive --branch v0.18.1 https://github.com/pytorch/vision.git "+srcDir)
	assert.Contains(t, lines, "VIRTUAL_ENV=/opt/envs/torch /opt/envs/torch/bin/python -m pip install -r "+filepath.Join(srcDir, "requirements.txt"))

	var build runner.Command
	for _, c := range rec.Calls() {
		if len(c.Args) == 2 && c.Args[0] == "setup.py" {
			build = c
		}
	}
	require.NotEmpty(t, build.Name, "setup.py install not run")
	assert.Equal(t, srcDir, build.Dir)
	assert.Contains(t, build.Env, "PYTORCH_ROCM_ARCH=gfx1030")
	assert.Contains(t, progress.String(), "Building torchvision from source")

	for _, l := range lines {
		assert.False(t, strings.Contains(l, "PYTORCH_ROCM_ARCH") && !strings.Contains(l, "setup.py"),
			"build architecture leaked into %q", l)
	}
}

func TestArtifactDownloadsAndInstalls(t *testing.T) {
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.EscapedPath()
		io.WriteString(w, "wheel-bytes")
	}))
	defer srv.Close()

	rec := &runner.Recorder{Handler: func(cmd runner.Command) ([]byte, error) {
		if len(cmd.Args) >= 1 && cmd.Args[0] == "-c" {
			return []byte("cp311\n"), nil
		}
		return nil, nil
	}}
	cache := t.TempDir()
	a := &Artifact{
		Fetch:    fetch.New(logging.Discard()),
		BaseURL:  srv.URL + "/whl/rocm6.0/",
		CacheDir: cache,
		Filename: func(tag string) string { return "torchvision-0.18.1+rocm6.0-" + tag + "-" + tag + "-linux_x86_64.whl" },
		Log:      logging.Discard(),
	}

	require.NoError(t, a.Install(context.Background(), testEnv(rec)))
	assert.Equal(t, "/whl/rocm6.0/torchvision-0.18.1%2Brocm6.0-cp311-cp311-linux_x86_64.whl", requested)

	dest := filepath.Join(cache, "torchvision-0.18.1+rocm6.0-cp311-cp311-linux_x86_64.whl")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "wheel-bytes", string(data))
	assert.Contains(t, rec.Lines(), "VIRTUAL_ENV=/opt/envs/torch /opt/envs/torch/bin/python -m pip install "+dest)

	// Second install reuses the cached file.
	requested = ""
	require.NoError(t, a.Install(context.Background(), testEnv(rec)))
	assert.Empty(t, requested)
}

func TestArtifactInstallFailureFailsStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not really a wheel")
	}))
	defer srv.Close()

	rec := &runner.Recorder{Handler: func(cmd runner.Command) ([]byte, error) {
		if cmd.Args[0] == "-c" {
			return []byte("cp310\n"), nil
		}
		return []byte("ERROR: not a valid wheel filename"), errors.New("exit status 1")
	}}
	a := &Artifact{
		Fetch:    fetch.New(logging.Discard()),
		BaseURL:  srv.URL,
		CacheDir: t.TempDir(),
		Filename: func(tag string) string { return "x-" + tag + ".whl" },
		Log:      logging.Discard(),
	}
	assert.Error(t, a.Install(context.Background(), testEnv(rec)))
}

func TestSourceBuildRefreshesExistingCheckout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vision")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))

	rec := &runner.Recorder{}
	build := &SourceBuild{
		Runner: rec,
		Repo:   "https://github.com/pytorch/vision.git",
		Ref:    "v0.18.1",
		Dir:    dir,
	}
	require.NoError(t, build.Install(context.Background(), testEnv(rec)))

	lines := rec.Lines()
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, []string{
		"git -C " + dir + " fetch --tags origin v0.18.1",
		"git -C " + dir + " checkout --force --detach FETCH_HEAD",
		"git -C " + dir + " submodule update --init --recursive",
	}, lines[:3])
	assert.Contains(t, lines[3], "setup.py install")
	for _, l := range lines {
		assert.NotContains(t, l, "git clone")
	}
}

func TestSourceBuildRefreshFailureStopsBuild(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vision")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))

	rec := &runner.Recorder{Handler: func(cmd runner.Command) ([]byte, error) {
		if cmd.Name == "git" && len(cmd.Args) > 2 && cmd.Args[2] == "fetch" {
			return nil, errors.New("couldn't find remote ref v9.9.9")
		}
		return nil, nil
	}}
	build := &SourceBuild{Runner: rec, Repo: "https://github.com/pytorch/vision.git", Ref: "v9.9.9", Dir: dir}

	err := build.Install(context.Background(), testEnv(rec))
	assert.ErrorContains(t, err, "failed to update checkout")
	for _, c := range rec.Calls() {
		assert.NotEqual(t, []string{"setup.py", "install"}, c.Args)
	}
}
