// Package driver installs the GPU compute runtime from the vendor APT
// repository after capturing a rollback snapshot.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/blackwell-systems/gpuprov/internal/apt"
	"github.com/blackwell-systems/gpuprov/internal/config"
	"github.com/blackwell-systems/gpuprov/internal/envfile"
	"github.com/blackwell-systems/gpuprov/internal/fetch"
	"github.com/blackwell-systems/gpuprov/internal/fsutil"
	"github.com/blackwell-systems/gpuprov/internal/pipeline"
	"github.com/blackwell-systems/gpuprov/internal/runner"
	"github.com/blackwell-systems/gpuprov/internal/snapshots"
	"github.com/blackwell-systems/gpuprov/internal/store"
)

// StepError names the driver step that stopped the install.
type StepError = pipeline.StepError

// Result is the outcome of an install run.
type Result struct {
	Snapshot *snapshots.Snapshot // nil in dry-run mode
	Report   *pipeline.Report
}

// Installer runs the driver install steps.
type Installer struct {
	cfg    config.DriverConfig
	paths  config.PathsConfig
	run    runner.Runner
	apt    *apt.Client
	fetch  *fetch.Client
	snaps  *snapshots.Manager
	store  *store.Store
	log    log.FieldLogger
	dryRun bool
	getenv func(string) string
}

// New creates an Installer. st may be nil.
func New(cfg *config.Config, r runner.Runner, f *fetch.Client, snaps *snapshots.Manager, st *store.Store, logger log.FieldLogger) *Installer {
	return &Installer{
		cfg:    cfg.Driver,
		paths:  cfg.Paths,
		run:    r,
		apt:    apt.New(r),
		fetch:  f,
		snaps:  snaps,
		store:  st,
		log:    logger,
		getenv: os.Getenv,
	}
}

// SetDryRun makes steps log what they would do instead of touching files or
// the network. Commands are still routed through the runner, so pair this
// with runner.DryRun.
func (i *Installer) SetDryRun(v bool) {
	i.dryRun = v
}

// Run captures a snapshot and then runs every install step in order. A
// snapshot failure aborts before any step runs.
func (i *Installer) Run(ctx context.Context) (*Result, error) {
	result := &Result{}

	if i.dryRun {
		i.log.Infof("[dry-run] would capture snapshot to %s", i.snaps.Dir())
	} else {
		i.log.Infof("Capturing system snapshot to %s", i.snaps.Dir())
		snap, err := i.snaps.Capture(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to capture snapshot, no changes were made: %w", err)
		}
		result.Snapshot = snap
	}

	exec := &pipeline.Executor{Log: i.log, Store: i.store}
	report, err := exec.Execute(ctx, i.Steps())
	result.Report = report
	if err != nil {
		return result, err
	}
	i.log.Info("GPU runtime installed. Reboot to load the kernel modules and group membership.")
	return result, nil
}

// Rollback restores the last snapshot.
func (i *Installer) Rollback(ctx context.Context) (*snapshots.RestoreResult, error) {
	if i.dryRun {
		snap, err := i.snaps.Load()
		if err != nil {
			if errors.Is(err, snapshots.ErrNoSnapshot) {
				i.log.Infof("[dry-run] no snapshot at %s; nothing to restore", i.snaps.Dir())
				return &snapshots.RestoreResult{}, nil
			}
			return nil, err
		}
		i.log.Infof("[dry-run] would restore snapshot %s from %s", snap.Manifest.SnapshotID, snap.Dir)
		return &snapshots.RestoreResult{SnapshotID: snap.Manifest.SnapshotID}, nil
	}
	return i.snaps.Restore(ctx)
}

// Steps returns the declared install steps in order.
func (i *Installer) Steps() []pipeline.Step {
	return []pipeline.Step{
		{Name: "refresh-index", Description: "Refreshing package index", Run: i.apt.Update},
		{Name: "install-prerequisites", Description: "Installing kernel headers and build prerequisites", Run: i.installPrerequisites},
		{Name: "register-repository", Description: fmt.Sprintf("Registering %s repository", i.cfg.RepoName), Run: i.registerRepository},
		{Name: "install-packages", Description: "Installing GPU runtime packages", Run: i.installPackages},
		{Name: "add-user-groups", Description: "Adding user to GPU groups", Run: i.addUserGroups},
		{Name: "configure-environment", Description: "Configuring system environment", Run: i.configureEnvironment},
		{Name: "verify-runtime", Description: "Verifying GPU runtime", Run: i.verifyRuntime},
	}
}

func (i *Installer) installPrerequisites(ctx context.Context) error {
	kernel := "$(uname -r)"
	if !i.dryRun {
		var err error
		kernel, err = i.apt.KernelRelease(ctx)
		if err != nil {
			return err
		}
	}

	pkgs := make([]string, 0, len(i.cfg.Prerequisites))
	for _, p := range i.cfg.Prerequisites {
		pkgs = append(pkgs, strings.ReplaceAll(p, "{kernel}", kernel))
	}
	return i.apt.Install(ctx, pkgs...)
}

// KeyringPath is where the repository signing key is stored.
func (i *Installer) KeyringPath() string {
	return filepath.Join(i.paths.KeyringDir, i.cfg.RepoName+".asc")
}

// SourceListPath is the fragment that registers the repository.
func (i *Installer) SourceListPath() string {
	return filepath.Join(i.paths.SourcesListDir, i.cfg.RepoName+".list")
}

// SourceEntry is the line written to SourceListPath.
func (i *Installer) SourceEntry() apt.SourceEntry {
	return apt.SourceEntry{
		Arch:     i.cfg.RepoArch,
		SignedBy: i.KeyringPath(),
		URL:      i.cfg.RepoURL,
		Suite:    i.cfg.RepoSuite,
	}
}

func (i *Installer) registerRepository(ctx context.Context) error {
	entry := i.SourceEntry().String() + "\n"

	if i.dryRun {
		i.log.Infof("[dry-run] would fetch %s to %s", i.cfg.KeyURL, i.KeyringPath())
		i.log.Infof("[dry-run] would write %s: %s", i.SourceListPath(), strings.TrimSpace(entry))
	} else {
		key, err := i.fetch.Get(ctx, i.cfg.KeyURL)
		if err != nil {
			return fmt.Errorf("failed to fetch signing key: %w", err)
		}
		if err := os.MkdirAll(i.paths.KeyringDir, 0755); err != nil {
			return fmt.Errorf("failed to create keyring directory: %w", err)
		}
		if err := fsutil.WriteFileAtomic(i.KeyringPath(), key, 0644); err != nil {
			return fmt.Errorf("failed to store signing key: %w", err)
		}
		if err := os.MkdirAll(i.paths.SourcesListDir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", i.paths.SourcesListDir, err)
		}
		if err := fsutil.WriteFileAtomic(i.SourceListPath(), []byte(entry), 0644); err != nil {
			return fmt.Errorf("failed to write source list: %w", err)
		}
		i.log.Infof("Registered %s", strings.TrimSpace(entry))
	}

	return i.apt.Update(ctx)
}

func (i *Installer) installPackages(ctx context.Context) error {
	return i.apt.Install(ctx, i.cfg.Packages...)
}

// invokingUser is the human behind sudo, falling back to the current user.
func (i *Installer) invokingUser() string {
	if u := i.getenv("SUDO_USER"); u != "" {
		return u
	}
	return i.getenv("USER")
}

func (i *Installer) addUserGroups(ctx context.Context) error {
	user := i.invokingUser()
	if user == "" {
		return fmt.Errorf("cannot determine the user to add to %s: SUDO_USER and USER are unset", strings.Join(i.cfg.Groups, ", "))
	}
	for _, group := range i.cfg.Groups {
		cmd := runner.Command{Name: "usermod", Args: []string{"-a", "-G", group, user}}
		if _, err := i.run.Run(ctx, cmd); err != nil {
			return fmt.Errorf("failed to add %s to group %s: %w", user, group, err)
		}
		i.log.Infof("Added %s to group %s", user, group)
	}
	return nil
}

func (i *Installer) configureEnvironment(_ context.Context) error {
	path := i.paths.EnvironmentFile
	mode := os.FileMode(0644)

	var content string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		content = string(data)
		if info, statErr := os.Stat(path); statErr == nil {
			mode = info.Mode().Perm()
		}
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	updated := content
	if i.cfg.PathEntry != "" {
		updated, _, err = envfile.ExtendPath(updated, "PATH", i.cfg.PathEntry)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if i.cfg.OverrideVar != "" {
		env, err := envfile.Parse(updated)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if cur, ok := env[i.cfg.OverrideVar]; !ok || cur != i.cfg.OverrideValue {
			updated = envfile.Patch(updated, map[string]string{i.cfg.OverrideVar: i.cfg.OverrideValue})
		}
	}

	if updated == content {
		i.log.Infof("%s already configured", path)
		return nil
	}
	if i.dryRun {
		i.log.Infof("[dry-run] would update %s", path)
		return nil
	}
	if err := fsutil.WriteFileAtomic(path, []byte(updated), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	i.log.Infof("Updated %s", path)
	return nil
}

func (i *Installer) verifyRuntime(ctx context.Context) error {
	for _, name := range i.cfg.VerifyCommands {
		cmd, err := i.verifyCommand(name)
		if err != nil {
			return err
		}
		out, err := i.run.Run(ctx, cmd)
		if err != nil {
			return err
		}
		for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
			if line != "" {
				i.log.WithField("tool", name).Info(line)
			}
		}
	}
	return nil
}

// verifyCommand resolves a verification tool. The configured path entry only
// reaches PATH at the next login, so it is searched first and also exported
// to the tool for any helpers it runs.
func (i *Installer) verifyCommand(name string) (runner.Command, error) {
	if i.cfg.PathEntry != "" && !strings.ContainsRune(name, filepath.Separator) {
		candidate := filepath.Join(i.cfg.PathEntry, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			path := i.cfg.PathEntry
			if cur := i.getenv("PATH"); cur != "" {
				path = cur + string(filepath.ListSeparator) + i.cfg.PathEntry
			}
			return runner.Command{Name: candidate, Env: []string{"PATH=" + path}}, nil
		}
	}
	if _, err := i.run.LookPath(name); err != nil {
		return runner.Command{}, fmt.Errorf("%s not found after install: %w", name, err)
	}
	return runner.Command{Name: name}, nil
}
