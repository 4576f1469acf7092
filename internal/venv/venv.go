// Package venv creates and drives isolated Python virtual environments.
package venv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/blackwell-systems/gpuprov/internal/runner"
)

// ProvisionError reports that an environment could not be created at Path.
type ProvisionError struct {
	Path string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("cannot provision environment at %s: %v", e.Path, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Environment is a handle on a created virtual environment.
type Environment struct {
	Path   string
	Python string
	Pip    string

	run runner.Runner
}

// Provisioner creates environments with a given base interpreter.
type Provisioner struct {
	python   string
	run      runner.Runner
	log      log.FieldLogger
	writable func(dir string) error
}

// New creates a Provisioner using the python interpreter (usually "python3").
func New(python string, r runner.Runner, logger log.FieldLogger) *Provisioner {
	return &Provisioner{
		python:   python,
		run:      r,
		log:      logger,
		writable: accessWritable,
	}
}

// Create makes a virtual environment at path, or reuses one that already
// exists there, and upgrades pip inside a new one.
func (p *Provisioner) Create(ctx context.Context, path string) (*Environment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ProvisionError{Path: path, Err: err}
	}

	interpreter, err := p.run.LookPath(p.python)
	if err != nil {
		return nil, &ProvisionError{Path: abs, Err: fmt.Errorf("interpreter %s not found: %w", p.python, err)}
	}

	if err := p.checkWritable(abs); err != nil {
		return nil, &ProvisionError{Path: abs, Err: err}
	}

	env := Attach(abs, p.run)
	if exists(abs) {
		p.log.Infof("Reusing existing environment at %s", abs)
		return env, nil
	}

	p.log.Infof("Creating virtual environment at %s", abs)
	if _, err := p.run.Run(ctx, runner.Command{Name: interpreter, Args: []string{"-m", "venv", abs}}); err != nil {
		return nil, &ProvisionError{Path: abs, Err: err}
	}
	if _, err := env.PipInstall(ctx, "--upgrade", "pip"); err != nil {
		return nil, &ProvisionError{Path: abs, Err: fmt.Errorf("failed to upgrade pip: %w", err)}
	}
	return env, nil
}

// Attach returns a handle on the environment at path without checking or
// creating it.
func Attach(path string, r runner.Runner) *Environment {
	return &Environment{
		Path:   path,
		Python: filepath.Join(path, "bin", "python"),
		Pip:    filepath.Join(path, "bin", "pip"),
		run:    r,
	}
}

// checkWritable verifies that path, or its nearest existing ancestor, is a
// directory the current user can write to.
func (p *Provisioner) checkWritable(path string) error {
	dir := path
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			if err := p.writable(dir); err != nil {
				return fmt.Errorf("%s is not writable: %w", dir, err)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("no existing ancestor of %s", path)
		}
		dir = parent
	}
}

func accessWritable(dir string) error {
	return unix.Access(dir, unix.W_OK)
}

// exists reports whether path already holds a usable environment.
func exists(path string) bool {
	if _, err := os.Stat(filepath.Join(path, "pyvenv.cfg")); err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(path, "bin", "python"))
	return err == nil && !info.IsDir() && info.Mode()&0111 != 0
}

// Run runs the environment's interpreter with args.
func (e *Environment) Run(ctx context.Context, args ...string) ([]byte, error) {
	return e.RunCommand(ctx, runner.Command{Args: args})
}

// RunCommand runs the environment's interpreter with cmd's arguments, working
// directory and extra environment. cmd.Name is ignored.
func (e *Environment) RunCommand(ctx context.Context, cmd runner.Command) ([]byte, error) {
	cmd.Name = e.Python
	cmd.Env = append([]string{"VIRTUAL_ENV=" + e.Path}, cmd.Env...)
	return e.run.Run(ctx, cmd)
}

// PipInstall runs `python -m pip install args...` inside the environment.
func (e *Environment) PipInstall(ctx context.Context, args ...string) ([]byte, error) {
	return e.Run(ctx, append([]string{"-m", "pip", "install"}, args...)...)
}

// PythonTag returns the CPython wheel tag of the environment's interpreter,
// such as "cp310".
func (e *Environment) PythonTag(ctx context.Context) (string, error) {
	out, err := e.Run(ctx, "-c", "import sys; print('cp%d%d' % sys.version_info[:2])")
	if err != nil {
		return "", fmt.Errorf("failed to determine python version: %w", err)
	}
	tag := strings.TrimSpace(string(out))
	if !strings.HasPrefix(tag, "cp") {
		return "", fmt.Errorf("unexpected python tag %q", tag)
	}
	return tag, nil
}
