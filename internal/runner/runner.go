// Package runner executes external commands (apt-get, dpkg, python, git)
// on behalf of the installer pipelines.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Command describes a single external command invocation.
type Command struct {
	Name  string
	Args  []string
	Env   []string // extra KEY=VALUE pairs appended to the process environment
	Dir   string
	Stdin io.Reader
}

// String renders the command roughly as it would be typed in a shell.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Env)+len(c.Args)+1)
	parts = append(parts, c.Env...)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Runner runs commands and resolves executables.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
	LookPath(name string) (string, error)
}

// Exec runs commands with os/exec.
type Exec struct{}

// Run executes cmd and returns its combined output. On failure the error
// carries the output so callers can log it without re-running.
func (Exec) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	output, err := c.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s failed: %w (output: %s)", cmd, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// LookPath resolves name on PATH.
func (Exec) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// DryRun logs commands instead of running them. Read-only probes still need
// answers, so LookPath always succeeds and Run returns empty output.
type DryRun struct {
	Log log.FieldLogger
}

// Run logs the command and reports success.
func (d DryRun) Run(_ context.Context, cmd Command) ([]byte, error) {
	if d.Log != nil {
		d.Log.Infof("[dry-run] %s", cmd)
	}
	return nil, nil
}

// LookPath returns name unchanged.
func (DryRun) LookPath(name string) (string, error) {
	return name, nil
}
