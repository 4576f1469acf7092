// Package apt wraps the Debian package tools (apt-get, dpkg) used by the
// driver installer and the snapshot manager.
package apt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/blackwell-systems/gpuprov/internal/runner"
)

var noninteractive = []string{"DEBIAN_FRONTEND=noninteractive"}

// Client runs package-manager commands through a runner.
type Client struct {
	run runner.Runner
}

// New creates a Client.
func New(r runner.Runner) *Client {
	return &Client{run: r}
}

// Update refreshes the package index via apt-get update.
func (c *Client) Update(ctx context.Context) error {
	if _, err := c.run.Run(ctx, runner.Command{Name: "apt-get", Args: []string{"update"}, Env: noninteractive}); err != nil {
		return fmt.Errorf("apt-get update failed: %w", err)
	}
	return nil
}

// Install installs packages via apt-get install -y.
func (c *Client) Install(ctx context.Context, pkgs ...string) error {
	if len(pkgs) == 0 {
		return nil
	}
	args := append([]string{"install", "-y"}, pkgs...)
	if _, err := c.run.Run(ctx, runner.Command{Name: "apt-get", Args: args, Env: noninteractive}); err != nil {
		return fmt.Errorf("apt-get install %s failed: %w", strings.Join(pkgs, " "), err)
	}
	return nil
}

// GetSelections returns the raw `dpkg --get-selections` output.
func (c *Client) GetSelections(ctx context.Context) ([]byte, error) {
	out, err := c.run.Run(ctx, runner.Command{Name: "dpkg", Args: []string{"--get-selections"}})
	if err != nil {
		return nil, fmt.Errorf("dpkg --get-selections failed: %w", err)
	}
	return out, nil
}

// ClearSelections marks every non-essential package for deinstallation.
func (c *Client) ClearSelections(ctx context.Context) error {
	if _, err := c.run.Run(ctx, runner.Command{Name: "dpkg", Args: []string{"--clear-selections"}}); err != nil {
		return fmt.Errorf("dpkg --clear-selections failed: %w", err)
	}
	return nil
}

// SetSelections feeds saved selections to dpkg --set-selections.
func (c *Client) SetSelections(ctx context.Context, selections []byte) error {
	cmd := runner.Command{Name: "dpkg", Args: []string{"--set-selections"}, Stdin: bytes.NewReader(selections)}
	if _, err := c.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("dpkg --set-selections failed: %w", err)
	}
	return nil
}

// DselectUpgrade makes the installed package set match the current selections.
func (c *Client) DselectUpgrade(ctx context.Context) error {
	if _, err := c.run.Run(ctx, runner.Command{Name: "apt-get", Args: []string{"-y", "dselect-upgrade"}, Env: noninteractive}); err != nil {
		return fmt.Errorf("apt-get dselect-upgrade failed: %w", err)
	}
	return nil
}

// KernelRelease returns `uname -r`, used to pick matching header packages.
func (c *Client) KernelRelease(ctx context.Context) (string, error) {
	out, err := c.run.Run(ctx, runner.Command{Name: "uname", Args: []string{"-r"}})
	if err != nil {
		return "", fmt.Errorf("uname -r failed: %w", err)
	}
	release := strings.TrimSpace(string(out))
	if release == "" {
		return "", fmt.Errorf("empty uname -r output")
	}
	return release, nil
}

// ParseSelections parses `dpkg --get-selections` output. Blank lines are
// skipped; any other line must have exactly two fields.
func ParseSelections(data []byte) ([]Selection, error) {
	var selections []Selection
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: expected \"<package> <state>\", got %q", lineNo, line)
		}
		selections = append(selections, Selection{Package: fields[0], State: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read selections: %w", err)
	}
	return selections, nil
}
