package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestDriverCommand(t *testing.T) {
	if driverCmd.Use != "driver" {
		t.Errorf("driverCmd.Use = %q, want %q", driverCmd.Use, "driver")
	}
	if driverCmd.Short == "" {
		t.Error("driverCmd.Short is empty")
	}
	if driverCmd.RunE == nil {
		t.Error("driverCmd.RunE is nil")
	}
	for _, keyword := range []string{"snapshot", "--rollback", "root"} {
		if !strings.Contains(driverCmd.Long, keyword) {
			t.Errorf("driverCmd.Long missing keyword %q", keyword)
		}
	}
}

func TestDriverFlags(t *testing.T) {
	for _, name := range []string{"rollback", "dry-run", "yes"} {
		t.Run(name, func(t *testing.T) {
			flag := driverCmd.Flags().Lookup(name)
			if flag == nil {
				t.Fatalf("flag %q not found", name)
			}
			if flag.DefValue != "false" {
				t.Errorf("flag %q default = %q, want %q", name, flag.DefValue, "false")
			}
		})
	}
}

func withEUID(t *testing.T, uid int) {
	t.Helper()
	orig := geteuid
	geteuid = func() int { return uid }
	t.Cleanup(func() { geteuid = orig })
}

func testCommand(in string) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(in))
	return cmd, &out
}

func TestDriverRequiresRoot(t *testing.T) {
	resetGlobals(t)
	withEUID(t, 1000)
	dir := t.TempDir()
	configPath = writeConfig(t, dir)

	cmd, _ := testCommand("")
	err := runDriver(cmd, nil)
	if err == nil || !strings.Contains(err.Error(), "root") {
		t.Fatalf("expected root error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "state")); !os.IsNotExist(err) {
		t.Error("refused run should not create state")
	}
}

func TestDriverDeclinedPromptChangesNothing(t *testing.T) {
	resetGlobals(t)
	withEUID(t, 0)
	dir := t.TempDir()
	configPath = writeConfig(t, dir)

	cmd, out := testCommand("n\n")
	if err := runDriver(cmd, nil); err != nil {
		t.Fatalf("runDriver failed: %v", err)
	}
	if !strings.Contains(out.String(), "Cancelled.") {
		t.Errorf("expected cancellation message, got:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "state")); !os.IsNotExist(err) {
		t.Error("declined run should not create state")
	}
}

func TestDriverDryRun(t *testing.T) {
	resetGlobals(t)
	withEUID(t, 1000)
	t.Setenv("SUDO_USER", "")
	t.Setenv("USER", "alice")
	dir := t.TempDir()

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"driver", "--dry-run", "--config", writeConfig(t, dir)})

	if err := RootCmd.Execute(); err != nil {
		t.Fatalf("driver --dry-run failed: %v\n%s", err, out.String())
	}

	got := out.String()
	for _, want := range []string{
		"[dry-run] would capture snapshot to " + filepath.Join(dir, "state", "snapshot"),
		"apt-get update",
		"usermod -a -G render alice",
		"Steps: 7 ok",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Reboot to finish the install.") {
		t.Error("dry-run should not ask for a reboot")
	}
	if _, err := os.Stat(filepath.Join(dir, "state")); !os.IsNotExist(err) {
		t.Error("dry-run should not create state")
	}
}

func TestDriverRollbackDryRunWithoutSnapshot(t *testing.T) {
	resetGlobals(t)
	withEUID(t, 1000)
	dir := t.TempDir()

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetArgs([]string{"driver", "--rollback", "--dry-run", "--config", writeConfig(t, dir)})

	if err := RootCmd.Execute(); err != nil {
		t.Fatalf("driver --rollback --dry-run failed: %v", err)
	}
	if !strings.Contains(out.String(), "nothing to restore") {
		t.Errorf("expected nothing-to-restore message, got:\n%s", out.String())
	}
	if strings.Contains(out.String(), "Reboot") {
		t.Error("no reboot notice when nothing was restored")
	}
}
