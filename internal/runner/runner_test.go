package runner

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestCommandString(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "plain",
			cmd:  Command{Name: "apt-get", Args: []string{"install", "-y", "rocm"}},
			want: "apt-get install -y rocm",
		},
		{
			name: "env and quoting",
			cmd:  Command{Name: "python", Args: []string{"-c", "import torch"}, Env: []string{"PYTORCH_ROCM_ARCH=gfx1030"}},
			want: `PYTORCH_ROCM_ARCH=gfx1030 python -c "import torch"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecRunCapturesOutput(t *testing.T) {
	out, err := Exec{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo hello"}})
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("expected output 'hello', got %q", out)
	}
}

func TestExecRunFailureIncludesOutput(t *testing.T) {
	if _, err := (Exec{}).LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	_, err := Exec{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo boom; exit 3"}})
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected error to include command output, got %v", err)
	}
}

func TestExecRunPassesStdinAndEnv(t *testing.T) {
	if _, err := (Exec{}).LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	out, err := Exec{}.Run(context.Background(), Command{
		Name:  "sh",
		Args:  []string{"-c", "cat; echo $GPUPROV_TEST"},
		Env:   []string{"GPUPROV_TEST=set"},
		Stdin: strings.NewReader("in\n"),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "in\nset\n" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRecorderRecordsAndReplaysStdin(t *testing.T) {
	var seen string
	rec := &Recorder{Handler: func(cmd Command) ([]byte, error) {
		data, _ := io.ReadAll(cmd.Stdin)
		seen = string(data)
		return []byte("ok"), nil
	}}

	out, err := rec.Run(context.Background(), Command{Name: "dpkg", Args: []string{"--set-selections"}, Stdin: strings.NewReader("vim\tinstall\n")})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "ok" {
		t.Errorf("expected handler output, got %q", out)
	}
	if seen != "vim\tinstall\n" {
		t.Errorf("handler saw stdin %q", seen)
	}

	calls := rec.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	recorded, _ := io.ReadAll(calls[0].Stdin)
	if string(recorded) != "vim\tinstall\n" {
		t.Errorf("recorded stdin %q", recorded)
	}
}

func TestRecorderLookPathMissing(t *testing.T) {
	rec := &Recorder{Missing: map[string]bool{"python3": true}}
	if _, err := rec.LookPath("python3"); err == nil {
		t.Error("expected error for missing executable")
	}
	if _, err := rec.LookPath("git"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDryRunNeverFails(t *testing.T) {
	d := DryRun{}
	if _, err := d.Run(context.Background(), Command{Name: "false"}); err != nil {
		t.Errorf("dry run should not fail: %v", err)
	}
	if _, err := d.LookPath("anything"); err != nil {
		t.Errorf("dry run LookPath should succeed: %v", err)
	}
}
