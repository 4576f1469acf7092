package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Recorder is a Runner for tests. It records every command and answers with
// Handler, or succeeds with empty output when Handler is nil.
type Recorder struct {
	Handler func(cmd Command) ([]byte, error)
	Missing map[string]bool // executables LookPath should fail for

	mu    sync.Mutex
	calls []Command
}

// Run records cmd. Stdin, if any, is buffered so both the recorded copy and
// Handler see the full input.
func (r *Recorder) Run(_ context.Context, cmd Command) ([]byte, error) {
	var input []byte
	if cmd.Stdin != nil {
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		input = data
	}

	recorded := cmd
	if input != nil {
		recorded.Stdin = bytes.NewReader(input)
	}
	r.record(recorded)

	if r.Handler == nil {
		return nil, nil
	}
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}
	return r.Handler(cmd)
}

// LookPath fails for names listed in Missing.
func (r *Recorder) LookPath(name string) (string, error) {
	if r.Missing[name] {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return "/usr/bin/" + name, nil
}

// Calls returns the recorded commands in order.
func (r *Recorder) Calls() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Lines returns the recorded commands rendered with Command.String.
func (r *Recorder) Lines() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

func (r *Recorder) record(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cmd)
}
