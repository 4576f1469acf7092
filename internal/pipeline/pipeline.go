// Package pipeline runs an ordered list of named steps, logging progress,
// halting at the first failure, and recording each outcome.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/blackwell-systems/gpuprov/internal/store"
)

// Step is one named unit of work.
type Step struct {
	Name        string
	Description string
	Run         func(ctx context.Context) error
}

// Outcome is the result of a single step.
type Outcome struct {
	Name     string
	Status   string
	Err      error
	Duration time.Duration
}

// Report aggregates the outcomes of a run in declared order.
type Report struct {
	Outcomes []Outcome
}

// Succeeded returns the names of steps that completed.
func (r *Report) Succeeded() []string { return r.names(store.StepOK) }

// Failed returns the names of steps that returned an error.
func (r *Report) Failed() []string { return r.names(store.StepFailed) }

// Skipped returns the names of steps that never ran.
func (r *Report) Skipped() []string { return r.names(store.StepSkipped) }

// OK reports whether every step succeeded.
func (r *Report) OK() bool {
	return len(r.Failed()) == 0 && len(r.Skipped()) == 0
}

// Summary renders a one-line summary of the report.
func (r *Report) Summary() string {
	parts := []string{fmt.Sprintf("%d ok", len(r.Succeeded()))}
	if failed := r.Failed(); len(failed) > 0 {
		parts = append(parts, "failed: "+strings.Join(failed, ", "))
	}
	if skipped := r.Skipped(); len(skipped) > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", len(skipped)))
	}
	return strings.Join(parts, "; ")
}

func (r *Report) names(status string) []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == status {
			out = append(out, o.Name)
		}
	}
	return out
}

// StepError identifies the step that stopped a run.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type runIDKey struct{}

// WithRunID attaches a run ID that executors without their own RunID record
// against.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run ID attached by WithRunID, or "".
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Executor runs steps. Store and RunID are optional; when both are set each
// outcome is persisted as a run step.
type Executor struct {
	Log   log.FieldLogger
	Store *store.Store
	RunID string
}

// Execute runs steps in order. The first failure stops the run; the remaining
// steps are reported as skipped and a *StepError is returned.
func (e *Executor) Execute(ctx context.Context, steps []Step) (*Report, error) {
	report := &Report{Outcomes: make([]Outcome, 0, len(steps))}
	runID := e.RunID
	if runID == "" {
		runID = RunIDFrom(ctx)
	}
	var stepErr *StepError

	for i, step := range steps {
		if stepErr != nil {
			e.record(report, runID, i, Outcome{Name: step.Name, Status: store.StepSkipped})
			continue
		}

		desc := step.Description
		if desc == "" {
			desc = step.Name
		}
		e.Log.Infof("Step %d/%d: %s", i+1, len(steps), desc)

		start := time.Now()
		err := ctx.Err()
		if err == nil {
			err = step.Run(ctx)
		}
		outcome := Outcome{Name: step.Name, Status: store.StepOK, Duration: time.Since(start)}
		if err != nil {
			outcome.Status = store.StepFailed
			outcome.Err = err
			e.Log.Errorf("Step %s failed: %v", step.Name, err)
			stepErr = &StepError{Step: step.Name, Err: err}
		}
		e.record(report, runID, i, outcome)
	}

	if stepErr != nil {
		return report, stepErr
	}
	return report, nil
}

func (e *Executor) record(report *Report, runID string, i int, o Outcome) {
	report.Outcomes = append(report.Outcomes, o)
	if e.Store == nil || runID == "" {
		return
	}
	rs := &store.RunStep{
		RunID:    runID,
		Seq:      i + 1,
		Name:     o.Name,
		Status:   o.Status,
		Duration: o.Duration,
	}
	if o.Err != nil {
		rs.Detail = o.Err.Error()
	}
	if err := e.Store.RecordStep(rs); err != nil {
		e.Log.Warnf("Could not record step %s: %v", o.Name, err)
	}
}
