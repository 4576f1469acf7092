// Package tiered installs a component by trying acquisition strategies in
// order, typically a prebuilt binary first and a source build last.
package tiered

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/blackwell-systems/gpuprov/internal/venv"
)

// Strategy is one way of getting a component into an environment.
type Strategy interface {
	Name() string
	Install(ctx context.Context, env *venv.Environment) error
}

// Target is a component plus its strategies in preference order.
type Target struct {
	Component  string
	Strategies []Strategy
}

// Result names the strategy that succeeded.
type Result struct {
	Component string
	Strategy  string
	Attempts  int
}

// InstallFailure is returned when every strategy failed. Attempted lists the
// strategies in the order they were tried.
type InstallFailure struct {
	Component string
	Attempted []string
	Errors    *multierror.Error
}

func (f *InstallFailure) Error() string {
	return fmt.Sprintf("all strategies failed for %s (tried %s): %v",
		f.Component, strings.Join(f.Attempted, ", "), f.Errors)
}

func (f *InstallFailure) Unwrap() error { return f.Errors.ErrorOrNil() }

// Installer runs targets.
type Installer struct {
	log log.FieldLogger
}

// New creates an Installer.
func New(logger log.FieldLogger) *Installer {
	return &Installer{log: logger}
}

// Install tries each strategy of target in order and returns on the first
// success. Later strategies are never attempted once one succeeds.
func (i *Installer) Install(ctx context.Context, target Target, env *venv.Environment) (*Result, error) {
	if len(target.Strategies) == 0 {
		return nil, fmt.Errorf("no strategies configured for %s", target.Component)
	}

	failure := &InstallFailure{Component: target.Component}
	for n, s := range target.Strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		i.log.Infof("Installing %s via %s (strategy %d/%d)", target.Component, s.Name(), n+1, len(target.Strategies))
		failure.Attempted = append(failure.Attempted, s.Name())

		err := s.Install(ctx, env)
		if err == nil {
			i.log.Infof("Installed %s via %s", target.Component, s.Name())
			return &Result{Component: target.Component, Strategy: s.Name(), Attempts: n + 1}, nil
		}

		failure.Errors = multierror.Append(failure.Errors, fmt.Errorf("%s: %w", s.Name(), err))
		if n+1 < len(target.Strategies) {
			i.log.Warnf("%s strategy for %s failed: %v; falling back to %s", s.Name(), target.Component, err, target.Strategies[n+1].Name())
		}
	}

	failure.Errors.ErrorFormat = formatErrors
	return nil, failure
}

func formatErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
