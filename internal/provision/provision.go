// Package provision builds the ML environment: a virtual environment, the
// framework core, the vision library and a smoke check, in that order.
package provision

import (
	"context"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/blackwell-systems/gpuprov/internal/config"
	"github.com/blackwell-systems/gpuprov/internal/fetch"
	"github.com/blackwell-systems/gpuprov/internal/pipeline"
	"github.com/blackwell-systems/gpuprov/internal/runner"
	"github.com/blackwell-systems/gpuprov/internal/store"
	"github.com/blackwell-systems/gpuprov/internal/tiered"
	"github.com/blackwell-systems/gpuprov/internal/venv"
	"github.com/blackwell-systems/gpuprov/internal/verify"
)

// Result is what a provision run produced. Fields stay nil for steps that
// did not complete.
type Result struct {
	Environment *venv.Environment
	Core        *tiered.Result
	Vision      *tiered.Result
	Verify      *verify.Report
	Report      *pipeline.Report
}

// Pipeline runs the provision steps against one configuration.
type Pipeline struct {
	cfg      config.ProvisionConfig
	venv     *venv.Provisioner
	tiers    *tiered.Installer
	verifier *verify.Verifier
	deps     tiered.Deps
	store    *store.Store
	log      log.FieldLogger
	dryRun   bool

	result *Result
}

// New wires a Pipeline. Downloads and source checkouts go under the
// configured cache directory; progress receives the spinner shown during
// source builds and may be nil. st may be nil.
func New(cfg *config.Config, r runner.Runner, f *fetch.Client, st *store.Store, progress io.Writer, logger log.FieldLogger) *Pipeline {
	return &Pipeline{
		cfg:      cfg.Provision,
		venv:     venv.New(cfg.Provision.Python, r, logger),
		tiers:    tiered.New(logger),
		verifier: verify.New(cfg.Verify.RequireAccelerator, logger),
		deps: tiered.Deps{
			Runner:   r,
			Fetch:    f,
			CacheDir: cfg.CacheDir(),
			Progress: progress,
			Log:      logger,
		},
		store: st,
		log:   logger,
	}
}

// SetDryRun makes the install and verify steps log the strategies they
// would try instead of downloading or building. Pair with runner.DryRun.
func (p *Pipeline) SetDryRun(v bool) {
	p.dryRun = v
}

// Run executes every step in order and stops at the first failure. Step
// outcomes are recorded under the run ID carried by ctx.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	p.result = &Result{}
	exec := &pipeline.Executor{Log: p.log, Store: p.store}
	report, err := exec.Execute(ctx, p.Steps())
	p.result.Report = report
	if err != nil {
		return p.result, err
	}
	p.log.Infof("Environment ready at %s", p.result.Environment.Path)
	return p.result, nil
}

// Steps returns the declared provision steps in order.
func (p *Pipeline) Steps() []pipeline.Step {
	return []pipeline.Step{
		{Name: "create-environment", Description: fmt.Sprintf("Creating virtual environment at %s", p.cfg.EnvPath), Run: p.createEnvironment},
		{Name: "install-core", Description: fmt.Sprintf("Installing %s", p.cfg.Core.Name), Run: p.installComponent(p.cfg.Core, func(r *tiered.Result) { p.result.Core = r })},
		{Name: "install-vision", Description: fmt.Sprintf("Installing %s", p.cfg.Vision.Name), Run: p.installComponent(p.cfg.Vision, func(r *tiered.Result) { p.result.Vision = r })},
		{Name: "verify-installation", Description: "Verifying installation", Run: p.verifyInstallation},
	}
}

func (p *Pipeline) createEnvironment(ctx context.Context) error {
	env, err := p.venv.Create(ctx, p.cfg.EnvPath)
	if err != nil {
		return err
	}
	p.result.Environment = env
	return nil
}

func (p *Pipeline) installComponent(c config.ComponentConfig, done func(*tiered.Result)) func(context.Context) error {
	return func(ctx context.Context) error {
		target := tiered.TargetFor(c, p.cfg, p.deps)
		if p.dryRun {
			names := make([]string, 0, len(target.Strategies))
			for _, s := range target.Strategies {
				names = append(names, s.Name())
			}
			p.log.Infof("[dry-run] would install %s via %s", c.Name, strings.Join(names, ", then "))
			return nil
		}
		res, err := p.tiers.Install(ctx, target, p.result.Environment)
		if err != nil {
			return err
		}
		done(res)
		return nil
	}
}

func (p *Pipeline) verifyInstallation(ctx context.Context) error {
	if p.dryRun {
		p.log.Infof("[dry-run] would run the smoke check in %s", p.result.Environment.Path)
		return nil
	}
	report, err := p.verifier.Verify(ctx, p.result.Environment)
	p.result.Verify = report
	return err
}
