package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/gpuprov/internal/fetch"
	"github.com/blackwell-systems/gpuprov/internal/provision"
	"github.com/blackwell-systems/gpuprov/internal/store"
)

var provisionFlagDryRun bool

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the ML environment and install the framework",
	Long: `Create a Python virtual environment and install the ML framework into it.

The framework core is installed from the accelerator wheel index; the vision
library from a prebuilt wheel download. Either falls back to a source build
when its prebuilt source fails. A smoke check inside the environment then
confirms the framework imports and sees the GPU.

An existing environment at the configured path is reused.`,
	Example: `  gpuprov provision
  gpuprov provision --dry-run
  gpuprov provision --config ./gpuprov.toml`,
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().BoolVar(&provisionFlagDryRun, "dry-run", false, "Log commands without running them")

	RootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) (err error) {
	s, ctx, err := openSession(cmd.Context(), cmd.OutOrStdout(), store.KindProvision, provisionFlagDryRun)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.finish(err); cerr != nil && err == nil {
			err = cerr
		}
	}()

	p := provision.New(s.cfg, s.runner, fetch.New(s.log), s.store, cmd.OutOrStdout(), s.log)
	p.SetDryRun(s.dryRun)
	return provisionEnvironment(ctx, cmd.OutOrStdout(), p)
}

func provisionEnvironment(ctx context.Context, out io.Writer, p *provision.Pipeline) error {
	res, err := p.Run(ctx)
	if res != nil && res.Report != nil {
		fmt.Fprintf(out, "\nSteps: %s\n", res.Report.Summary())
	}
	if err != nil {
		return err
	}

	if res.Core != nil && res.Vision != nil {
		fmt.Fprintf(out, "  %-12s via %s\n", res.Core.Component, res.Core.Strategy)
		fmt.Fprintf(out, "  %-12s via %s\n", res.Vision.Component, res.Vision.Strategy)
	}
	if res.Verify != nil && res.Verify.AcceleratorAvailable {
		fmt.Fprintf(out, "  %-12s %s\n", "device", res.Verify.DeviceName)
	}
	if res.Environment != nil {
		fmt.Fprintf(out, "\n✓ Activate with: source %s/bin/activate\n", res.Environment.Path)
	}
	return nil
}
