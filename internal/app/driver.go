package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/gpuprov/internal/apt"
	"github.com/blackwell-systems/gpuprov/internal/driver"
	"github.com/blackwell-systems/gpuprov/internal/fetch"
	"github.com/blackwell-systems/gpuprov/internal/output"
	"github.com/blackwell-systems/gpuprov/internal/snapshots"
	"github.com/blackwell-systems/gpuprov/internal/store"
)

var (
	driverFlagRollback bool
	driverFlagDryRun   bool
	driverFlagYes      bool
)

var driverCmd = &cobra.Command{
	Use:   "driver",
	Short: "Install the GPU compute runtime, or roll it back",
	Long: `Install the vendor GPU compute runtime from its APT repository.

Before any change, the current package selections, APT sources and system
environment file are captured to a snapshot. The install then refreshes the
package index, installs kernel headers, registers the vendor repository,
installs the runtime packages, adds the invoking user to the GPU groups,
extends the system environment file and runs the vendor verification tools.
The first failing step stops the run.

With --rollback, the snapshot is restored instead and nothing is installed.
Either way a reboot is needed afterwards.

Must be run as root unless --dry-run is given.`,
	Example: `  sudo gpuprov driver              # Snapshot, then install
  sudo gpuprov driver --yes        # Install without confirmation
  gpuprov driver --dry-run         # Show the commands without running them
  sudo gpuprov driver --rollback   # Restore the last snapshot`,
	RunE: runDriver,
}

func init() {
	driverCmd.Flags().BoolVar(&driverFlagRollback, "rollback", false, "Restore the last snapshot instead of installing")
	driverCmd.Flags().BoolVar(&driverFlagDryRun, "dry-run", false, "Log commands and file changes without making them")
	driverCmd.Flags().BoolVar(&driverFlagYes, "yes", false, "Skip confirmation prompt")

	RootCmd.AddCommand(driverCmd)
}

func runDriver(cmd *cobra.Command, args []string) (err error) {
	if !driverFlagDryRun && geteuid() != 0 {
		return fmt.Errorf("gpuprov driver must be run as root (try sudo, or --dry-run to preview)")
	}

	kind := store.KindDriver
	prompt := "Install the GPU runtime? A snapshot of the current state is taken first."
	if driverFlagRollback {
		kind = store.KindRollback
		prompt = "Restore the last snapshot? Packages installed since will be removed."
	}
	if !driverFlagDryRun && !driverFlagYes {
		if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt) {
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
			return nil
		}
	}

	s, ctx, err := openSession(cmd.Context(), cmd.OutOrStdout(), kind, driverFlagDryRun)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.finish(err); cerr != nil && err == nil {
			err = cerr
		}
	}()

	installer := newDriverInstaller(s)
	if driverFlagRollback {
		return rollbackDriver(ctx, cmd.OutOrStdout(), installer)
	}
	return installDriver(ctx, cmd.OutOrStdout(), installer)
}

func newDriverInstaller(s *session) *driver.Installer {
	paths := snapshots.Paths{
		SourcesList:     s.cfg.Paths.SourcesList,
		SourcesListDir:  s.cfg.Paths.SourcesListDir,
		EnvironmentFile: s.cfg.Paths.EnvironmentFile,
	}
	snaps := snapshots.New(s.store, s.cfg.SnapshotDir(), paths, apt.New(s.runner), s.log)
	installer := driver.New(s.cfg, s.runner, fetch.New(s.log), snaps, s.store, s.log)
	installer.SetDryRun(s.dryRun)
	return installer
}

func installDriver(ctx context.Context, out io.Writer, installer *driver.Installer) error {
	res, err := installer.Run(ctx)
	if res != nil && res.Report != nil {
		fmt.Fprintf(out, "\nSteps: %s\n", res.Report.Summary())
	}
	if res != nil && res.Snapshot != nil {
		fmt.Fprintf(out, "Snapshot %s saved to %s\n", output.ShortID(res.Snapshot.Manifest.SnapshotID), res.Snapshot.Dir)
	}
	if err != nil {
		if res != nil && res.Snapshot != nil {
			fmt.Fprintln(out, "Run 'gpuprov driver --rollback' to restore the previous state.")
		}
		return err
	}
	if res.Snapshot != nil {
		fmt.Fprintln(out, "\n⚠  Reboot to finish the install.")
	}
	return nil
}

func rollbackDriver(ctx context.Context, out io.Writer, installer *driver.Installer) error {
	res, err := installer.Rollback(ctx)
	if res != nil && res.Report != nil {
		fmt.Fprintf(out, "\nSteps: %s\n", res.Report.Summary())
	}
	if err != nil {
		return err
	}
	if res.RebootRequired {
		fmt.Fprintf(out, "\n✓ Restored snapshot %s\n", output.ShortID(res.SnapshotID))
		fmt.Fprintln(out, "⚠  Reboot to finish the rollback.")
	}
	return nil
}
