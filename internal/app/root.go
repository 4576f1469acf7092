package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logFile    string
	stateDir   string
	timeout    time.Duration

	// RootCmd is the root command for gpuprov
	RootCmd = &cobra.Command{
		Use:   "gpuprov",
		Short: "GPU driver installer and ML environment provisioner",
		Long: `gpuprov prepares an Ubuntu machine for GPU machine-learning work.

The driver command snapshots package selections, APT sources and the system
environment file, then installs the vendor GPU compute runtime. If anything
goes wrong, 'gpuprov driver --rollback' restores the snapshot.

The provision command creates a Python virtual environment and installs the
ML framework and vision library into it, preferring prebuilt wheels and
falling back to source builds, then checks that the framework sees the GPU.

Quick Start:
  1. sudo gpuprov driver
  2. Reboot
  3. gpuprov provision

Examples:
  # Preview the driver install without changing anything
  gpuprov driver --dry-run

  # Undo the last driver install
  sudo gpuprov driver --rollback

  # Show what the current snapshot holds
  gpuprov snapshot show

  # Review recent runs
  gpuprov history`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "gpuprov: GPU driver installer and ML environment provisioner")
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "Run 'gpuprov driver' to install the GPU runtime.")
			fmt.Fprintln(cmd.OutOrStdout(), "Run 'gpuprov --help' for the full reference.")
			return nil
		},
	}
)

func init() {
	// Global flags
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: /etc/gpuprov/config.toml)")
	RootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file path (overrides paths.log_file)")
	RootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory for snapshots, history and caches (overrides paths.state_dir)")
	RootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "abort the run after this long (0 means no limit)")

	RootCmd.SuggestionsMinimumDistance = 2
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running
// pipeline at its next step boundary or command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return RootCmd.ExecuteContext(ctx)
}
