package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/gpuprov/internal/output"
	"github.com/blackwell-systems/gpuprov/internal/store"
)

var (
	historyFlagLimit int
	historyFlagRun   string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs and their steps",
	Long: `Show past driver, rollback and provision runs, newest first.

With --run, show the steps of one run: which succeeded, which failed and
with what error, and which were skipped after the failure.`,
	Example: `  gpuprov history
  gpuprov history --limit 5
  gpuprov history --run 3f2a9c1e`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyFlagLimit, "limit", 20, "Maximum number of runs to show (0 for all)")
	historyCmd.Flags().StringVar(&historyFlagRun, "run", "", "Show the steps of the run with this ID or ID prefix")

	RootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openHistory(cmd.OutOrStdout(), cfg.DBPath())
	if st == nil || err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	if historyFlagRun == "" {
		runs, err := st.ListRuns(historyFlagLimit)
		if err != nil {
			return err
		}
		fmt.Fprint(out, output.RenderRunTable(runs))
		if len(runs) > 0 {
			fmt.Fprintln(out, "\nShow steps with: gpuprov history --run <id>")
		}
		return nil
	}

	run, err := st.GetRunByPrefix(historyFlagRun)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no run matches %q\n\nRun 'gpuprov history' to see recorded runs", historyFlagRun)
	}
	if err != nil {
		return err
	}
	steps, err := st.GetRunSteps(run.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Run %s (%s, %s)\n", run.ID, run.Kind, run.Status)
	if run.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, output.RenderStepTable(steps))
	return nil
}
