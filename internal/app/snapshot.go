package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/gpuprov/internal/logging"
	"github.com/blackwell-systems/gpuprov/internal/output"
	"github.com/blackwell-systems/gpuprov/internal/snapshots"
	"github.com/blackwell-systems/gpuprov/internal/store"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect the rollback snapshot",
	Long: `Inspect the snapshot taken before the last driver install.

Only one snapshot is kept on disk; each driver install replaces it. Past
captures stay listed in the run history database.`,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the artifacts in the current snapshot",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotShow,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded snapshot captures",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotList,
}

func init() {
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotListCmd)

	RootCmd.AddCommand(snapshotCmd)
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mgr := snapshots.New(nil, cfg.SnapshotDir(), snapshots.Paths{}, nil, logging.Discard())
	snap, err := mgr.Load()
	if errors.Is(err, snapshots.ErrNoSnapshot) {
		fmt.Fprintf(cmd.OutOrStdout(), "No snapshot found at %s.\n", cfg.SnapshotDir())
		fmt.Fprintln(cmd.OutOrStdout(), "\nA snapshot is taken automatically by 'gpuprov driver'.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	out := cmd.OutOrStdout()
	m := snap.Manifest
	fmt.Fprint(out, output.RenderManifest(m.SnapshotID, m.CreatedAt, m.Host, m.PackageCount, manifestEntries(snap)))

	// The history database is optional here; the manifest alone is enough.
	if _, err := os.Stat(cfg.DBPath()); err == nil {
		st, err := store.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()
		if rec, err := st.GetSnapshot(m.SnapshotID); err == nil && !rec.RestoredAt.IsZero() {
			fmt.Fprintf(out, "\nLast restored %s.\n", humanize.Time(rec.RestoredAt))
		}
	}
	return nil
}

func manifestEntries(snap *snapshots.Snapshot) []output.ManifestEntry {
	artifacts := append([]snapshots.Artifact(nil), snap.Manifest.Artifacts...)
	sort.SliceStable(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })

	entries := make([]output.ManifestEntry, 0, len(artifacts))
	for _, a := range artifacts {
		e := output.ManifestEntry{Name: a.Name, Kind: string(a.Kind), Source: a.Source}
		switch a.Kind {
		case snapshots.KindFile:
			e.Detail = fmt.Sprintf("%04o sha256:%s", a.Mode, shortHash(a.SHA256))
		case snapshots.KindDir:
			e.Detail = fmt.Sprintf("%d files", len(a.Files))
		case snapshots.KindAbsent:
			e.Detail = "removed on restore"
		}
		entries = append(entries, e)
	}
	return entries
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openHistory(cmd.OutOrStdout(), cfg.DBPath())
	if st == nil || err != nil {
		return err
	}
	defer st.Close()

	snaps, err := st.ListSnapshots()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), output.RenderSnapshotTable(snaps))
	return nil
}

// openHistory opens the run history database if it exists. A missing
// database is reported on out and yields a nil store without error.
func openHistory(out io.Writer, dbPath string) (*store.Store, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No history yet (%s does not exist).\n", dbPath)
		return nil, nil
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}
