// Package output provides terminal output utilities for gpuprov.
//
// This package includes:
//   - Table rendering for run history, run steps and snapshot manifests
//   - A spinner for long-running builds and downloads
//   - Human-readable formatting for durations and dates
//
// Tables use plain column alignment and ANSI colors only when stdout is a
// terminal and NO_COLOR is unset.
package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/gpuprov/internal/store"
)

// ANSI color codes for status display
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
// It checks that os.Stdout is a TTY and that the NO_COLOR env var is not set.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

// colorize wraps text in the given ANSI color code if color is enabled,
// otherwise returns the plain text.
func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// RenderRunTable renders recorded runs, newest first.
func RenderRunTable(runs []*store.Run) string {
	if len(runs) == 0 {
		return "No runs recorded.\n"
	}

	sorted := make([]*store.Run, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.After(sorted[j].StartedAt)
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-8s %-10s %-10s %-15s %-9s %s\n",
		"ID", "Kind", "Status", "Started", "Duration", "Error"))
	sb.WriteString(strings.Repeat("─", 80))
	sb.WriteString("\n")

	for _, run := range sorted {
		status := fmt.Sprintf("%-10s", run.Status)
		sb.WriteString(fmt.Sprintf("%-8s %-10s %s %-15s %-9s %s\n",
			ShortID(run.ID),
			run.Kind,
			colorize(statusColor(run.Status), status),
			formatRelativeTime(run.StartedAt),
			formatRunDuration(run),
			truncate(run.Error, 40)))
	}
	return sb.String()
}

// RenderStepTable renders the steps of one run in declared order.
func RenderStepTable(steps []*store.RunStep) string {
	if len(steps) == 0 {
		return "No steps recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-3s %-24s %-8s %-9s %s\n", "#", "Step", "Status", "Duration", "Detail"))
	sb.WriteString(strings.Repeat("─", 80))
	sb.WriteString("\n")

	for _, s := range steps {
		duration := "-"
		if s.Status != store.StepSkipped {
			duration = formatDuration(s.Duration)
		}
		status := fmt.Sprintf("%-8s", s.Status)
		sb.WriteString(fmt.Sprintf("%-3d %-24s %s %-9s %s\n",
			s.Seq,
			truncate(s.Name, 24),
			colorize(statusColor(s.Status), status),
			duration,
			truncate(firstLine(s.Detail), 40)))
	}
	return sb.String()
}

// ManifestEntry is one row of a snapshot listing.
type ManifestEntry struct {
	Name   string
	Kind   string
	Source string
	Detail string
}

// RenderManifest renders a snapshot header and its artifacts.
func RenderManifest(id string, created time.Time, host string, packages int, entries []ManifestEntry) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Snapshot:  %s\n", id))
	sb.WriteString(fmt.Sprintf("Created:   %s (%s)\n", created.Local().Format("2006-01-02 15:04:05"), formatRelativeTime(created)))
	sb.WriteString(fmt.Sprintf("Host:      %s\n", host))
	sb.WriteString(fmt.Sprintf("Packages:  %s selections\n\n", humanize.Comma(int64(packages))))

	sb.WriteString(fmt.Sprintf("%-20s %-7s %-32s %s\n", "Artifact", "Kind", "Source", "Detail"))
	sb.WriteString(strings.Repeat("─", 80))
	sb.WriteString("\n")
	for _, e := range entries {
		kind := fmt.Sprintf("%-7s", e.Kind)
		if e.Kind == "absent" {
			kind = colorize(colorGray, kind)
		}
		sb.WriteString(fmt.Sprintf("%-20s %s %-32s %s\n", e.Name, kind, truncate(e.Source, 32), e.Detail))
	}
	return sb.String()
}

// RenderSnapshotTable renders snapshot capture records, newest first. Only
// the newest is still on disk; older rows are history.
func RenderSnapshotTable(snaps []*store.Snapshot) string {
	if len(snaps) == 0 {
		return "No snapshots recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-8s %-15s %-9s %s\n", "ID", "Created", "Packages", "Restored"))
	sb.WriteString(strings.Repeat("─", 60))
	sb.WriteString("\n")

	for _, snap := range snaps {
		restored := "never"
		if !snap.RestoredAt.IsZero() {
			restored = formatRelativeTime(snap.RestoredAt)
		}
		sb.WriteString(fmt.Sprintf("%-8s %-15s %-9s %s\n",
			ShortID(snap.ID),
			formatRelativeTime(snap.CreatedAt),
			humanize.Comma(int64(snap.PackageCount)),
			restored))
	}
	return sb.String()
}

func statusColor(status string) string {
	switch status {
	case store.StatusSucceeded, store.StepOK:
		return colorGreen
	case store.StatusFailed:
		return colorRed
	case store.StatusRunning:
		return colorYellow
	default:
		return colorGray
	}
}

func formatRunDuration(run *store.Run) string {
	if run.FinishedAt.IsZero() {
		return "-"
	}
	return formatDuration(run.FinishedAt.Sub(run.StartedAt))
}

// formatDuration renders d compactly: "850ms", "12s", "3m05s", "1h02m".
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// formatRelativeTime converts a timestamp to relative time (e.g., "2 days ago").
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	if time.Since(t) < time.Minute {
		return "just now"
	}
	return humanize.Time(t)
}

// ShortID returns the first eight characters of a run or snapshot ID, enough
// to pass to `history --run`.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
