package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"discburner/internal/api"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue and scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderStatus(status, shouldColorize(cmd.OutOrStdout()), time.Now()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status as JSON")
	return cmd
}

func renderStatus(status api.DaemonStatus, colorize bool, now time.Time) string {
	w := status.Worker
	q := w.Queue
	var b strings.Builder
	line := func(label string, kind statusKind, message string) {
		b.WriteString(renderStatusLine(label, kind, message, colorize))
		b.WriteByte('\n')
	}

	b.WriteString(renderSectionHeader("Daemon", colorize) + "\n")
	if status.Running {
		line("Daemon", statusOK, fmt.Sprintf("running (pid %d)", status.PID))
	} else {
		line("Daemon", statusWarn, "not running")
	}
	switch {
	case w.Paused:
		line("Scheduler", statusWarn, "paused until "+w.PausedUntil)
	case w.Running:
		line("Scheduler", statusOK, "running")
	default:
		line("Scheduler", statusError, "stopped")
	}
	if w.LastCheck != "" {
		line("Last check", statusInfo, w.LastCheck)
	}
	if w.NextCheckIn != nil {
		line("Next check", statusInfo, (time.Duration(*w.NextCheckIn) * time.Second).String())
	} else {
		line("Next check", statusInfo, "catalog polling disabled")
	}
	line("Database", statusInfo, status.DatabasePath)

	b.WriteString("\n" + renderSectionHeader("Queue", colorize) + "\n")
	slotsKind := statusOK
	if q.ActiveSlots >= q.MaxConcurrent && q.MaxConcurrent > 0 {
		slotsKind = statusWarn
	}
	line("Active slots", slotsKind, fmt.Sprintf("%d/%d", q.ActiveSlots, q.MaxConcurrent))
	line("Waiting", statusInfo, fmt.Sprintf("%d pending, %d ready", q.Pending, q.Ready))
	line("In progress", statusInfo, fmt.Sprintf("%d downloading, %d burning, %d verifying", q.Downloading, q.Burning, q.Verifying))
	line("Stage handlers", statusInfo, fmt.Sprintf("%d running", q.Handlers))
	failedKind := statusOK
	if q.Failed > 0 {
		failedKind = statusError
	}
	line("Finished", failedKind, fmt.Sprintf("%d completed, %d failed, %d cancelled", q.Completed, q.Failed, q.Cancelled))

	if w.Storage != nil || w.Downloads != nil {
		b.WriteString("\n" + renderSectionHeader("Storage", colorize) + "\n")
	}
	if st := w.Storage; st != nil {
		line("Stored jobs", statusInfo, fmt.Sprintf("%d (%.2f MB)", st.TotalJobs, st.DatabaseSizeMB))
		backup := "none"
		if st.LastBackup != "" {
			backup = st.LastBackup
		}
		line("Backups", statusInfo, fmt.Sprintf("%d, last %s", st.Backups, backup))
	}
	if d := w.Downloads; d != nil {
		line("Downloads", statusInfo, fmt.Sprintf("%d active, %d finished, %.0f%% ok, %s",
			d.ActiveDownloads, d.CompletedDownloads, d.SuccessRate, humanize.IBytes(uint64(max(d.TotalBytes, 0)))))
	}

	if len(w.Tasks) > 0 {
		b.WriteString("\n")
		rows := make([][]string, 0, len(w.Tasks))
		for _, task := range w.Tasks {
			rows = append(rows, []string{task.Name, task.Interval, relative(task.NextRun, now), relative(task.LastRun, now), task.LastError})
		}
		b.WriteString(renderTable([]string{"Task", "Every", "Next", "Last", "Error"}, rows))
	}
	for _, msg := range w.Errors {
		line("Error", statusError, msg)
	}
	return b.String()
}

func relative(stamp string, now time.Time) string {
	if stamp == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
