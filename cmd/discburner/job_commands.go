package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"discburner/internal/api"
	"discburner/internal/queue"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var status string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List burn jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if _, ok := queue.ParseStatus(status); !ok {
					return fmt.Errorf("unknown status %q", status)
				}
			}
			return ctx.withClient(func(client *api.Client) error {
				jobs, err := client.ListJobs(cmd.Context(), status)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, jobs)
				}
				out := cmd.OutOrStdout()
				if len(jobs) == 0 {
					fmt.Fprintln(out, "No jobs")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Name", "Status", "Progress", "Media", "Retries", "Updated"},
					buildJobRows(jobs, shouldColorize(out)),
					3, 5,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "Only list jobs in this status")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print jobs as JSON")
	return cmd
}

func buildJobRows(jobs []api.JobView, colorize bool) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		status := job.Status
		if colorize {
			if color := statusKindColor(jobStatusKind(status)); color != "" {
				status = color + status + ansiReset
			}
		}
		media := job.MediaType
		if media == "" {
			media = "-"
		}
		rows = append(rows, []string{
			shortID(job.ID),
			truncate(job.Name, 40),
			status,
			fmt.Sprintf("%.0f%%", job.Progress),
			media,
			fmt.Sprintf("%d", job.RetryCount),
			job.UpdatedAt,
		})
	}
	return rows
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show details for one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				job, err := client.GetJob(cmd.Context(), args[0])
				if api.IsNotFound(err) {
					return fmt.Errorf("job %s not found", args[0])
				}
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, job)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderJobDetail(job))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the job as JSON")
	return cmd
}

func renderJobDetail(job api.JobView) string {
	rows := [][]string{
		{"ID", job.ID},
		{"Name", job.Name},
		{"Status", job.Status},
		{"Progress", fmt.Sprintf("%.1f%%", job.Progress)},
		{"Source", job.SourceID},
	}
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			rows = append(rows, []string{label, value})
		}
	}
	add("Filename", job.Filename)
	if job.FileSize > 0 {
		add("Size", humanize.IBytes(uint64(job.FileSize)))
	}
	add("Download URL", job.DownloadURL)
	add("Checksum", job.Checksum)
	add("Patient", job.PatientName)
	add("Patient ID", job.PatientID)
	add("Study", job.StudyDescription)
	add("Study date", job.StudyDateTime)
	if job.DiscClass != "" {
		add("Media", fmt.Sprintf("%s (%s)", job.MediaType, job.DiscClass))
	}
	add("Image", job.ImagePath)
	add("Control file", job.ControlFilePath)
	add("Error", job.ErrorMessage)
	rows = append(rows,
		[]string{"Retries", fmt.Sprintf("%d", job.RetryCount)},
		[]string{"Notified", yesNo(job.NotificationSent)},
	)
	add("Created", job.CreatedAt)
	add("Updated", job.UpdatedAt)
	return renderTable([]string{"Field", "Value"}, rows)
}

func newAddCommand(ctx *commandContext) *cobra.Command {
	var src queue.SourceMetadata
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue an image manually",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(src.ID) == "" || strings.TrimSpace(src.DownloadURL) == "" {
				return fmt.Errorf("--id and --url are required")
			}
			return ctx.withClient(func(client *api.Client) error {
				job, err := client.AddJob(cmd.Context(), api.AddJobRequest{Source: src})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s for %s\n", job.ID, job.SourceID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&src.ID, "id", "", "Catalog image id")
	cmd.Flags().StringVar(&src.DownloadURL, "url", "", "Image download URL")
	cmd.Flags().Int64Var(&src.FileSize, "size", 0, "Image size in bytes, if known")
	cmd.Flags().StringVar(&src.Checksum, "checksum", "", "Expected checksum as algo:hex (md5, sha1 or sha256)")
	cmd.Flags().StringVar(&src.Filename, "name", "", "Image file name")
	cmd.Flags().StringVar(&src.PatientName, "patient", "", "Patient name printed on the label")
	cmd.Flags().StringVar(&src.PatientID, "patient-id", "", "Patient identifier")
	cmd.Flags().StringVar(&src.StudyDescription, "study", "", "Study description")
	cmd.Flags().StringVar(&src.StudyDateTime, "study-date", "", "Study date and time")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.CancelJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s\n", args[0], resp.Message)
				return nil
			})
		},
	}
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.RetryJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s\n", args[0], resp.Message)
				return nil
			})
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
