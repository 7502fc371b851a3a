package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"discburner/internal/api"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Poll the catalog for new images now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.TriggerCheck(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case resp.Message != "":
					fmt.Fprintln(out, resp.Message)
				case resp.OK:
					fmt.Fprintln(out, "New images queued")
				default:
					fmt.Fprintln(out, "No new images")
				}
				return nil
			})
		},
	}
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching and polling for a while",
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes <= 0 {
				return fmt.Errorf("--minutes must be positive")
			}
			return ctx.withClient(func(client *api.Client) error {
				resp, err := client.Pause(cmd.Context(), minutes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Paused until %s\n", resp.PausedUntil)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&minutes, "minutes", "m", 60, "Pause duration in minutes")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatching and polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *api.Client) error {
				if _, err := client.Resume(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Scheduler resumed")
				return nil
			})
		},
	}
}
