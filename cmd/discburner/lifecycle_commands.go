package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"discburner/internal/api"
	"discburner/internal/daemonctl"
)

const (
	startWaitTimeout = 15 * time.Second
	stopGracePeriod  = 20 * time.Second
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			executable, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			return ctx.withClient(func(client *api.Client) error {
				result, err := daemonctl.EnsureStarted(cmd.Context(), client, executable, daemonctl.LaunchOptions{
					ConfigPath: strings.TrimSpace(*ctx.configFlag),
					LogLevel:   logLevel,
				}, startWaitTimeout)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if result.State == daemonctl.StartStateAlreadyRunning {
					fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
					return nil
				}
				fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level for the daemon")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result, err := daemonctl.Stop(cfg.PIDPath(), cfg.LockPath(), stopGracePeriod)
			out := cmd.OutOrStdout()
			switch {
			case errors.Is(err, daemonctl.ErrDaemonNotRunning):
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			case err != nil:
				return err
			case result.ForcedKill:
				fmt.Fprintf(out, "Daemon (pid %d) did not exit in %s and was killed\n", result.PID, stopGracePeriod)
			default:
				fmt.Fprintf(out, "Daemon stopped (pid %d)\n", result.PID)
			}
			return nil
		},
	}
}
