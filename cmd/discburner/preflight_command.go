package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"discburner/internal/preflight"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check directories, templates, database and catalog access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := preflight.RunAll(cmd.Context(), cfg)
			if !cfg.CatalogConfigured() {
				results = append(results, preflight.CheckCatalogFromConfig(cmd.Context(), cfg))
			}
			results = append(results, preflight.CheckNotificationsFromConfig(cfg))

			if asJSON {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, r := range results {
					kind := statusOK
					if !r.Passed {
						kind = statusError
					}
					fmt.Fprintln(out, renderStatusLine(r.Name, kind, r.Detail, colorize))
				}
			}

			failed := preflight.Failed(results)
			if len(failed) == 0 {
				return nil
			}
			names := make([]string, 0, len(failed))
			for _, r := range failed {
				names = append(names, r.Name)
			}
			return fmt.Errorf("%d preflight check(s) failed: %s", len(failed), strings.Join(names, ", "))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}
