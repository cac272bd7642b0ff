package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/operations"
)

var retentionDryRun bool

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Delete backups that fall outside the retention policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, om *operations.OperationManager) error {
			report, err := om.Retention(ctx, retentionDryRun)
			if report == nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, d := range report.Decisions {
				verdict := "keep"
				if !d.Keep {
					verdict = "delete"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Record.ID, verdict, d.Reason)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !retentionDryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d, failed %d\n", len(report.Deleted), len(report.Errors))
			}
			return err
		})
	},
}

func init() {
	retentionCmd.Flags().BoolVar(&retentionDryRun, "dry-run", false, "show the decisions without deleting anything")
}
