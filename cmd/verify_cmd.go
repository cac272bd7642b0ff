package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/operations"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of recent backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, om *operations.OperationManager) error {
			report, err := om.Verify(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checked %d, verified %d, failed %d\n",
				report.Checked, len(report.Verified), len(report.Failed))
			ids := make([]string, 0, len(report.Failed))
			for id := range report.Failed {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(out, "FAILED %s: %s\n", id, report.Failed[id])
			}
			if len(ids) > 0 {
				return fmt.Errorf("%d backups failed verification", len(ids))
			}
			return nil
		})
	},
}
