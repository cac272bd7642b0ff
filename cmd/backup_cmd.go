package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/operations"
	"github.com/kebairia/drbackup/internal/record"
)

var backupType string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up all configured databases and file stores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := record.ParseType(backupType)
		if err != nil {
			return err
		}
		return withManager(cmd, func(ctx context.Context, om *operations.OperationManager) error {
			rec, err := om.Backup(ctx, typ)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", rec.ID, rec.Type, rec.Location)
			return nil
		})
	},
}

func init() {
	backupCmd.Flags().
		StringVarP(&backupType, "type", "t", string(record.TypeFull), "backup type: full, incremental, differential or snapshot")
}
