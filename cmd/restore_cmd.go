package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/backup"
	"github.com/kebairia/drbackup/internal/operations"
)

var restoreFlags struct {
	tables           []string
	skipRestorePoint bool
	validateOnly     bool
	targetTime       string
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore a backup and its chain onto the configured databases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := backup.RestoreOptions{
			Tables:           restoreFlags.tables,
			SkipRestorePoint: restoreFlags.skipRestorePoint,
			ValidateOnly:     restoreFlags.validateOnly,
		}
		if restoreFlags.targetTime != "" {
			t, err := time.Parse(time.RFC3339, restoreFlags.targetTime)
			if err != nil {
				return fmt.Errorf("--target-time: %w", err)
			}
			opts.TargetTime = &t
		}
		return withManager(cmd, func(ctx context.Context, om *operations.OperationManager) error {
			res, err := om.Restore(ctx, args[0], opts)
			if res != nil && res.RolledBack {
				fmt.Fprintf(cmd.ErrOrStderr(), "restore rolled back to %s\n", res.RestorePoint.ID)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Validated {
				fmt.Fprintf(out, "validated %s\n", strings.Join(res.Chain, " -> "))
				return nil
			}
			fmt.Fprintf(out, "restored %s\n", strings.Join(res.Chain, " -> "))
			if res.RestorePoint != nil {
				fmt.Fprintf(out, "restore point %s\n", res.RestorePoint.ID)
			}
			return nil
		})
	},
}

func init() {
	f := restoreCmd.Flags()
	f.StringSliceVar(&restoreFlags.tables, "tables", nil, "restore only these <database>.<table> units")
	f.BoolVar(&restoreFlags.skipRestorePoint, "skip-restore-point", false, "do not take a safety backup first")
	f.BoolVar(&restoreFlags.validateOnly, "validate-only", false, "download and check the chain without writing")
	f.StringVar(&restoreFlags.targetTime, "target-time", "", "point in time being restored to (RFC 3339), recorded in the audit log")
}
