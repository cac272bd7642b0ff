package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/operations"
)

var listFlags struct {
	json   bool
	events int
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup records, or recent audit events with --events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd, func(ctx context.Context, om *operations.OperationManager) error {
			if listFlags.events > 0 {
				events, err := om.Events(ctx, listFlags.events)
				if err != nil {
					return err
				}
				return operations.WriteEventsTable(cmd.OutOrStdout(), events)
			}
			records, err := om.List(ctx)
			if err != nil {
				return err
			}
			if listFlags.json {
				return operations.WriteRecordsJSON(cmd.OutOrStdout(), records)
			}
			return operations.WriteRecordsTable(cmd.OutOrStdout(), records)
		})
	},
}

func init() {
	listCmd.Flags().BoolVar(&listFlags.json, "json", false, "print records as JSON")
	listCmd.Flags().IntVar(&listFlags.events, "events", 0, "print the newest N audit events instead")
}
