package cmd

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled backups, verification and retention until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd.Context())
		if err != nil {
			return err
		}
		defer om.Close()
		return om.Serve(cmd.Context())
	},
}
