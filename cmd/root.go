package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/operations"
)

// ConfigFile is the path to the YAML configuration.
var (
	ConfigFile string
	// rootCmd is the base command for drbackup.
	rootCmd = &cobra.Command{
		Use:   "drbackup",
		Short: "Backup and disaster recovery for databases and object stores",
		Long: `drbackup takes encrypted full, incremental, differential and snapshot
backups of the configured databases and file stores, verifies them, expires
them under a tiered retention policy, restores them and runs disaster
recovery procedures, based on your YAML configuration file.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logger.Cleanup()
	if err != nil {
		os.Exit(1)
	}
}

// newManager loads the config, initializes the process logger from it and
// builds the operation manager.
func newManager(ctx context.Context) (*operations.OperationManager, error) {
	return operations.NewOperationManager(ctx, ConfigFile, nil)
}

// withManager runs fn with a manager bounded by the configured run timeout.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, om *operations.OperationManager) error) error {
	om, err := newManager(cmd.Context())
	if err != nil {
		return err
	}
	defer om.Close()

	ctx := cmd.Context()
	if timeout := om.Config().Backup.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, om)
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "./configs/config.yaml", "path to YAML config file")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(serveCmd)
}
