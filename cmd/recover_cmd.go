package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/drbackup/internal/operations"
	"github.com/kebairia/drbackup/internal/recovery"
)

var recoverFlags struct {
	windowStart string
	infectedAt  string
	units       []string
	region      string
}

var recoverCmd = &cobra.Command{
	Use:       "recover <scenario>",
	Short:     "Run a disaster recovery procedure",
	Long:      "Scenarios: data_corruption, data_loss, ransomware, regional_failure.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"data_corruption", "data_loss", "ransomware", "regional_failure"},
	RunE: func(cmd *cobra.Command, args []string) error {
		scenario, err := recovery.ParseScenario(args[0])
		if err != nil {
			return err
		}
		inc := recovery.Incident{Units: recoverFlags.units, Region: recoverFlags.region}
		if inc.WindowStart, err = parseTime("--window-start", recoverFlags.windowStart); err != nil {
			return err
		}
		if inc.InfectedAt, err = parseTime("--infected-at", recoverFlags.infectedAt); err != nil {
			return err
		}
		return withManager(cmd, func(ctx context.Context, om *operations.OperationManager) error {
			out, err := om.Recover(ctx, scenario, inc)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s recovered from %s\n", out.Scenario, strings.Join(out.Chain, " -> "))
			if out.Replayed {
				fmt.Fprintln(w, "transaction log replayed")
			}
			if out.Redirected {
				fmt.Fprintln(w, "traffic redirected")
			}
			return nil
		})
	},
}

func parseTime(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", flag, err)
	}
	return t, nil
}

func init() {
	f := recoverCmd.Flags()
	f.StringVar(&recoverFlags.windowStart, "window-start", "", "start of the corruption window (RFC 3339)")
	f.StringVar(&recoverFlags.infectedAt, "infected-at", "", "estimated infection time (RFC 3339)")
	f.StringSliceVar(&recoverFlags.units, "units", nil, "limit a corruption restore to these <database>.<table> units")
	f.StringVar(&recoverFlags.region, "region", "", "the failed region")
}
