package operations

import (
	"context"
	"fmt"

	"github.com/kebairia/drbackup/internal/backup"
	"github.com/kebairia/drbackup/internal/recovery"
)

// Restore restores backup id with its chain onto the configured target.
func (om *OperationManager) Restore(ctx context.Context, id string, opts backup.RestoreOptions) (*backup.RestoreResult, error) {
	res, err := om.restorer.Restore(ctx, id, opts)
	if err != nil {
		return res, fmt.Errorf("restore failed: %w", err)
	}
	return res, nil
}

// Recover runs the disaster recovery procedure for scenario.
func (om *OperationManager) Recover(ctx context.Context, scenario recovery.Scenario, inc recovery.Incident) (*recovery.Outcome, error) {
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = om.clock.Now().UTC()
	}
	return om.dispatcher.Handle(ctx, scenario, inc)
}
