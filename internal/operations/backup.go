package operations

import (
	"context"
	"fmt"

	"github.com/kebairia/drbackup/internal/backup"
	"github.com/kebairia/drbackup/internal/record"
)

// Backup runs one manual backup of the requested type. The returned record
// reflects the effective type, which may differ after a fallback to full.
func (om *OperationManager) Backup(ctx context.Context, typ record.Type) (*record.Record, error) {
	start := om.clock.Now()
	rec, err := om.orch.PerformBackup(ctx, typ, record.TriggerManual)
	if err != nil {
		return rec, fmt.Errorf("backup failed: %w", err)
	}
	om.log.Info("backup finished",
		"backup_id", rec.ID,
		"type", rec.Type,
		"size_bytes", rec.SizeBytes,
		"location", rec.Location,
		"duration", om.clock.Now().Sub(start),
	)
	return rec, nil
}

// Verify verifies the recent backups.
func (om *OperationManager) Verify(ctx context.Context) (*backup.VerifyReport, error) {
	return om.verifier.Run(ctx)
}

// Retention sweeps expired backups, or only plans the sweep when dryRun is
// set.
func (om *OperationManager) Retention(ctx context.Context, dryRun bool) (*backup.RetentionReport, error) {
	now := om.clock.Now()
	if dryRun {
		decisions, err := om.retention.Plan(ctx, now)
		if err != nil {
			return nil, err
		}
		return &backup.RetentionReport{Decisions: decisions}, nil
	}
	return om.retention.Sweep(ctx, now)
}

// List returns every backup record, oldest first.
func (om *OperationManager) List(ctx context.Context) ([]*record.Record, error) {
	return om.repo.ListAll(ctx)
}

// Events returns the newest audit events.
func (om *OperationManager) Events(ctx context.Context, limit int) ([]record.Event, error) {
	return om.repo.Events(ctx, limit)
}
