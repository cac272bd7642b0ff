package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/kebairia/drbackup/internal/crypto"
	"github.com/kebairia/drbackup/internal/metrics"
	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/repository"
	"github.com/kebairia/drbackup/internal/snapshot"
)

// Orchestrator creates backups.
type Orchestrator struct {
	env Env
}

func NewOrchestrator(env Env) *Orchestrator {
	return &Orchestrator{env: env.withDefaults()}
}

// PerformBackup runs one backup of type typ under the backup lease. The
// returned record reflects the persisted state even when err is non-nil.
func (o *Orchestrator) PerformBackup(ctx context.Context, typ record.Type, trigger record.Trigger) (*record.Record, error) {
	var rec *record.Record
	err := o.env.withLease(ctx, LeaseBackup, func(ctx context.Context) error {
		var err error
		rec, err = o.run(ctx, typ, trigger)
		return err
	})
	return rec, err
}

// run performs a backup without taking the lease; callers hold it.
func (o *Orchestrator) run(ctx context.Context, typ record.Type, trigger record.Trigger) (*record.Record, error) {
	env := o.env
	typ, base, err := o.resolveBase(ctx, typ)
	if err != nil {
		return nil, err
	}

	start := env.now()
	rec := record.New(typ, trigger, start)
	if base != nil {
		rec.BaseBackupID = base.ID
	}
	log := env.Logger.With("backup_id", rec.ID, "type", typ, "trigger", trigger)

	if err := env.Repo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	if err := rec.Transition(record.StatusInProgress); err != nil {
		return rec, err
	}
	if err := env.Repo.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("update record: %w", err)
	}
	log.Info("backup started", "base", rec.BaseBackupID)

	if err := o.execute(ctx, rec, base); err != nil {
		o.fail(ctx, rec, err)
		return rec, err
	}

	duration := rec.EndTime.Sub(rec.StartTime)
	metrics.BackupsTotal.WithLabelValues(string(typ), metrics.ResultSuccess).Inc()
	metrics.BackupDuration.WithLabelValues(string(typ)).Observe(duration.Seconds())
	metrics.BackupSizeBytes.WithLabelValues(string(typ)).Set(float64(rec.SizeBytes))
	metrics.LastSuccessTimestamp.WithLabelValues(string(typ)).Set(float64(rec.EndTime.Unix()))
	log.Info("backup completed", "size", rec.SizeBytes, "location", rec.Location, "duration", duration.String())

	data := summary(rec)
	env.audit(ctx, notify.BackupCompleted, data)
	env.notify(ctx, notify.BackupCompleted, data)
	return rec, nil
}

// resolveBase picks the base of a change-based backup. Without a usable
// base the backup is promoted to full.
func (o *Orchestrator) resolveBase(ctx context.Context, typ record.Type) (record.Type, *record.Record, error) {
	if !typ.HasBase() {
		return typ, nil, nil
	}
	candidates := []record.Type{record.TypeFull, record.TypeIncremental, record.TypeDifferential}
	if typ == record.TypeDifferential {
		candidates = []record.Type{record.TypeFull}
	}

	base, err := o.env.Repo.LatestSuccessful(ctx, candidates...)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return o.fallback(ctx, typ, "no completed base backup", "")
	case err != nil:
		return "", nil, fmt.Errorf("find base for %s backup: %w", typ, err)
	}

	restored, err := o.restoredSince(ctx, base)
	if err != nil {
		return "", nil, err
	}
	if restored {
		return o.fallback(ctx, typ, "restore applied after base", base.ID)
	}

	chain, err := resolveChain(ctx, o.env.Repo, base, o.env.Config.MaxChainDepth)
	if err != nil {
		return o.fallback(ctx, typ, err.Error(), base.ID)
	}
	if len(chain)+1 > o.env.Config.MaxChainDepth {
		return o.fallback(ctx, typ, "chain depth limit reached", base.ID)
	}
	return typ, base, nil
}

// restoredSince reports whether a restore was applied after base started.
// Restored rows keep their original timestamps, so a delta against base
// would miss them.
func (o *Orchestrator) restoredSince(ctx context.Context, base *record.Record) (bool, error) {
	e, err := o.env.Repo.LatestEvent(ctx, notify.RestoreApplied)
	if errors.Is(err, repository.ErrNoEvent) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find last restore: %w", err)
	}
	return e.Timestamp.After(base.StartTime), nil
}

func (o *Orchestrator) fallback(ctx context.Context, typ record.Type, reason, baseID string) (record.Type, *record.Record, error) {
	o.env.Logger.Warn("falling back to full backup", "requested", typ, "reason", reason, "base", baseID)
	o.env.audit(ctx, notify.BackupFallback, map[string]any{
		"requested": string(typ),
		"reason":    reason,
		"base":      baseID,
	})
	return record.TypeFull, nil, nil
}

func (o *Orchestrator) execute(ctx context.Context, rec *record.Record, base *record.Record) error {
	env := o.env
	req := snapshot.Request{Type: rec.Type, Now: rec.StartTime}
	if base != nil {
		req.Since = *base.EndTime
	}
	payload, err := env.Target.Build(ctx, req)
	if err != nil {
		return err
	}
	rec.Tables = payload.Manifest.Units()

	plain, err := snapshot.Encode(payload)
	if err != nil {
		return err
	}
	blob, saltHex, err := env.Crypto.Encrypt(plain)
	if err != nil {
		return err
	}
	rec.SaltHex = saltHex
	rec.Checksum = crypto.Checksum(blob)
	rec.SizeBytes = int64(len(blob))

	key := fmt.Sprintf("%s/%d/%s.bin", env.Config.Prefix, rec.StartTime.Year(), rec.ID)
	if err := env.Store.Put(ctx, key, blob, env.Put); err != nil {
		return err
	}
	rec.Location = key
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	if err := rec.Complete(env.now()); err != nil {
		return err
	}
	if err := env.Repo.Update(ctx, rec); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

// fail persists the failure with a context that survives cancellation of
// the run.
func (o *Orchestrator) fail(ctx context.Context, rec *record.Record, cause error) {
	env := o.env
	persistCtx := context.WithoutCancel(ctx)
	log := env.Logger.With("backup_id", rec.ID, "type", rec.Type)

	if rec.Status == record.StatusCompleted {
		// The final update failed; the stored record still says in progress.
		rec.Status = record.StatusInProgress
		rec.EndTime = nil
	}
	if err := rec.Fail(env.now(), cause); err != nil {
		log.Error("cannot mark backup failed", "error", err)
	} else if err := env.Repo.Update(persistCtx, rec); err != nil {
		log.Error("cannot persist failed backup", "error", err)
	}

	metrics.BackupsTotal.WithLabelValues(string(rec.Type), metrics.ResultFailure).Inc()
	log.Error("backup failed", "error", cause)
	data := summary(rec)
	env.audit(ctx, notify.BackupFailed, data)
	env.notify(ctx, notify.BackupFailed, data)
}

func summary(rec *record.Record) map[string]any {
	data := map[string]any{
		"id":      rec.ID,
		"type":    string(rec.Type),
		"status":  string(rec.Status),
		"trigger": string(rec.Trigger),
		"start":   rec.StartTime,
	}
	if rec.EndTime != nil {
		data["end"] = *rec.EndTime
	}
	if rec.BaseBackupID != "" {
		data["base"] = rec.BaseBackupID
	}
	if rec.SizeBytes > 0 {
		data["size_bytes"] = rec.SizeBytes
	}
	if rec.Location != "" {
		data["location"] = rec.Location
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	return data
}
