package backup

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/kebairia/drbackup/internal/crypto"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metrics"
	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/repository"
	"github.com/kebairia/drbackup/internal/snapshot"
)

// RestoreOptions tunes a restore.
type RestoreOptions struct {
	// TargetTime is the point in time the caller is after. It is logged
	// and audited only; the chain of the requested backup decides the state.
	TargetTime *time.Time
	// Tables limits the restore to these "<database>.<table>" units.
	Tables []string
	// SkipRestorePoint restores without taking a safety backup first.
	SkipRestorePoint bool
	// ValidateOnly downloads, checks and decodes the chain without writing.
	ValidateOnly bool
}

// RestoreResult describes a finished restore.
type RestoreResult struct {
	Record       *record.Record
	Chain        []string
	RestorePoint *record.Record
	Units        []string
	RolledBack   bool
	Validated    bool
}

// RestoreVerificationError reports a restored state whose logical units do
// not match the backup.
type RestoreVerificationError struct {
	BackupID   string
	Missing    []string
	Unexpected []string
}

func (e *RestoreVerificationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Unexpected, ", "))
	}
	return fmt.Sprintf("%s: %s: %s", ErrRestoreVerification, e.BackupID, strings.Join(parts, "; "))
}

func (e *RestoreVerificationError) Unwrap() error { return ErrRestoreVerification }

// Restorer brings a backup back onto its target.
type Restorer struct {
	env          Env
	orchestrator *Orchestrator
}

// NewRestorer returns a Restorer. Restore points are taken through
// orchestrator, which must share env's repository and store.
func NewRestorer(env Env, orchestrator *Orchestrator) *Restorer {
	return &Restorer{env: env.withDefaults(), orchestrator: orchestrator}
}

// Restore restores backup id under the backup lease.
func (r *Restorer) Restore(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error) {
	var res *RestoreResult
	err := r.env.withLease(ctx, LeaseBackup, func(ctx context.Context) error {
		var err error
		res, err = r.restore(ctx, id, opts)
		return err
	})
	return res, err
}

// Chain returns the records a restore of id would apply, root first.
func (r *Restorer) Chain(ctx context.Context, id string) ([]*record.Record, error) {
	rec, err := r.env.Repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return resolveChain(ctx, r.env.Repo, rec, r.env.Config.MaxChainDepth)
}

func (r *Restorer) restore(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error) {
	env := r.env
	log := env.Logger.With("backup_id", id)
	event := map[string]any{"id": id}
	if opts.Tables != nil {
		event["tables"] = opts.Tables
	}
	if opts.TargetTime != nil {
		event["target_time"] = opts.TargetTime.UTC()
	}
	env.audit(ctx, notify.RestoreStarted, maps.Clone(event))

	res, err := r.perform(ctx, id, opts, log)
	if err != nil {
		metrics.RestoresTotal.WithLabelValues(metrics.ResultFailure).Inc()
		event["error"] = err.Error()
		if res != nil {
			event["rolled_back"] = res.RolledBack
		}
		log.Error("restore failed", "error", err)
		env.audit(ctx, notify.RestoreFailed, event)
		env.notify(ctx, notify.RestoreFailed, event)
		return res, err
	}

	metrics.RestoresTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	event["chain"] = res.Chain
	event["validate_only"] = res.Validated
	if res.RestorePoint != nil {
		event["restore_point"] = res.RestorePoint.ID
	}
	env.audit(ctx, notify.RestoreCompleted, event)
	env.notify(ctx, notify.RestoreCompleted, event)
	log.Info("restore completed", "chain", res.Chain, "validate_only", res.Validated)
	return res, nil
}

func (r *Restorer) perform(ctx context.Context, id string, opts RestoreOptions, log logger.Logger) (*RestoreResult, error) {
	env := r.env
	rec, err := env.Repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	res := &RestoreResult{Record: rec}

	for _, u := range opts.Tables {
		if !contains(rec.Tables, u) {
			return res, fmt.Errorf("%w: %s not in %s", ErrUnknownUnit, u, id)
		}
	}

	chain, err := resolveChain(ctx, env.Repo, rec, env.Config.MaxChainDepth)
	if err != nil {
		return res, err
	}
	for _, c := range chain {
		res.Chain = append(res.Chain, c.ID)
	}

	payloads, err := r.fetch(ctx, chain)
	if err != nil {
		return res, err
	}
	if opts.ValidateOnly {
		res.Validated = true
		return res, nil
	}

	if !opts.SkipRestorePoint {
		kind := record.TypeFull
		if opts.Tables != nil || rec.Type == record.TypeSnapshot {
			kind = record.TypeSnapshot
		}
		rp, err := r.orchestrator.run(ctx, kind, record.TriggerPreRestore)
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrRestorePoint, err)
		}
		res.RestorePoint = rp
		log.Info("restore point created", "restore_point", rp.ID)
	}

	// Live data is about to move back in time; change-based backups must
	// not use a base taken before this point.
	env.audit(ctx, notify.RestoreApplied, map[string]any{"id": id, "chain": res.Chain})

	applyOpts := snapshot.ApplyOptions{Units: opts.Tables}
	if err := applyAll(ctx, env.Target, payloads, applyOpts); err != nil {
		if res.RestorePoint != nil && env.Config.RollbackOnFailure {
			log.Warn("apply failed, rolling back", "error", err, "restore_point", res.RestorePoint.ID)
			if rbErr := r.rollback(ctx, res.RestorePoint, applyOpts); rbErr != nil {
				return res, errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			res.RolledBack = true
		}
		return res, err
	}

	units, err := env.Target.Units(ctx)
	if err != nil {
		return res, err
	}
	res.Units = units
	if verr := checkUnits(rec, opts.Tables, units); verr != nil {
		return res, verr
	}
	return res, nil
}

// fetch downloads every blob of the chain and checks all checksums before
// anything is decrypted.
func (r *Restorer) fetch(ctx context.Context, chain []*record.Record) ([]*snapshot.Payload, error) {
	blobs := make([][]byte, len(chain))
	for i, c := range chain {
		blob, err := r.env.Store.Get(ctx, c.Location)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", c.ID, err)
		}
		if sum := crypto.Checksum(blob); sum != c.Checksum {
			return nil, fmt.Errorf("%w: %s: checksum %s, recorded %s", ErrIntegrity, c.ID, sum, c.Checksum)
		}
		blobs[i] = blob
	}
	payloads := make([]*snapshot.Payload, len(chain))
	for i, c := range chain {
		p, err := open(r.env.Crypto, c, blobs[i])
		if err != nil {
			return nil, err
		}
		payloads[i] = p
	}
	return payloads, nil
}

func (r *Restorer) rollback(ctx context.Context, rp *record.Record, opts snapshot.ApplyOptions) error {
	payloads, err := r.fetch(ctx, []*record.Record{rp})
	if err != nil {
		return err
	}
	return applyAll(ctx, r.env.Target, payloads, opts)
}

func applyAll(ctx context.Context, target *snapshot.Target, payloads []*snapshot.Payload, opts snapshot.ApplyOptions) error {
	for _, p := range payloads {
		if err := target.Apply(ctx, p, opts); err != nil {
			return err
		}
	}
	return nil
}

// open decrypts and decodes a downloaded blob.
func open(engine *crypto.Engine, rec *record.Record, blob []byte) (*snapshot.Payload, error) {
	plain, err := engine.Decrypt(blob, rec.SaltHex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rec.ID, err)
	}
	p, err := snapshot.Decode(plain)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rec.ID, err)
	}
	return p, nil
}

// checkUnits compares the units present after a restore with the backup:
// equal sets for a whole restore, inclusion for a partial one.
func checkUnits(rec *record.Record, requested, actual []string) error {
	expected := rec.Tables
	if requested != nil {
		expected = requested
	}
	verr := &RestoreVerificationError{BackupID: rec.ID}
	for _, u := range expected {
		if !contains(actual, u) {
			verr.Missing = append(verr.Missing, u)
		}
	}
	if requested == nil {
		for _, u := range actual {
			if !contains(expected, u) {
				verr.Unexpected = append(verr.Unexpected, u)
			}
		}
	}
	if len(verr.Missing) == 0 && len(verr.Unexpected) == 0 {
		return nil
	}
	sort.Strings(verr.Missing)
	sort.Strings(verr.Unexpected)
	return verr
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
