package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kebairia/drbackup/internal/metrics"
	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/repository"
	"github.com/kebairia/drbackup/internal/storage"
)

const day = 24 * time.Hour

// Decision is the retention verdict for one record.
type Decision struct {
	Record *record.Record
	Keep   bool
	Reason string
}

// RetentionReport summarizes a sweep.
type RetentionReport struct {
	Decisions []Decision
	Deleted   []string
	// Errors maps backup ids to the reason their deletion failed.
	Errors map[string]string
}

// Retention applies the tiered retention policy.
type Retention struct {
	env    Env
	policy record.RetentionPolicy
}

func NewRetention(env Env, policy record.RetentionPolicy) *Retention {
	return &Retention{env: env.withDefaults(), policy: policy}
}

// Plan decides, without changing anything, which records a sweep at now
// would keep. Deleted and running records are left out.
func (r *Retention) Plan(ctx context.Context, now time.Time) ([]Decision, error) {
	all, err := r.env.Repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	now = now.UTC()
	weekly, monthly := representatives(all)
	p := r.policy

	byID := make(map[string]*record.Record, len(all))
	index := make(map[string]int)
	var decisions []Decision
	for _, rec := range all {
		byID[rec.ID] = rec
		switch rec.Status {
		case record.StatusDeleted, record.StatusPending, record.StatusInProgress:
			continue
		}
		ageDays := now.Sub(rec.StartTime).Hours() / 24
		d := Decision{Record: rec}
		switch {
		case ageDays <= float64(p.Daily):
			d.Keep, d.Reason = true, "within daily floor"
		case ageDays > float64(p.Yearly*365):
			d.Reason = "past yearly horizon"
		case ageDays > float64(p.Monthly*30):
			d.Keep = monthly[rec.ID]
			d.Reason = pick(d.Keep, "monthly representative", "past monthly tier")
		case ageDays > float64(p.Weekly*7):
			d.Keep = weekly[rec.ID] || monthly[rec.ID]
			d.Reason = pick(d.Keep, "weekly representative", "past weekly tier")
		case rec.Type != record.TypeFull:
			d.Reason = "non-full past daily floor"
		default:
			d.Keep, d.Reason = true, "full within weekly tier"
		}
		index[rec.ID] = len(decisions)
		decisions = append(decisions, d)
	}

	// Chains: a kept dependent keeps its base unless the base is past the
	// yearly horizon; a dependent whose base goes away goes with it.
	// Records forced out this way never come back. The daily floor is
	// never forced out and pins its whole chain, horizon or not.
	horizon := now.Add(-time.Duration(p.Yearly*365) * day)
	floor := now.Add(-time.Duration(p.Daily) * day)
	pinned := make(map[string]bool)
	for i := range decisions {
		cur := decisions[i].Record
		if cur.StartTime.Before(floor) {
			continue
		}
		for cur.Type.HasBase() && cur.BaseBackupID != "" && !pinned[cur.BaseBackupID] {
			j, ok := index[cur.BaseBackupID]
			if !ok {
				break
			}
			pinned[cur.BaseBackupID] = true
			if !decisions[j].Keep {
				decisions[j].Keep = true
				decisions[j].Reason = "base of " + cur.ID
			}
			cur = decisions[j].Record
		}
	}

	forced := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for i := range decisions {
			d := &decisions[i]
			if !d.Keep || !d.Record.Type.HasBase() || d.Record.BaseBackupID == "" {
				continue
			}
			base, ok := byID[d.Record.BaseBackupID]
			j, decided := index[d.Record.BaseBackupID]
			if !ok || !decided || forced[base.ID] || (base.StartTime.Before(horizon) && !pinned[base.ID]) {
				if !d.Record.StartTime.Before(floor) || pinned[d.Record.ID] {
					continue
				}
				d.Keep = false
				d.Reason = "base " + d.Record.BaseBackupID + " unavailable"
				forced[d.Record.ID] = true
				changed = true
				continue
			}
			if !decisions[j].Keep {
				decisions[j].Keep = true
				decisions[j].Reason = "base of " + d.Record.ID
				changed = true
			}
		}
	}
	return decisions, nil
}

// representatives returns the weekly (first successful backup of each ISO
// week) and monthly (first successful full of each month) representatives.
func representatives(all []*record.Record) (weekly, monthly map[string]bool) {
	ordered := make([]*record.Record, 0, len(all))
	for _, rec := range all {
		if rec.Status.Restorable() {
			ordered = append(ordered, rec)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StartTime.Before(ordered[j].StartTime) })

	weekly, monthly = make(map[string]bool), make(map[string]bool)
	seenWeek, seenMonth := make(map[string]bool), make(map[string]bool)
	for _, rec := range ordered {
		t := rec.StartTime.UTC()
		year, week := t.ISOWeek()
		wk := fmt.Sprintf("%d-W%02d", year, week)
		if !seenWeek[wk] {
			seenWeek[wk] = true
			weekly[rec.ID] = true
		}
		if rec.Type != record.TypeFull {
			continue
		}
		mk := t.Format("2006-01")
		if !seenMonth[mk] {
			seenMonth[mk] = true
			monthly[rec.ID] = true
		}
	}
	return weekly, monthly
}

func pick(keep bool, yes, no string) string {
	if keep {
		return yes
	}
	return no
}

// Sweep applies the plan under the retention lease. A record whose
// deletion fails is reported and the sweep moves on.
func (r *Retention) Sweep(ctx context.Context, now time.Time) (*RetentionReport, error) {
	var report *RetentionReport
	err := r.env.withLease(ctx, LeaseRetention, func(ctx context.Context) error {
		var err error
		report, err = r.sweep(ctx, now)
		return err
	})
	return report, err
}

func (r *Retention) sweep(ctx context.Context, now time.Time) (*RetentionReport, error) {
	env := r.env
	decisions, err := r.Plan(ctx, now)
	if err != nil {
		return nil, err
	}
	report := &RetentionReport{Decisions: decisions, Errors: make(map[string]string)}

	var doomed []*record.Record
	for _, d := range decisions {
		if !d.Keep {
			doomed = append(doomed, d.Record)
		}
	}
	// Newest first so dependents go before their bases.
	sort.SliceStable(doomed, func(i, j int) bool { return doomed[i].StartTime.After(doomed[j].StartTime) })

	var errs []error
	for _, rec := range doomed {
		if err := r.delete(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return report, err
			}
			err = fmt.Errorf("%w: %s: %w", ErrRetention, rec.ID, err)
			env.Logger.Error("retention delete failed", "backup_id", rec.ID, "error", err)
			report.Errors[rec.ID] = err.Error()
			errs = append(errs, err)
			continue
		}
		report.Deleted = append(report.Deleted, rec.ID)
		metrics.RetentionDeletedTotal.Inc()
	}

	env.Logger.Info("retention sweep finished",
		"evaluated", len(decisions),
		"deleted", len(report.Deleted),
		"failed", len(report.Errors),
	)
	data := map[string]any{
		"evaluated": len(decisions),
		"deleted":   report.Deleted,
		"failed":    len(report.Errors),
	}
	env.audit(ctx, notify.RetentionCompleted, data)
	env.notify(ctx, notify.RetentionCompleted, data)
	return report, errors.Join(errs...)
}

// delete removes the blob, then marks the record deleted. The record is
// re-read when it changed since it was listed, so a concurrent verification
// cannot bring it back.
func (r *Retention) delete(ctx context.Context, rec *record.Record) error {
	if rec.Location != "" {
		if err := r.env.Store.Delete(ctx, rec.Location); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	for {
		if rec.Status == record.StatusDeleted {
			return nil
		}
		listed := rec.Status
		if err := rec.Transition(record.StatusDeleted); err != nil {
			return err
		}
		now := r.env.now()
		rec.DeletedAt = &now
		err := r.env.Repo.UpdateIf(ctx, rec, listed)
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
		if rec, err = r.env.Repo.Get(ctx, rec.ID); err != nil {
			return err
		}
	}
}
