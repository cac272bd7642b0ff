// Package recovery runs the disaster recovery procedures. Each scenario is
// a fixed sequence of restore, verification and follow-up steps built on
// the backup package.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/kebairia/drbackup/internal/backup"
	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metrics"
	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/repository"
)

var (
	ErrUnknownScenario = errors.New("unknown recovery scenario")
	ErrIncident        = errors.New("incomplete incident description")
	ErrNoCandidate     = errors.New("no backup qualifies for recovery")
	ErrReplay          = errors.New("transaction log replay failed")
	ErrRedirect        = errors.New("traffic redirect failed")
	ErrNotConfigured   = errors.New("recovery step not configured")
)

// Scenario names a disaster recovery procedure.
type Scenario string

const (
	DataCorruption  Scenario = "data_corruption"
	DataLoss        Scenario = "data_loss"
	Ransomware      Scenario = "ransomware"
	RegionalFailure Scenario = "regional_failure"
)

// Scenarios lists every supported scenario.
var Scenarios = []Scenario{DataCorruption, DataLoss, Ransomware, RegionalFailure}

// ParseScenario converts s into a Scenario.
func ParseScenario(s string) (Scenario, error) {
	for _, sc := range Scenarios {
		if string(sc) == s {
			return sc, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScenario, s)
}

// Audit event written when the ransomware procedure raises log verbosity.
const AuditHeightened = "dr.audit_heightened"

// Incident describes what happened. Which fields matter depends on the
// scenario.
type Incident struct {
	DetectedAt time.Time
	// WindowStart is when corruption began (data_corruption).
	WindowStart time.Time
	// InfectedAt is the estimated infection time (ransomware).
	InfectedAt time.Time
	// Units limits a corruption restore to these "<database>.<table>" units.
	Units []string
	// Region is the failed region, passed on to the redirect hook.
	Region string
}

// Outcome is what a recovery did.
type Outcome struct {
	Scenario   Scenario
	BackupID   string
	Chain      []string
	Restore    *backup.RestoreResult
	Verify     *backup.VerifyReport
	Replayed   bool
	Redirected bool
}

// Restorer is the part of backup.Restorer a recovery needs.
type Restorer interface {
	Restore(ctx context.Context, id string, opts backup.RestoreOptions) (*backup.RestoreResult, error)
	Chain(ctx context.Context, id string) ([]*record.Record, error)
}

type Verifier interface {
	Run(ctx context.Context) (*backup.VerifyReport, error)
}

// CommandRunner runs an external command to completion.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execCommand(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Dispatcher runs recovery procedures.
type Dispatcher struct {
	repo     repository.Repository
	restorer Restorer
	verifier Verifier
	replica  Restorer
	redirect notify.Notifier
	notifier notify.Notifier
	log      logger.Logger
	clock    clock.Clock
	cfg      config.RecoveryConfig
	run      CommandRunner
	setLevel func(string) error
}

type Option func(*Dispatcher)

// WithReplica sets the restorer that reads the geo-replicated store and
// writes to the alternate region.
func WithReplica(r Restorer) Option {
	return func(d *Dispatcher) { d.replica = r }
}

// WithRedirect sets the hook called to move traffic after a regional
// failover.
func WithRedirect(n notify.Notifier) Option {
	return func(d *Dispatcher) { d.redirect = n }
}

func WithNotifier(n notify.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithCommandRunner(run CommandRunner) Option {
	return func(d *Dispatcher) { d.run = run }
}

// WithLevelSetter replaces logger.SetLevel.
func WithLevelSetter(set func(string) error) Option {
	return func(d *Dispatcher) { d.setLevel = set }
}

func NewDispatcher(repo repository.Repository, r Restorer, v Verifier, cfg config.RecoveryConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:     repo,
		restorer: r,
		verifier: v,
		cfg:      cfg,
		notifier: notify.Nop(),
		log:      logger.Nop(),
		clock:    clock.WallClock,
		run:      execCommand,
		setLevel: logger.SetLevel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle runs the procedure for scenario. Failures are notified as
// dr.<scenario>.failed and returned with the partial outcome.
func (d *Dispatcher) Handle(ctx context.Context, scenario Scenario, inc Incident) (*Outcome, error) {
	log := d.log.With("scenario", scenario)
	log.Info("recovery started", "detected_at", inc.DetectedAt, "region", inc.Region)

	var (
		out *Outcome
		err error
	)
	switch scenario {
	case DataCorruption:
		out, err = d.dataCorruption(ctx, inc)
	case DataLoss:
		out, err = d.dataLoss(ctx, inc)
	case Ransomware:
		out, err = d.ransomware(ctx, inc)
	case RegionalFailure:
		out, err = d.regionalFailure(ctx, inc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, string(scenario))
	}

	metrics.RecoveriesTotal.WithLabelValues(string(scenario), metrics.Result(err)).Inc()
	data := map[string]any{"scenario": string(scenario)}
	if out != nil {
		data["backup_id"] = out.BackupID
		data["chain"] = out.Chain
	}
	if err != nil {
		data["error"] = err.Error()
		log.Error("recovery failed", "error", err)
		d.notify(ctx, notify.Recovery(string(scenario), "failed"), data)
		return out, err
	}
	log.Info("recovery completed", "backup_id", out.BackupID)
	d.notify(ctx, notify.Recovery(string(scenario), "completed"), data)
	return out, nil
}

func (d *Dispatcher) dataCorruption(ctx context.Context, inc Incident) (*Outcome, error) {
	if inc.WindowStart.IsZero() {
		return nil, fmt.Errorf("%w: corruption window start is required", ErrIncident)
	}
	out := &Outcome{Scenario: DataCorruption}
	rec, chain, err := d.candidate(ctx, d.restorer, inc.Units, func(r *record.Record) bool {
		return r.EndTime.Before(inc.WindowStart)
	})
	if err != nil {
		return out, err
	}
	out.BackupID, out.Chain = rec.ID, chain
	if out.Restore, err = d.restorer.Restore(ctx, rec.ID, backup.RestoreOptions{Tables: inc.Units}); err != nil {
		return out, err
	}
	if out.Verify, err = d.verifier.Run(ctx); err != nil {
		return out, fmt.Errorf("post-restore verification: %w", err)
	}
	return out, nil
}

func (d *Dispatcher) dataLoss(ctx context.Context, _ Incident) (*Outcome, error) {
	out := &Outcome{Scenario: DataLoss}
	rec, chain, err := d.candidate(ctx, d.restorer, nil, nil)
	if err != nil {
		return out, err
	}
	out.BackupID, out.Chain = rec.ID, chain
	if out.Restore, err = d.restorer.Restore(ctx, rec.ID, backup.RestoreOptions{}); err != nil {
		return out, err
	}

	tl := d.cfg.TransactionLog
	if tl.Command == "" {
		d.log.Warn("no transaction log command configured, changes after the backup are lost",
			"backup_id", rec.ID, "end_time", rec.EndTime)
		return out, nil
	}
	since := rec.EndTime.UTC().Format(time.RFC3339)
	args := make([]string, len(tl.Args))
	for i, a := range tl.Args {
		args[i] = strings.ReplaceAll(a, "{since}", since)
	}
	if err := d.run(ctx, tl.Command, args...); err != nil {
		return out, fmt.Errorf("%w: %w", ErrReplay, err)
	}
	out.Replayed = true
	return out, nil
}

func (d *Dispatcher) ransomware(ctx context.Context, inc Incident) (*Outcome, error) {
	if inc.InfectedAt.IsZero() {
		return nil, fmt.Errorf("%w: infection time is required", ErrIncident)
	}
	out := &Outcome{Scenario: Ransomware}
	rec, chain, err := d.candidate(ctx, d.restorer, nil, func(r *record.Record) bool {
		return r.EndTime.Before(inc.InfectedAt)
	})
	if err != nil {
		return out, err
	}
	out.BackupID, out.Chain = rec.ID, chain
	if out.Restore, err = d.restorer.Restore(ctx, rec.ID, backup.RestoreOptions{}); err != nil {
		return out, err
	}

	if err := d.setLevel("debug"); err != nil {
		d.log.Warn("could not raise log level", "error", err)
	}
	payload := map[string]any{
		"backup_id":   rec.ID,
		"infected_at": inc.InfectedAt.UTC(),
		"log_level":   "debug",
	}
	if err := d.repo.Log(context.WithoutCancel(ctx), AuditHeightened, payload, d.clock.Now().UTC()); err != nil {
		d.log.Warn("audit event not recorded", "event", AuditHeightened, "error", err)
	}
	return out, nil
}

func (d *Dispatcher) regionalFailure(ctx context.Context, inc Incident) (*Outcome, error) {
	out := &Outcome{Scenario: RegionalFailure}
	if d.replica == nil {
		return out, fmt.Errorf("%w: no replica store or alternate region", ErrNotConfigured)
	}
	rec, chain, err := d.candidate(ctx, d.replica, nil, nil)
	if err != nil {
		return out, err
	}
	out.BackupID, out.Chain = rec.ID, chain
	out.Restore, err = d.replica.Restore(ctx, rec.ID, backup.RestoreOptions{SkipRestorePoint: true})
	if err != nil {
		return out, err
	}

	if d.redirect == nil {
		d.log.Warn("no redirect webhook configured, traffic must be moved by hand")
		return out, nil
	}
	data := map[string]any{
		"failed_region": inc.Region,
		"backup_id":     rec.ID,
	}
	if err := d.redirect.Notify(ctx, "dr.redirect", data); err != nil {
		return out, fmt.Errorf("%w: %w", ErrRedirect, err)
	}
	out.Redirected = true
	return out, nil
}

// candidate returns the newest verified backup accepted by keep whose
// whole chain is restorable and accepted by keep too. units is the
// restore's unit filter, nil for a whole-state restore.
func (d *Dispatcher) candidate(ctx context.Context, r Restorer, units []string, keep func(*record.Record) bool) (*record.Record, []string, error) {
	all, err := d.repo.ListAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list backups: %w", err)
	}
	for i := len(all) - 1; i >= 0; i-- {
		rec := all[i]
		if rec.Status != record.StatusVerified || rec.EndTime == nil || !covers(rec, units) {
			continue
		}
		if keep != nil && !keep(rec) {
			continue
		}
		chain, err := r.Chain(ctx, rec.ID)
		if err != nil {
			d.log.Debug("candidate skipped", "backup_id", rec.ID, "error", err)
			continue
		}
		ids := make([]string, 0, len(chain))
		ok := true
		for _, c := range chain {
			if keep != nil && (c.EndTime == nil || !keep(c)) {
				ok = false
				break
			}
			ids = append(ids, c.ID)
		}
		if ok {
			return rec, ids, nil
		}
	}
	return nil, nil, ErrNoCandidate
}

// covers reports whether restoring rec brings back everything a restore
// limited to units needs. Snapshots only qualify for a unit-limited restore
// of tables they hold. Restore points are never chosen.
func covers(rec *record.Record, units []string) bool {
	if rec.Trigger == record.TriggerPreRestore {
		return false
	}
	if rec.Type.IncludesFiles() {
		return true
	}
	if len(units) == 0 {
		return false
	}
	for _, u := range units {
		if !slices.Contains(rec.Tables, u) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) notify(ctx context.Context, event string, data map[string]any) {
	if err := d.notifier.Notify(context.WithoutCancel(ctx), event, data); err != nil {
		d.log.Warn("notification failed", "event", event, "error", err)
	}
}
