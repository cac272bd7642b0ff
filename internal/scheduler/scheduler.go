// Package scheduler triggers backups, verification and retention on cron
// expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"

	"github.com/kebairia/drbackup/internal/backup"
	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/metrics"
	"github.com/kebairia/drbackup/internal/record"
)

var ErrSchedule = errors.New("invalid schedule")

// Job names, also the keys of the schedule configuration.
const (
	JobVerify    = "verify"
	JobRetention = "retention"
)

type Backuper interface {
	PerformBackup(ctx context.Context, typ record.Type, trigger record.Trigger) (*record.Record, error)
}

type Verifier interface {
	Run(ctx context.Context) (*backup.VerifyReport, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*backup.RetentionReport, error)
}

// Scheduler runs the configured jobs. It implements suture.Service.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]func(context.Context) error
	entries map[string]cron.EntryID
	timeout time.Duration
	log     logger.Logger
	clock   clock.Clock

	mu   sync.Mutex
	base context.Context
}

// New registers one cron entry per non-empty expression in cfg.
// Expressions use the standard five fields (or descriptors such as
// "@daily") and are evaluated in UTC.
func New(cfg config.ScheduleConfig, b Backuper, v Verifier, s Sweeper, log logger.Logger, clk clock.Clock) (*Scheduler, error) {
	if log == nil {
		log = logger.Nop()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	log = log.With("component", "scheduler")
	sc := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cronLogger{log})),
		),
		jobs:    make(map[string]func(context.Context) error),
		entries: make(map[string]cron.EntryID),
		timeout: cfg.RunTimeout,
		log:     log,
		clock:   clk,
		base:    context.Background(),
	}

	backupJob := func(typ record.Type) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := b.PerformBackup(ctx, typ, record.TriggerScheduled)
			if errors.Is(err, backup.ErrLeaseHeld) {
				metrics.BackupsTotal.WithLabelValues(string(typ), metrics.ResultSkipped).Inc()
			}
			return err
		}
	}
	exprs := []struct {
		name string
		expr string
		run  func(context.Context) error
	}{
		{string(record.TypeFull), cfg.Full, backupJob(record.TypeFull)},
		{string(record.TypeIncremental), cfg.Incremental, backupJob(record.TypeIncremental)},
		{string(record.TypeDifferential), cfg.Differential, backupJob(record.TypeDifferential)},
		{string(record.TypeSnapshot), cfg.Snapshot, backupJob(record.TypeSnapshot)},
		{JobVerify, cfg.Verify, func(ctx context.Context) error {
			_, err := v.Run(ctx)
			return err
		}},
		{JobRetention, cfg.Retention, func(ctx context.Context) error {
			_, err := s.Sweep(ctx, clk.Now())
			return err
		}},
	}
	for _, e := range exprs {
		if e.expr == "" {
			continue
		}
		sc.jobs[e.name] = e.run
		name := e.name
		id, err := sc.cron.AddFunc(e.expr, func() { _ = sc.Run(name) })
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %w", ErrSchedule, e.name, e.expr, err)
		}
		sc.entries[name] = id
		log.Debug("job scheduled", "job", e.name, "expression", e.expr)
	}
	return sc, nil
}

// Next returns the next run time of every scheduled job.
func (s *Scheduler) Next() map[string]time.Time {
	now := s.clock.Now().UTC()
	next := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		next[name] = s.cron.Entry(id).Schedule.Next(now)
	}
	return next
}

// Run executes job name once with the per-run timeout. A run that finds
// its lease taken is skipped; any other failure is logged.
func (s *Scheduler) Run(name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: no job %q", ErrSchedule, name)
	}
	ctx := s.context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log := s.log.With("job", name)
	start := s.clock.Now()
	err := job(ctx)
	switch {
	case errors.Is(err, backup.ErrLeaseHeld):
		log.Info("job skipped, lease held elsewhere")
	case err != nil:
		log.Error("job failed", "error", err, "elapsed", s.clock.Now().Sub(start))
	default:
		log.Info("job finished", "elapsed", s.clock.Now().Sub(start))
	}
	return err
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Serve starts the cron loop and blocks until ctx is done. Running jobs
// are cancelled and awaited before it returns.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.jobs))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
