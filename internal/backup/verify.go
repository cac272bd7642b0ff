package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kebairia/drbackup/internal/crypto"
	"github.com/kebairia/drbackup/internal/metrics"
	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/repository"
)

// VerifyReport lists the outcome of a verification run.
type VerifyReport struct {
	Checked  int
	Verified []string
	// Failed maps backup ids to the reason they failed verification.
	Failed map[string]string
	// Skipped lists backups whose record changed, e.g. was deleted by
	// retention, while they were being checked. Their result is dropped.
	Skipped []string
}

// Verifier checks that recent backups can still be downloaded, match their
// checksum and decrypt to a readable payload.
type Verifier struct {
	env     Env
	window  time.Duration
	workers int
}

func NewVerifier(env Env, window time.Duration, workers int) *Verifier {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	if workers <= 0 {
		workers = 5
	}
	return &Verifier{env: env.withDefaults(), window: window, workers: workers}
}

// Run verifies every completed backup started within the window, under the
// verify lease.
func (v *Verifier) Run(ctx context.Context) (*VerifyReport, error) {
	var report *VerifyReport
	err := v.env.withLease(ctx, LeaseVerify, func(ctx context.Context) error {
		var err error
		report, err = v.run(ctx)
		return err
	})
	return report, err
}

func (v *Verifier) run(ctx context.Context) (*VerifyReport, error) {
	env := v.env
	recent, err := env.Repo.ListRecent(ctx, env.now().Add(-v.window))
	if err != nil {
		return nil, fmt.Errorf("list recent backups: %w", err)
	}

	report := &VerifyReport{Failed: make(map[string]string)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for _, rec := range recent {
		if rec.Status != record.StatusCompleted {
			continue
		}
		report.Checked++
		g.Go(func() error {
			cause := v.check(gctx, rec)
			if err := gctx.Err(); err != nil {
				return err
			}
			err := v.record(gctx, rec, cause)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, repository.ErrConflict):
				env.Logger.Info("backup changed during verification, result dropped", "backup_id", rec.ID, "error", err)
				report.Skipped = append(report.Skipped, rec.ID)
				return nil
			case err != nil:
				return err
			}
			if cause != nil {
				report.Failed[rec.ID] = cause.Error()
			} else {
				report.Verified = append(report.Verified, rec.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	env.Logger.Info("verification finished",
		"checked", report.Checked,
		"verified", len(report.Verified),
		"failed", len(report.Failed),
		"skipped", len(report.Skipped),
	)
	env.notify(ctx, notify.VerifyCompleted, map[string]any{
		"checked":  report.Checked,
		"verified": len(report.Verified),
		"failed":   len(report.Failed),
	})
	return report, nil
}

// check downloads a backup and proves it decrypts to a valid payload.
func (v *Verifier) check(ctx context.Context, rec *record.Record) error {
	blob, err := v.env.Store.Get(ctx, rec.Location)
	if err != nil {
		return err
	}
	if sum := crypto.Checksum(blob); sum != rec.Checksum {
		return fmt.Errorf("%w: checksum %s, recorded %s", ErrIntegrity, sum, rec.Checksum)
	}
	_, err = open(v.env.Crypto, rec, blob)
	return err
}

// record persists the outcome. A failed check leaves the status alone and
// keeps the reason in VerifyError. The write only lands while the stored
// record is still completed.
func (v *Verifier) record(ctx context.Context, rec *record.Record, cause error) error {
	env := v.env
	log := env.Logger.With("backup_id", rec.ID)
	if cause != nil {
		rec.VerifyError = cause.Error()
		if err := env.Repo.UpdateIf(ctx, rec, record.StatusCompleted); err != nil {
			return fmt.Errorf("update %s: %w", rec.ID, err)
		}
		metrics.VerificationsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		log.Error("backup failed verification", "error", cause)
		data := map[string]any{"id": rec.ID, "error": rec.VerifyError}
		env.audit(ctx, notify.VerifyFailed, data)
		env.notify(ctx, notify.VerifyFailed, data)
		return nil
	}

	if err := rec.Transition(record.StatusVerified); err != nil {
		return err
	}
	now := env.now()
	rec.VerifiedAt = &now
	rec.VerifyError = ""
	if err := env.Repo.UpdateIf(ctx, rec, record.StatusCompleted); err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}
	metrics.VerificationsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	log.Info("backup verified")
	return nil
}
