// Package backup runs the backup lifecycle: creating backups, verifying
// them, expiring them under the retention policy and restoring them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/crypto"
	"github.com/kebairia/drbackup/internal/logger"
	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/repository"
	"github.com/kebairia/drbackup/internal/snapshot"
	"github.com/kebairia/drbackup/internal/storage"
)

var (
	ErrNotFound     = errors.New("backup not found")
	ErrLeaseHeld    = errors.New("another run holds the lease")
	ErrIntegrity    = errors.New("backup integrity check failed")
	ErrInvalidChain = errors.New("invalid backup chain")
	ErrRetention    = errors.New("retention failed")
	ErrRestorePoint = errors.New("restore point failed")
	ErrUnknownUnit  = errors.New("unit not in backup")

	ErrRestoreVerification = errors.New("restored state does not match backup")
)

// Lease names. Backups and restores share one lease so that they never
// overlap.
const (
	LeaseBackup    = "backup"
	LeaseVerify    = "verify"
	LeaseRetention = "retention"
)

// Env holds the collaborators shared by the components of this package.
type Env struct {
	Repo     repository.Repository
	Store    storage.Store
	Crypto   *crypto.Engine
	Target   *snapshot.Target
	Notifier notify.Notifier
	Logger   logger.Logger
	Clock    clock.Clock
	Config   config.BackupConfig
	Put      storage.PutOptions
}

func (e Env) withDefaults() Env {
	if e.Notifier == nil {
		e.Notifier = notify.Nop()
	}
	if e.Logger == nil {
		e.Logger = logger.Nop()
	}
	if e.Clock == nil {
		e.Clock = clock.WallClock
	}
	if e.Config.LeaseTTL <= 0 {
		e.Config.LeaseTTL = 5 * time.Minute
	}
	if e.Config.MaxChainDepth <= 0 {
		e.Config.MaxChainDepth = 30
	}
	if e.Config.Prefix == "" {
		e.Config.Prefix = "backups"
	}
	return e
}

func (e Env) now() time.Time { return e.Clock.Now().UTC() }

// notify delivers an event; failures are logged and never change the
// outcome of the run.
func (e Env) notify(ctx context.Context, event string, data map[string]any) {
	if err := e.Notifier.Notify(context.WithoutCancel(ctx), event, data); err != nil {
		e.Logger.Warn("notification failed", "event", event, "error", err)
	}
}

// audit writes an event to the repository log.
func (e Env) audit(ctx context.Context, event string, data map[string]any) {
	if err := e.Repo.Log(context.WithoutCancel(ctx), event, data, e.now()); err != nil {
		e.Logger.Warn("audit event not recorded", "event", event, "error", err)
	}
}

// withLease runs fn while holding the named lease, renewing it every third
// of its TTL. When a renewal fails the context passed to fn is cancelled.
func (e Env) withLease(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	holder := uuid.NewString()
	ttl := e.Config.LeaseTTL
	ok, err := e.Repo.AcquireLease(ctx, name, holder, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s lease: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	log := e.Logger.With("lease", name, "holder", holder)
	log.Debug("lease acquired")

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-e.Clock.After(ttl / 3):
				if err := e.Repo.RenewLease(ctx, name, holder, ttl); err != nil {
					log.Error("lease renewal failed", "error", err)
					cancel(fmt.Errorf("%s lease lost: %w", name, err))
					return
				}
			}
		}
	}()
	defer func() {
		close(done)
		cancel(nil)
		if err := e.Repo.ReleaseLease(context.WithoutCancel(ctx), name, holder); err != nil {
			log.Warn("lease release failed", "error", err)
		}
	}()
	return fn(runCtx)
}
