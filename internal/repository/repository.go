// Package repository persists backup records, the audit event log and the
// named leases that serialize mutating runs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kebairia/drbackup/internal/record"
)

var (
	ErrNotFound  = errors.New("backup record not found")
	ErrDuplicate = errors.New("backup record already exists")
	// ErrLeaseLost is returned when renewing or releasing a lease that is
	// held by someone else or has expired and been taken over.
	ErrLeaseLost = errors.New("lease not held")
	// ErrConflict is returned by UpdateIf when the stored status no longer
	// matches the one the caller read.
	ErrConflict = errors.New("backup record changed concurrently")
	ErrNoEvent  = errors.New("no such audit event")
)

// Repository is the metadata store. Records returned are copies; callers
// persist changes with Update.
type Repository interface {
	Insert(ctx context.Context, r *record.Record) error
	Update(ctx context.Context, r *record.Record) error
	// UpdateIf persists r only while the stored record still has status
	// expected.
	UpdateIf(ctx context.Context, r *record.Record, expected record.Status) error
	Get(ctx context.Context, id string) (*record.Record, error)
	// ListRecent returns the records started at or after since, oldest first.
	ListRecent(ctx context.Context, since time.Time) ([]*record.Record, error)
	// ListAll returns every record, oldest first.
	ListAll(ctx context.Context) ([]*record.Record, error)
	// LatestSuccessful returns the most recently started completed or
	// verified record of one of types (any type when none is given).
	// Restore points are never returned.
	LatestSuccessful(ctx context.Context, types ...record.Type) (*record.Record, error)

	Log(ctx context.Context, name string, payload map[string]any, ts time.Time) error
	// Events returns up to limit audit events, newest first.
	Events(ctx context.Context, limit int) ([]record.Event, error)
	// LatestEvent returns the newest audit event called name.
	LatestEvent(ctx context.Context, name string) (record.Event, error)

	// AcquireLease takes the named lease for holder until now+ttl. It
	// succeeds when the lease is free, expired or already held by holder.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, name, holder string) error

	Close() error
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// baseCandidate reports whether r may serve as the base of a new backup.
func baseCandidate(r *record.Record, types []record.Type) bool {
	return r.Status.Restorable() && r.Trigger != record.TriggerPreRestore && matchesType(r.Type, types)
}

func matchesType(t record.Type, types []record.Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
