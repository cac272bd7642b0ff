package storage

import (
	"context"

	"github.com/kebairia/drbackup/internal/logger"
)

// Replicated writes every blob to a primary store and copies it to a
// secondary-region replica. Replica failures are logged, never returned:
// the primary write decides the outcome.
type Replicated struct {
	primary Store
	replica Store
	log     logger.Logger
}

var _ Store = (*Replicated)(nil)

func NewReplicated(primary, replica Store, log logger.Logger) *Replicated {
	if log == nil {
		log = logger.Nop()
	}
	return &Replicated{primary: primary, replica: replica, log: log}
}

func (r *Replicated) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := r.primary.Put(ctx, key, data, opts); err != nil {
		return err
	}
	if err := r.replica.Put(ctx, key, data, opts); err != nil {
		r.log.Warn("replica upload failed", "key", key, "error", err)
	}
	return nil
}

func (r *Replicated) Get(ctx context.Context, key string) ([]byte, error) {
	return r.primary.Get(ctx, key)
}

func (r *Replicated) Delete(ctx context.Context, key string) error {
	if err := r.primary.Delete(ctx, key); err != nil {
		return err
	}
	if err := r.replica.Delete(ctx, key); err != nil {
		r.log.Warn("replica delete failed", "key", key, "error", err)
	}
	return nil
}

// Replica returns the secondary store, read from during a regional failover.
func (r *Replicated) Replica() Store { return r.replica }
