package storage

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/kebairia/drbackup/internal/logger"
)

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy is used for zero fields of a configured policy.
var DefaultRetryPolicy = RetryPolicy{Attempts: 4, Delay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}

// Retrying retries transient failures of the wrapped store with a doubling
// delay. Permanent failures and not-found errors are returned at once.
type Retrying struct {
	next   Store
	policy RetryPolicy
	clock  clock.Clock
	log    logger.Logger
}

var _ Store = (*Retrying)(nil)

func NewRetrying(next Store, policy RetryPolicy, clk clock.Clock, log logger.Logger) *Retrying {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if policy.Delay <= 0 {
		policy.Delay = DefaultRetryPolicy.Delay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Retrying{next: next, policy: policy, clock: clk, log: log}
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	return r.call(ctx, "put", key, func() error {
		return r.next.Put(ctx, key, data, opts)
	})
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.call(ctx, "get", key, func() error {
		var err error
		out, err = r.next.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.call(ctx, "delete", key, func() error {
		return r.next.Delete(ctx, key)
	})
}

func (r *Retrying) call(ctx context.Context, op, key string, f func() error) error {
	err := retry.Call(retry.CallArgs{
		Func: f,
		IsFatalError: func(err error) bool {
			return !IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			r.log.Warn("remote store call failed, retrying",
				"op", op,
				"key", key,
				"attempt", attempt,
				"error", err,
			)
		},
		Attempts:    r.policy.Attempts,
		Delay:       r.policy.Delay,
		MaxDelay:    r.policy.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	// retry wraps exhausted or stopped calls; surface the store's own error
	if last := retry.LastError(err); last != nil {
		return last
	}
	return err
}
