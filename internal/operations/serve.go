package operations

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/kebairia/drbackup/internal/metrics"
	"github.com/kebairia/drbackup/internal/scheduler"
)

// Serve runs the scheduler, and the metrics endpoint when enabled, under a
// supervisor until ctx is cancelled.
func (om *OperationManager) Serve(ctx context.Context) error {
	sched, err := scheduler.New(om.cfg.Schedule, om.orch, om.verifier, om.retention, om.log, om.clock)
	if err != nil {
		return err
	}
	for job, next := range sched.Next() {
		om.log.Info("job registered", "job", job, "next_run", next)
	}

	sup := suture.New("drbackup", suture.Spec{
		EventHook: func(e suture.Event) {
			om.log.Warn("supervisor event", "event", e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          30 * time.Second,
	})
	sup.Add(sched)
	if om.cfg.Metrics.Enabled {
		sup.Add(metrics.NewServer(om.cfg.Metrics.Address, om.log))
	}

	err = sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
