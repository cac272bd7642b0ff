// Package metrics exposes Prometheus instrumentation for backup, restore,
// verification and retention runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kebairia/drbackup/internal/logger"
)

var (
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drbackup_backups_total",
			Help: "Backup runs by type and result",
		},
		[]string{"type", "result"},
	)

	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drbackup_backup_duration_seconds",
			Help:    "Duration of backup runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"type"},
	)

	BackupSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drbackup_backup_size_bytes",
			Help: "Encrypted size of the last completed backup",
		},
		[]string{"type"},
	)

	LastSuccessTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drbackup_last_success_timestamp_seconds",
			Help: "Unix time of the last completed backup",
		},
		[]string{"type"},
	)

	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drbackup_restores_total",
			Help: "Restore runs by result",
		},
		[]string{"result"},
	)

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drbackup_verifications_total",
			Help: "Backup verifications by result",
		},
		[]string{"result"},
	)

	RetentionDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drbackup_retention_deleted_total",
			Help: "Backups deleted by retention",
		},
	)

	RecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drbackup_recoveries_total",
			Help: "Disaster recovery procedures by scenario and result",
		},
		[]string{"scenario", "result"},
	)
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// Server serves /metrics. It implements suture.Service.
type Server struct {
	addr string
	log  logger.Logger
}

func NewServer(addr string, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{addr: addr, log: log.With("component", "metrics")}
}

func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics endpoint listening", "address", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) String() string { return "metrics-server" }
