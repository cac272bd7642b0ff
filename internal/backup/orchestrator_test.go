package backup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kebairia/drbackup/internal/database"
	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/snapshot"
)

func TestPerformFullBackup(t *testing.T) {
	h := newHarness(t)
	rec := h.backup(t, record.TypeFull)

	stored := h.get(t, rec.ID)
	if stored.Status != record.StatusCompleted || stored.Trigger != record.TriggerManual {
		t.Fatalf("stored record = %+v", stored)
	}
	if err := stored.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if want := "backups/2026/" + rec.ID + ".bin"; stored.Location != want {
		t.Errorf("Location = %s, want %s", stored.Location, want)
	}
	if len(stored.Tables) != 2 || stored.Tables[0] != "app.orders" || stored.Tables[1] != "app.users" {
		t.Errorf("Tables = %v", stored.Tables)
	}
	blob, err := h.store.Get(context.Background(), stored.Location)
	if err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	if int64(len(blob)) != stored.SizeBytes {
		t.Errorf("SizeBytes = %d, blob is %d", stored.SizeBytes, len(blob))
	}
	if opts, _ := h.store.Options(stored.Location); opts.StorageClass != "STANDARD_IA" {
		t.Errorf("put options = %+v", opts)
	}
	if h.notes.count(notify.BackupCompleted) != 1 {
		t.Errorf("backup.completed not sent")
	}
}

func TestIncrementalFallsBackToFull(t *testing.T) {
	h := newHarness(t)
	rec := h.backup(t, record.TypeIncremental)

	if rec.Type != record.TypeFull || rec.BaseBackupID != "" {
		t.Fatalf("record = %+v, want a full backup", rec)
	}
	if !strings.HasSuffix(rec.ID, "-full") {
		t.Errorf("id %s does not carry the effective type", rec.ID)
	}
	events, _ := h.repo.Events(context.Background(), 10)
	var fallback bool
	for _, e := range events {
		if e.Name == notify.BackupFallback && e.Payload["requested"] == "incremental" {
			fallback = true
		}
	}
	if !fallback {
		t.Errorf("fallback not audited: %+v", events)
	}

	// Same payload shape as a direct full backup.
	direct := h.backup(t, record.TypeFull)
	if len(direct.Tables) != len(rec.Tables) {
		t.Errorf("tables differ: %v vs %v", direct.Tables, rec.Tables)
	}
}

func TestBaseSelection(t *testing.T) {
	h := newHarness(t)
	full := h.backup(t, record.TypeFull)
	h.backup(t, record.TypeSnapshot)
	incr := h.backup(t, record.TypeIncremental)
	incr2 := h.backup(t, record.TypeIncremental)
	diff := h.backup(t, record.TypeDifferential)

	tests := []struct {
		name string
		rec  *record.Record
		base string
	}{
		{"incremental skips snapshot", incr, full.ID},
		{"incremental chains", incr2, incr.ID},
		{"differential uses full", diff, full.ID},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.rec.BaseBackupID != tc.base {
				t.Errorf("base = %s, want %s", tc.rec.BaseBackupID, tc.base)
			}
		})
	}
}

func TestChainDepthPromotesToFull(t *testing.T) {
	h := newHarness(t)
	h.backup(t, record.TypeFull)
	for i := 0; i < 4; i++ {
		if rec := h.backup(t, record.TypeIncremental); rec.Type != record.TypeIncremental {
			t.Fatalf("link %d promoted early", i)
		}
	}
	if rec := h.backup(t, record.TypeIncremental); rec.Type != record.TypeFull {
		t.Errorf("chain over depth 5 not promoted: %s", rec.Type)
	}
}

type brokenDB struct {
	*database.Memory
}

func (brokenDB) Dump(context.Context) ([]byte, error) {
	return nil, errors.New("pg_dump: connection refused")
}

func TestFailedBackupIsPersisted(t *testing.T) {
	h := newHarness(t)
	h.env.Target = &snapshot.Target{Databases: []database.Database{brokenDB{h.db}}}
	orch := NewOrchestrator(h.env)

	rec, err := orch.PerformBackup(context.Background(), record.TypeFull, record.TriggerScheduled)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v", err)
	}
	stored := h.get(t, rec.ID)
	if stored.Status != record.StatusFailed || !strings.Contains(stored.Error, "connection refused") {
		t.Errorf("stored = %+v", stored)
	}
	if stored.EndTime == nil {
		t.Error("failed record has no end time")
	}
	if len(h.store.Keys()) != 0 {
		t.Errorf("blob uploaded for a failed backup: %v", h.store.Keys())
	}
	if h.notes.count(notify.BackupFailed) != 1 {
		t.Error("backup.failed not sent")
	}
}

func TestCancelledBackupIsPersisted(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := h.orch.PerformBackup(ctx, record.TypeFull, record.TriggerManual)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if stored := h.get(t, rec.ID); stored.Status != record.StatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
}

func TestBackupLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ok, err := h.repo.AcquireLease(context.Background(), LeaseBackup, "someone-else", time.Hour)
	if err != nil || !ok {
		t.Fatalf("AcquireLease = %v, %v", ok, err)
	}
	if _, err := h.orch.PerformBackup(context.Background(), record.TypeFull, record.TriggerScheduled); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("err = %v, want ErrLeaseHeld", err)
	}
	all, _ := h.repo.ListAll(context.Background())
	if len(all) != 0 {
		t.Errorf("records created while lease held: %d", len(all))
	}
}
