package backup

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/kebairia/drbackup/internal/database"
	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/record"
)

func TestRestoreIncrementalChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	full := h.backup(t, record.TypeFull)
	h.clk.Advance(time.Hour)
	h.db.Put("users", "u11", map[string]any{"n": 11})
	h.db.Put("users", "u12", map[string]any{"n": 12})
	incr := h.backup(t, record.TypeIncremental)
	if incr.BaseBackupID != full.ID {
		t.Fatalf("base = %s, want %s", incr.BaseBackupID, full.ID)
	}

	for i := 1; i <= 6; i++ {
		h.db.Delete("users", fmt.Sprintf("u%02d", i))
	}
	h.clk.Advance(time.Minute)

	res, err := h.restore.Restore(ctx, incr.ID, RestoreOptions{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := h.db.Count("users"); got != 12 {
		t.Errorf("users = %d, want 12", got)
	}
	if !reflect.DeepEqual(res.Chain, []string{full.ID, incr.ID}) {
		t.Errorf("Chain = %v", res.Chain)
	}
	if res.RestorePoint == nil || res.RestorePoint.Trigger != record.TriggerPreRestore || res.RestorePoint.Type != record.TypeFull {
		t.Fatalf("restore point = %+v", res.RestorePoint)
	}
	if rp := h.get(t, res.RestorePoint.ID); rp.Status != record.StatusCompleted {
		t.Errorf("restore point status = %s", rp.Status)
	}
	if h.notes.count(notify.RestoreCompleted) != 1 {
		t.Error("restore.completed not sent")
	}
}

func TestBackupAfterRestoreStartsFromFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	full := h.backup(t, record.TypeFull)
	h.clk.Advance(time.Hour)
	h.db.Put("users", "bad", map[string]any{"n": -1})
	h.clk.Advance(time.Minute)
	if _, err := h.restore.Restore(ctx, full.ID, RestoreOptions{}); err != nil {
		t.Fatalf("Restore(%s): %v", full.ID, err)
	}
	if got := h.db.Count("users"); got != 10 {
		t.Fatalf("users after restore = %d, want 10", got)
	}

	h.clk.Advance(time.Hour)
	h.db.Put("users", "new", map[string]any{"n": 11})
	next := h.backup(t, record.TypeIncremental)
	if next.Type != record.TypeFull || next.BaseBackupID != "" {
		t.Fatalf("backup after restore = %s based on %q, want a full", next.Type, next.BaseBackupID)
	}
	events, _ := h.repo.Events(ctx, 0)
	var reason any
	for _, e := range events {
		if e.Name == notify.BackupFallback {
			reason = e.Payload["reason"]
			break
		}
	}
	if reason != "restore applied after base" {
		t.Errorf("fallback reason = %v", reason)
	}

	h.clk.Advance(time.Hour)
	h.db.Put("users", "bad", map[string]any{"n": -1})
	if _, err := h.restore.Restore(ctx, next.ID, RestoreOptions{}); err != nil {
		t.Fatalf("Restore(%s): %v", next.ID, err)
	}
	keys := userKeys(h.db)
	if len(keys) != 11 || !contains(keys, "new") || contains(keys, "bad") {
		t.Errorf("users = %v, want u01..u10 and new", keys)
	}

	// Once a full exists after the restore, incrementals chain again.
	h.clk.Advance(time.Hour)
	fresh := h.backup(t, record.TypeFull)
	if incr := h.backup(t, record.TypeIncremental); incr.BaseBackupID != fresh.ID {
		t.Errorf("incremental based on %q, want %s", incr.BaseBackupID, fresh.ID)
	}
}

func TestRestoreIntegrityGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	full := h.backup(t, record.TypeFull)
	h.db.Put("users", "u99", map[string]any{"n": 99})
	before := userKeys(h.db)
	records, _ := h.repo.ListAll(ctx)

	if !h.store.Corrupt(full.Location, 100) {
		t.Fatal("blob not found")
	}
	_, err := h.restore.Restore(ctx, full.ID, RestoreOptions{})
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if after := userKeys(h.db); !reflect.DeepEqual(before, after) {
		t.Errorf("state changed by a rejected restore:\nbefore %v\nafter  %v", before, after)
	}
	if after, _ := h.repo.ListAll(ctx); len(after) != len(records) {
		t.Errorf("restore point taken before the integrity check")
	}
	if h.notes.count(notify.RestoreFailed) != 1 {
		t.Error("restore.failed not sent")
	}
	events, _ := h.repo.Events(ctx, 1)
	if len(events) != 1 || events[0].Name != notify.RestoreFailed {
		t.Errorf("failure not audited: %+v", events)
	}
}

func TestRestoreCorruptBaseStopsChain(t *testing.T) {
	h := newHarness(t)
	full := h.backup(t, record.TypeFull)
	h.clk.Advance(time.Hour)
	h.db.Put("users", "u11", nil)
	incr := h.backup(t, record.TypeIncremental)

	h.store.Corrupt(full.Location, 0)
	if _, err := h.restore.Restore(context.Background(), incr.ID, RestoreOptions{}); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
	if h.db.Count("users") != 11 {
		t.Errorf("users touched")
	}
}

func TestRestoreRollsBackOnApplyFailure(t *testing.T) {
	h := newHarness(t)
	full := h.backup(t, record.TypeFull)

	h.db.Delete("users", "u01")
	before := userKeys(h.db)
	h.db.FailNextRestore(errors.New("disk full"))

	res, err := h.restore.Restore(context.Background(), full.ID, RestoreOptions{})
	if !errors.Is(err, database.ErrImportFailed) {
		t.Fatalf("err = %v, want ErrImportFailed", err)
	}
	if res == nil || !res.RolledBack {
		t.Fatalf("result = %+v, want rolled back", res)
	}
	if after := userKeys(h.db); !reflect.DeepEqual(before, after) {
		t.Errorf("rollback did not restore the pre-restore state: %v", after)
	}
}

func TestRestoreTables(t *testing.T) {
	h := newHarness(t)
	full := h.backup(t, record.TypeFull)

	h.db.Delete("users", "u01")
	h.db.Delete("orders", "o1")

	res, err := h.restore.Restore(context.Background(), full.ID, RestoreOptions{Tables: []string{"app.users"}})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if h.db.Count("users") != 10 || h.db.Count("orders") != 0 {
		t.Errorf("users=%d orders=%d", h.db.Count("users"), h.db.Count("orders"))
	}
	if res.RestorePoint.Type != record.TypeSnapshot {
		t.Errorf("restore point type = %s, want snapshot", res.RestorePoint.Type)
	}

	_, err = h.restore.Restore(context.Background(), full.ID, RestoreOptions{Tables: []string{"app.invoices"}})
	if !errors.Is(err, ErrUnknownUnit) {
		t.Errorf("err = %v, want ErrUnknownUnit", err)
	}
}

func TestRestoreValidateOnly(t *testing.T) {
	h := newHarness(t)
	full := h.backup(t, record.TypeFull)
	h.db.Delete("users", "u01")

	res, err := h.restore.Restore(context.Background(), full.ID, RestoreOptions{ValidateOnly: true})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !res.Validated || res.RestorePoint != nil {
		t.Errorf("result = %+v", res)
	}
	if h.db.Count("users") != 9 {
		t.Error("validate-only restore wrote data")
	}
}

func TestRestoreErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	base := record.New(record.TypeFull, record.TriggerManual, t0.Add(-2*time.Hour))
	base.Status = record.StatusFailed
	orphan := record.New(record.TypeIncremental, record.TriggerManual, t0.Add(-time.Hour))
	orphan.Status = record.StatusCompleted
	orphan.BaseBackupID = "backup-1-full"
	self := record.New(record.TypeIncremental, record.TriggerManual, t0.Add(-30*time.Minute))
	self.Status = record.StatusCompleted
	self.BaseBackupID = self.ID
	onFailed := record.New(record.TypeIncremental, record.TriggerManual, t0.Add(-20*time.Minute))
	onFailed.Status = record.StatusCompleted
	onFailed.BaseBackupID = base.ID
	for _, r := range []*record.Record{base, orphan, self, onFailed} {
		if err := h.repo.Insert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		id   string
		want error
	}{
		{"unknown id", "backup-42-full", ErrNotFound},
		{"missing base", orphan.ID, ErrInvalidChain},
		{"self reference", self.ID, ErrInvalidChain},
		{"failed base", onFailed.ID, ErrInvalidChain},
		{"failed record", base.ID, ErrInvalidChain},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.restore.Restore(ctx, tc.id, RestoreOptions{}); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRestoreLeaseHeld(t *testing.T) {
	h := newHarness(t)
	full := h.backup(t, record.TypeFull)
	h.repo.AcquireLease(context.Background(), LeaseBackup, "backup-run", time.Hour)

	if _, err := h.restore.Restore(context.Background(), full.ID, RestoreOptions{}); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("err = %v, want ErrLeaseHeld", err)
	}
}

func TestCheckUnits(t *testing.T) {
	rec := &record.Record{ID: "backup-1-full", Tables: []string{"app.orders", "app.users"}}
	tests := []struct {
		name       string
		requested  []string
		actual     []string
		missing    []string
		unexpected []string
	}{
		{"equal", nil, []string{"app.orders", "app.users"}, nil, nil},
		{"missing", nil, []string{"app.users"}, []string{"app.orders"}, nil},
		{"unexpected", nil, []string{"app.audit", "app.orders", "app.users"}, nil, []string{"app.audit"}},
		{"subset ok", []string{"app.users"}, []string{"app.audit", "app.users"}, nil, nil},
		{"subset missing", []string{"app.users"}, []string{"app.orders"}, []string{"app.users"}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := checkUnits(rec, tc.requested, tc.actual)
			if tc.missing == nil && tc.unexpected == nil {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				return
			}
			var verr *RestoreVerificationError
			if !errors.As(err, &verr) || !errors.Is(err, ErrRestoreVerification) {
				t.Fatalf("err = %v, want RestoreVerificationError", err)
			}
			if !reflect.DeepEqual(verr.Missing, tc.missing) || !reflect.DeepEqual(verr.Unexpected, tc.unexpected) {
				t.Errorf("missing %v unexpected %v", verr.Missing, verr.Unexpected)
			}
		})
	}
}
