package backup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kebairia/drbackup/internal/notify"
	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/storage"
)

func TestVerifierFlagsExactlyTheCorruptedBackup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var recs []*record.Record
	for i := 0; i < 4; i++ {
		recs = append(recs, h.backup(t, record.TypeFull))
	}
	bad := recs[2]
	h.store.Corrupt(bad.Location, 64)

	v := NewVerifier(h.env, 7*24*time.Hour, 2)
	report, err := v.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Checked != 4 || len(report.Verified) != 3 || len(report.Failed) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if reason, ok := report.Failed[bad.ID]; !ok || !strings.Contains(reason, ErrIntegrity.Error()) {
		t.Errorf("Failed = %v", report.Failed)
	}

	for _, r := range recs {
		stored := h.get(t, r.ID)
		if r.ID == bad.ID {
			if stored.Status != record.StatusCompleted || stored.VerifyError == "" || stored.VerifiedAt != nil {
				t.Errorf("corrupted record = %+v", stored)
			}
			continue
		}
		if stored.Status != record.StatusVerified || stored.VerifiedAt == nil || stored.VerifyError != "" {
			t.Errorf("healthy record = %+v", stored)
		}
	}
	if n := h.notes.count(notify.VerifyFailed); n != 1 {
		t.Errorf("verify.failed sent %d times", n)
	}
	if len(h.store.Keys()) != 4 {
		t.Errorf("verifier created or removed blobs: %v", h.store.Keys())
	}
}

func TestVerifierWindow(t *testing.T) {
	h := newHarness(t)
	old := h.backup(t, record.TypeFull)
	h.clk.Advance(10 * 24 * time.Hour)
	fresh := h.backup(t, record.TypeFull)

	report, err := NewVerifier(h.env, 7*24*time.Hour, 5).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 1 || report.Verified[0] != fresh.ID {
		t.Errorf("report = %+v", report)
	}
	if h.get(t, old.ID).Status != record.StatusCompleted {
		t.Error("backup outside the window was verified")
	}

	// Verified records are not checked again.
	report, _ = NewVerifier(h.env, 7*24*time.Hour, 5).Run(context.Background())
	if report.Checked != 0 {
		t.Errorf("second run checked %d", report.Checked)
	}
}

func TestVerifierLeaseHeld(t *testing.T) {
	h := newHarness(t)
	h.repo.AcquireLease(context.Background(), LeaseVerify, "other", time.Hour)
	if _, err := NewVerifier(h.env, 0, 0).Run(context.Background()); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("err = %v, want ErrLeaseHeld", err)
	}
}

// sweepingStore runs a retention sweep the first time a blob is read,
// optionally after the read has completed.
type sweepingStore struct {
	storage.Store
	once      sync.Once
	sweep     func()
	readFirst bool
}

func (s *sweepingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.readFirst {
		blob, err := s.Store.Get(ctx, key)
		s.once.Do(s.sweep)
		return blob, err
	}
	s.once.Do(s.sweep)
	return s.Store.Get(ctx, key)
}

func TestVerifierDoesNotResurrectDeletedBackup(t *testing.T) {
	tests := []struct {
		name      string
		readFirst bool
	}{
		{"blob read before the sweep", true},
		{"blob gone when read", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			rec := h.backup(t, record.TypeFull)
			h.clk.Advance(time.Hour)

			var swept *RetentionReport
			store := &sweepingStore{Store: h.store, readFirst: tc.readFirst}
			store.sweep = func() {
				var err error
				swept, err = NewRetention(h.env, record.RetentionPolicy{}).Sweep(ctx, h.clk.Now())
				if err != nil {
					t.Errorf("Sweep: %v", err)
				}
			}
			env := h.env
			env.Store = store

			report, err := NewVerifier(env, 7*24*time.Hour, 1).Run(ctx)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if swept == nil || len(swept.Deleted) != 1 || swept.Deleted[0] != rec.ID {
				t.Fatalf("sweep = %+v", swept)
			}
			if len(report.Skipped) != 1 || len(report.Verified) != 0 || len(report.Failed) != 0 {
				t.Errorf("report = %+v", report)
			}
			stored := h.get(t, rec.ID)
			if stored.Status != record.StatusDeleted || stored.DeletedAt == nil || stored.VerifiedAt != nil {
				t.Errorf("stored = %+v, want it to stay deleted", stored)
			}
			if h.notes.count(notify.VerifyFailed) != 0 {
				t.Error("verify.failed sent for a deleted backup")
			}
		})
	}
}
