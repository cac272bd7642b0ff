package record

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusCompleted, StatusVerified, true},
		{StatusInProgress, StatusFailed, true},
		{StatusPending, StatusFailed, true},
		{StatusCompleted, StatusDeleted, true},
		{StatusVerified, StatusDeleted, true},
		{StatusFailed, StatusDeleted, true},
		{StatusCompleted, StatusInProgress, false},
		{StatusVerified, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusDeleted, StatusCompleted, false},
		{StatusPending, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRecordLifecycle(t *testing.T) {
	start := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	r := New(TypeFull, TriggerManual, start)

	if r.ID != "backup-1772330400000-full" {
		t.Errorf("ID = %q", r.ID)
	}
	if err := r.Transition(StatusInProgress); err != nil {
		t.Fatalf("to in_progress: %v", err)
	}

	// completed without location/checksum/salt violates the invariant
	if err := r.Complete(start.Add(time.Minute)); !errors.Is(err, ErrIncompleteRecord) {
		t.Fatalf("Complete on bare record: err = %v, want ErrIncompleteRecord", err)
	}

	r = New(TypeFull, TriggerManual, start)
	_ = r.Transition(StatusInProgress)
	r.Location, r.Checksum, r.SaltHex = "backups/2026/x.bin", "abc", "00"
	if err := r.Complete(start.Add(time.Minute)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if r.EndTime == nil {
		t.Fatal("EndTime not set")
	}

	err := r.Fail(start, errors.New("boom"))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Fail after completed: err = %v, want ErrInvalidTransition", err)
	}
	if r.Status != StatusCompleted {
		t.Errorf("status changed to %s by a rejected transition", r.Status)
	}
}

func TestClone(t *testing.T) {
	end := time.Now()
	r := &Record{ID: "a", Tables: []string{"app.users"}, EndTime: &end}
	c := r.Clone()
	c.Tables[0] = "changed"
	*c.EndTime = end.Add(time.Hour)

	if r.Tables[0] != "app.users" {
		t.Error("Clone shares the tables slice")
	}
	if !r.EndTime.Equal(end) {
		t.Error("Clone shares EndTime")
	}
}

type countingVisitor struct{ calls map[Type]int }

func (v *countingVisitor) Full() error         { v.calls[TypeFull]++; return nil }
func (v *countingVisitor) Incremental() error  { v.calls[TypeIncremental]++; return nil }
func (v *countingVisitor) Differential() error { v.calls[TypeDifferential]++; return nil }
func (v *countingVisitor) Snapshot() error     { v.calls[TypeSnapshot]++; return nil }

func TestTypeAccept(t *testing.T) {
	v := &countingVisitor{calls: map[Type]int{}}
	for _, typ := range Types {
		if err := typ.Accept(v); err != nil {
			t.Fatalf("Accept(%s): %v", typ, err)
		}
		if v.calls[typ] != 1 {
			t.Errorf("visitor for %s called %d times", typ, v.calls[typ])
		}
	}
	if err := Type("weekly").Accept(v); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown type: err = %v", err)
	}
}

func TestParseType(t *testing.T) {
	if got, err := ParseType("incremental"); err != nil || got != TypeIncremental {
		t.Errorf("ParseType(incremental) = %v, %v", got, err)
	}
	if _, err := ParseType("nightly"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("ParseType(nightly) err = %v", err)
	}
}
