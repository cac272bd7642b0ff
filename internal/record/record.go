// Package record holds the backup metadata model shared by the repository,
// the orchestrator and the restore engine.
package record

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned when a status change breaks the
	// forward-only lifecycle of a backup record.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrIncompleteRecord is returned by Validate for a completed record
	// that lacks the fields needed to restore it.
	ErrIncompleteRecord = errors.New("incomplete backup record")
)

// Status is the lifecycle state of a backup record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusVerified   Status = "verified"
	StatusDeleted    Status = "deleted"
)

// transitions lists, for every status, the statuses it may move to.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusFailed, StatusDeleted},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusDeleted},
	StatusCompleted:  {StatusVerified, StatusDeleted},
	StatusVerified:   {StatusDeleted},
	StatusFailed:     {StatusDeleted},
	StatusDeleted:    nil,
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Restorable reports whether a record in this status holds a usable blob.
func (s Status) Restorable() bool {
	return s == StatusCompleted || s == StatusVerified
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Trigger records what started a backup run.
type Trigger string

const (
	TriggerManual     Trigger = "manual"
	TriggerScheduled  Trigger = "scheduled"
	TriggerPreRestore Trigger = "pre_restore"
)

// Record is the metadata of one backup attempt.
type Record struct {
	ID           string     `json:"id"`
	Type         Type       `json:"type"`
	Status       Status     `json:"status"`
	Trigger      Trigger    `json:"trigger"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	Tables       []string   `json:"tables"`
	SaltHex      string     `json:"salt_hex,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
	Location     string     `json:"location,omitempty"`
	Error        string     `json:"error,omitempty"`
	BaseBackupID string     `json:"base_backup_id,omitempty"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	VerifyError  string     `json:"verify_error,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// New returns a pending record for a run of type t started at start.
func New(t Type, trigger Trigger, start time.Time) *Record {
	return &Record{
		ID:        NewID(t, start),
		Type:      t,
		Status:    StatusPending,
		Trigger:   trigger,
		StartTime: start,
	}
}

// NewID builds a backup id of the form backup-<unix millis>-<type>.
func NewID(t Type, start time.Time) string {
	return fmt.Sprintf("backup-%d-%s", start.UnixMilli(), t)
}

// Transition moves the record to status to, or fails with
// ErrInvalidTransition leaving the record untouched.
func (r *Record) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, r.Status, to, r.ID)
	}
	r.Status = to
	return nil
}

// Complete marks the record completed at end.
func (r *Record) Complete(end time.Time) error {
	if err := r.Transition(StatusCompleted); err != nil {
		return err
	}
	r.EndTime = &end
	r.Error = ""
	return r.Validate()
}

// Fail marks the record failed with cause as the error message.
func (r *Record) Fail(end time.Time, cause error) error {
	if err := r.Transition(StatusFailed); err != nil {
		return err
	}
	r.EndTime = &end
	if cause != nil {
		r.Error = cause.Error()
	}
	return nil
}

// Validate checks the invariants of a restorable record.
func (r *Record) Validate() error {
	if !r.Status.Restorable() {
		return nil
	}
	switch {
	case r.Location == "":
		return fmt.Errorf("%w: %s has no location", ErrIncompleteRecord, r.ID)
	case r.Checksum == "":
		return fmt.Errorf("%w: %s has no checksum", ErrIncompleteRecord, r.ID)
	case r.SaltHex == "":
		return fmt.Errorf("%w: %s has no salt", ErrIncompleteRecord, r.ID)
	case r.EndTime == nil:
		return fmt.Errorf("%w: %s has no end time", ErrIncompleteRecord, r.ID)
	}
	return nil
}

// Clone returns a deep copy so callers never share mutable state with the
// repository.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Tables = append([]string(nil), r.Tables...)
	c.EndTime = cloneTime(r.EndTime)
	c.VerifiedAt = cloneTime(r.VerifiedAt)
	c.DeletedAt = cloneTime(r.DeletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RetentionPolicy is the tiered retention configuration, in retained
// periods per tier.
type RetentionPolicy struct {
	Daily   int `json:"daily"`
	Weekly  int `json:"weekly"`
	Monthly int `json:"monthly"`
	Yearly  int `json:"yearly"`
}

// Event is an audit log entry.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
