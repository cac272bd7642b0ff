package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kebairia/drbackup/internal/record"
)

type lease struct {
	holder  string
	expires time.Time
}

// Memory is an in-process Repository.
type Memory struct {
	opts options

	mu      sync.Mutex
	records map[string]*record.Record
	events  []record.Event
	leases  map[string]lease
}

var _ Repository = (*Memory)(nil)

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts:    buildOptions(opts),
		records: make(map[string]*record.Record),
		leases:  make(map[string]lease),
	}
}

func (m *Memory) Insert(_ context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, r.ID)
	}
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *Memory) Update(_ context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *Memory) UpdateIf(_ context.Context, r *record.Record, expected record.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: %s is %s, not %s", ErrConflict, r.ID, cur.Status, expected)
	}
	m.records[r.ID] = r.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *Memory) sorted(keep func(*record.Record) bool) []*record.Record {
	out := make([]*record.Record, 0, len(m.records))
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (m *Memory) ListRecent(_ context.Context, since time.Time) ([]*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(r *record.Record) bool { return !r.StartTime.Before(since) }), nil
}

func (m *Memory) ListAll(context.Context) ([]*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(*record.Record) bool { return true }), nil
}

func (m *Memory) LatestSuccessful(_ context.Context, types ...record.Type) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(func(r *record.Record) bool {
		return baseCandidate(r, types)
	})
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: no successful backup of types %v", ErrNotFound, types)
	}
	return all[len(all)-1], nil
}

func (m *Memory) Log(_ context.Context, name string, payload map[string]any, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, record.Event{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Timestamp: ts,
	})
	return nil
}

func (m *Memory) Events(_ context.Context, limit int) ([]record.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]record.Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *Memory) LatestEvent(_ context.Context, name string) (record.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Name == name {
			return m.events[i], nil
		}
	}
	return record.Event{}, fmt.Errorf("%w: %s", ErrNoEvent, name)
}

func (m *Memory) AcquireLease(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	cur, ok := m.leases[name]
	if ok && cur.holder != holder && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) RenewLease(_ context.Context, name, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	cur, ok := m.leases[name]
	if !ok || cur.holder != holder || !now.Before(cur.expires) {
		return fmt.Errorf("%w: %s", ErrLeaseLost, name)
	}
	m.leases[name] = lease{holder: holder, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) ReleaseLease(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[name]
	if !ok || cur.holder != holder {
		return fmt.Errorf("%w: %s", ErrLeaseLost, name)
	}
	delete(m.leases, name)
	return nil
}

func (m *Memory) Close() error { return nil }
