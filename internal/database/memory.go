package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const EngineMemory = "memory"

// Row is one record of an in-memory table.
type Row struct {
	Key       string         `json:"key"`
	Values    map[string]any `json:"values,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type memoryDump struct {
	Tables map[string][]Row `json:"tables"`
}

// Memory is an in-process database. Every write stamps UpdatedAt, which
// DumpChanges uses the way the SQL engines use their change column.
type Memory struct {
	name string
	now  func() time.Time

	mu          sync.RWMutex
	tables      map[string]map[string]Row
	failRestore error
}

var _ Database = (*Memory)(nil)

func NewMemory(name string, tables ...string) *Memory {
	m := &Memory{name: name, now: time.Now, tables: make(map[string]map[string]Row)}
	for _, t := range tables {
		m.tables[t] = make(map[string]Row)
	}
	return m
}

// SetClock replaces the clock stamping row writes.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Name() string   { return m.name }
func (m *Memory) Engine() string { return EngineMemory }

// Put inserts or replaces a row, creating the table if needed.
func (m *Memory) Put(table, key string, values map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[table] == nil {
		m.tables[table] = make(map[string]Row)
	}
	m.tables[table][key] = Row{Key: key, Values: copyValues(values), UpdatedAt: m.now()}
}

// Delete removes a row.
func (m *Memory) Delete(table, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
}

// Rows returns the rows of table sorted by key.
func (m *Memory) Rows(table string) []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedRows(m.tables[table], func(Row) bool { return true })
}

// Count returns the number of rows in table.
func (m *Memory) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}

// FailNextRestore makes the next Restore or ApplyChanges call fail with err.
func (m *Memory) FailNextRestore(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRestore = err
}

func (m *Memory) Tables(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for t := range m.tables {
		names = append(names, t)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Dump(ctx context.Context) ([]byte, error) {
	return m.export(ctx, time.Time{})
}

func (m *Memory) DumpChanges(ctx context.Context, since time.Time) ([]byte, error) {
	return m.export(ctx, since)
}

func (m *Memory) export(ctx context.Context, since time.Time) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExportFailed, m.name, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := memoryDump{Tables: make(map[string][]Row, len(m.tables))}
	for name, rows := range m.tables {
		d.Tables[name] = sortedRows(rows, func(r Row) bool {
			return since.IsZero() || r.UpdatedAt.After(since)
		})
	}
	out, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExportFailed, m.name, err)
	}
	return out, nil
}

func (m *Memory) Restore(ctx context.Context, dump []byte, tables []string) error {
	d, err := m.decode(ctx, dump)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	selected := tables
	if selected == nil {
		for t := range d.Tables {
			selected = append(selected, t)
		}
	}
	for _, t := range selected {
		rows, ok := d.Tables[t]
		if !ok {
			return fmt.Errorf("%w: %s: table %q not in dump", ErrImportFailed, m.name, t)
		}
		fresh := make(map[string]Row, len(rows))
		for _, r := range rows {
			fresh[r.Key] = r
		}
		m.tables[t] = fresh
	}
	return nil
}

func (m *Memory) ApplyChanges(ctx context.Context, delta []byte, tables []string) error {
	d, err := m.decode(ctx, delta)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for t, rows := range d.Tables {
		if tables != nil && !contains(tables, t) {
			continue
		}
		if m.tables[t] == nil {
			m.tables[t] = make(map[string]Row)
		}
		for _, r := range rows {
			m.tables[t][r.Key] = r
		}
	}
	return nil
}

func (m *Memory) DropTables(_ context.Context, tables []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tables {
		delete(m.tables, t)
	}
	return nil
}

func (m *Memory) decode(ctx context.Context, data []byte) (memoryDump, error) {
	var d memoryDump
	if err := ctx.Err(); err != nil {
		return d, fmt.Errorf("%w: %s: %w", ErrImportFailed, m.name, err)
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("%w: %s: decode: %w", ErrImportFailed, m.name, err)
	}
	return d, nil
}

// takeFailure must be called with mu held.
func (m *Memory) takeFailure() error {
	if m.failRestore == nil {
		return nil
	}
	err := m.failRestore
	m.failRestore = nil
	return fmt.Errorf("%w: %s: %w", ErrImportFailed, m.name, err)
}

func sortedRows(rows map[string]Row, keep func(Row) bool) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func copyValues(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
