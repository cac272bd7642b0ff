package database

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryDumpRestore(t *testing.T) {
	ctx := context.Background()
	db := NewMemory("app", "users", "orders")
	db.Put("users", "u1", map[string]any{"name": "ada"})
	db.Put("orders", "o1", nil)

	dump, err := db.Dump(ctx)
	if err != nil {
		t.Fatal(err)
	}
	db.Delete("users", "u1")
	db.Put("orders", "o2", nil)

	if err := db.Restore(ctx, dump, []string{"users"}); err != nil {
		t.Fatalf("Restore(users): %v", err)
	}
	if db.Count("users") != 1 || db.Count("orders") != 2 {
		t.Errorf("after partial restore users=%d orders=%d", db.Count("users"), db.Count("orders"))
	}

	if err := db.Restore(ctx, dump, nil); err != nil {
		t.Fatalf("Restore(all): %v", err)
	}
	if db.Count("orders") != 1 {
		t.Errorf("orders = %d after full restore", db.Count("orders"))
	}
	if got := db.Rows("users"); len(got) != 1 || got[0].Values["name"] != "ada" {
		t.Errorf("users = %+v", got)
	}

	if err := db.Restore(ctx, dump, []string{"invoices"}); !errors.Is(err, ErrImportFailed) {
		t.Errorf("unknown table err = %v", err)
	}
	if err := db.Restore(ctx, []byte("not json"), nil); !errors.Is(err, ErrImportFailed) {
		t.Errorf("corrupt dump err = %v", err)
	}
}

func TestMemoryChanges(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	db := NewMemory("app", "users", "orders")
	db.SetClock(func() time.Time { return now })

	db.Put("users", "u1", map[string]any{"v": 1})
	db.Put("orders", "o1", nil)
	now = t0.Add(time.Hour)
	db.Put("users", "u1", map[string]any{"v": 2})
	db.Put("orders", "o2", nil)

	delta, err := db.DumpChanges(ctx, t0)
	if err != nil {
		t.Fatal(err)
	}

	replica := NewMemory("app")
	replica.Put("users", "u1", map[string]any{"v": 1})
	replica.Put("users", "u9", nil)
	if err := replica.ApplyChanges(ctx, delta, []string{"users"}); err != nil {
		t.Fatal(err)
	}
	if got := replica.Rows("users"); len(got) != 2 || got[0].Values["v"] != float64(2) {
		t.Errorf("users = %+v", got)
	}
	if replica.Count("orders") != 0 {
		t.Errorf("orders applied despite table filter")
	}

	if err := replica.ApplyChanges(ctx, delta, nil); err != nil {
		t.Fatal(err)
	}
	if rows := replica.Rows("orders"); len(rows) != 1 || rows[0].Key != "o2" {
		t.Errorf("orders = %+v", rows)
	}
}

func TestMemoryFailNextRestore(t *testing.T) {
	ctx := context.Background()
	db := NewMemory("app", "users")
	dump, _ := db.Dump(ctx)
	boom := errors.New("disk full")

	db.FailNextRestore(boom)
	err := db.Restore(ctx, dump, nil)
	if !errors.Is(err, ErrImportFailed) || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := db.Restore(ctx, dump, nil); err != nil {
		t.Errorf("failure not cleared: %v", err)
	}
}

func TestMemoryTablesAndDrop(t *testing.T) {
	ctx := context.Background()
	db := NewMemory("app", "users", "orders")
	db.Put("audit", "a1", nil)

	tables, _ := db.Tables(ctx)
	if len(tables) != 3 || tables[0] != "audit" || tables[2] != "users" {
		t.Errorf("Tables = %v", tables)
	}
	if err := db.DropTables(ctx, []string{"audit", "orders"}); err != nil {
		t.Fatal(err)
	}
	if tables, _ = db.Tables(ctx); len(tables) != 1 || tables[0] != "users" {
		t.Errorf("Tables after drop = %v", tables)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := db.Dump(cancelled); !errors.Is(err, ErrExportFailed) {
		t.Errorf("Dump with cancelled ctx err = %v", err)
	}
}
