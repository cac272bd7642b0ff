package snapshot

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kebairia/drbackup/internal/database"
	"github.com/kebairia/drbackup/internal/filestore"
	"github.com/kebairia/drbackup/internal/record"
)

var t0 = time.Date(2026, 5, 4, 2, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func fixture() (*Target, *database.Memory, *filestore.Memory, *clock) {
	clk := &clock{now: t0}
	db := database.NewMemory("app", "users", "orders")
	db.SetClock(clk.Now)
	db.Put("users", "1", map[string]any{"name": "ada"})
	db.Put("users", "2", map[string]any{"name": "grace"})
	db.Put("orders", "o-1", map[string]any{"user": "1"})

	files := filestore.NewMemory("media")
	files.SetClock(clk.Now)
	ctx := context.Background()
	files.Upload(ctx, "media", "avatars/1.png", []byte("png-1"), "image/png")
	files.Upload(ctx, "media", "avatars/2.png", []byte("png-2"), "image/png")

	target := &Target{Databases: []database.Database{db}, Files: files, Workers: 2}
	return target, db, files, clk
}

func TestBuildFullRoundTrip(t *testing.T) {
	ctx := context.Background()
	target, db, files, _ := fixture()

	p, err := target.Build(ctx, Request{Type: record.TypeFull, Now: t0})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := p.Manifest.Units(); len(got) != 2 || got[0] != "app.orders" || got[1] != "app.users" {
		t.Errorf("Units = %v", got)
	}
	if len(p.Manifest.Files) != 2 || !p.Manifest.HasFiles() {
		t.Errorf("Files = %+v", p.Manifest.Files)
	}

	blob, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Objects["media/avatars/2.png"], []byte("png-2")) {
		t.Errorf("object lost in round trip")
	}

	// Wreck the live state, then apply.
	db.Delete("users", "2")
	db.Put("users", "3", map[string]any{"name": "mallory"})
	db.Put("audit", "x", nil)
	files.Remove("media", "avatars/1.png")

	if err := target.Apply(ctx, decoded, ApplyOptions{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if db.Count("users") != 2 || db.Count("orders") != 1 {
		t.Errorf("rows after apply: users=%d orders=%d", db.Count("users"), db.Count("orders"))
	}
	if units, _ := target.Units(ctx); len(units) != 2 {
		t.Errorf("extra table survived: %v", units)
	}
	if data, err := files.Download(ctx, "media", "avatars/1.png"); err != nil || string(data) != "png-1" {
		t.Errorf("object not restored: %q, %v", data, err)
	}
}

func TestBuildChanges(t *testing.T) {
	ctx := context.Background()
	target, db, files, clk := fixture()

	since := t0
	clk.now = t0.Add(time.Hour)
	db.Put("users", "3", map[string]any{"name": "linus"})
	files.Upload(ctx, "media", "avatars/3.png", []byte("png-3"), "image/png")

	tests := []struct {
		name string
		typ  record.Type
	}{
		{"incremental", record.TypeIncremental},
		{"differential", record.TypeDifferential},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := target.Build(ctx, Request{Type: tc.typ, Since: since})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if p.Manifest.Since == nil || !p.Manifest.Since.Equal(since) {
				t.Errorf("Since = %v", p.Manifest.Since)
			}
			if db := p.Manifest.Databases[0]; db.Content != ContentDelta || len(db.Tables) != 2 {
				t.Errorf("database entry = %+v", db)
			}
			if len(p.Manifest.Files) != 1 || p.Manifest.Files[0].Key != "avatars/3.png" {
				t.Errorf("Files = %+v", p.Manifest.Files)
			}
		})
	}

	if _, err := target.Build(ctx, Request{Type: record.TypeIncremental}); !errors.Is(err, ErrMissingSince) {
		t.Errorf("missing since: err = %v", err)
	}
}

func TestApplyDeltaUpserts(t *testing.T) {
	ctx := context.Background()
	target, db, _, clk := fixture()

	full, err := target.Build(ctx, Request{Type: record.TypeFull})
	if err != nil {
		t.Fatal(err)
	}
	since := t0
	clk.now = t0.Add(time.Hour)
	db.Put("users", "1", map[string]any{"name": "ada lovelace"})
	db.Put("users", "3", map[string]any{"name": "linus"})
	delta, err := target.Build(ctx, Request{Type: record.TypeIncremental, Since: since})
	if err != nil {
		t.Fatal(err)
	}

	fresh := database.NewMemory("app")
	other := &Target{Databases: []database.Database{fresh}, Files: filestore.NewMemory()}
	if err := other.Apply(ctx, full, ApplyOptions{}); err != nil {
		t.Fatalf("apply full: %v", err)
	}
	if err := other.Apply(ctx, delta, ApplyOptions{}); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	rows := fresh.Rows("users")
	if len(rows) != 3 || rows[0].Values["name"] != "ada lovelace" {
		t.Errorf("users = %+v", rows)
	}
}

func TestApplyUnits(t *testing.T) {
	ctx := context.Background()
	target, db, files, _ := fixture()

	p, err := target.Build(ctx, Request{Type: record.TypeFull})
	if err != nil {
		t.Fatal(err)
	}
	db.Delete("users", "1")
	db.Delete("orders", "o-1")
	files.Remove("media", "avatars/1.png")

	if err := target.Apply(ctx, p, ApplyOptions{Units: []string{"app.users"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if db.Count("users") != 2 {
		t.Errorf("users not restored")
	}
	if db.Count("orders") != 0 {
		t.Errorf("orders restored although not selected")
	}
	if _, err := files.Download(ctx, "media", "avatars/1.png"); err == nil {
		t.Errorf("files restored on a unit-limited restore")
	}

	if err := target.Apply(ctx, p, ApplyOptions{Units: []string{"nodot"}}); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("malformed unit: err = %v", err)
	}
}

func TestApplyUnknownDatabase(t *testing.T) {
	ctx := context.Background()
	target, _, _, _ := fixture()
	p, err := target.Build(ctx, Request{Type: record.TypeSnapshot})
	if err != nil {
		t.Fatal(err)
	}
	if p.Manifest.HasFiles() {
		t.Errorf("snapshot carries files")
	}
	other := &Target{Databases: []database.Database{database.NewMemory("billing")}}
	if err := other.Apply(ctx, p, ApplyOptions{}); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("err = %v, want ErrUnknownTarget", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	tests := map[string][]byte{
		"empty":   {},
		"garbage": []byte("definitely not zstd"),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(data); !errors.Is(err, ErrCorruptPayload) {
				t.Errorf("err = %v, want ErrCorruptPayload", err)
			}
		})
	}
}

func TestEncodeMissingExport(t *testing.T) {
	p := &Payload{
		Manifest: Manifest{
			Version:   1,
			Type:      record.TypeFull,
			Databases: []DatabaseEntry{{Name: "app", Content: "dump"}, {Name: "billing", Content: "dump"}},
		},
		Databases: map[string][]byte{"app": []byte("rows")},
	}
	if _, err := Encode(p); !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("err = %v, want ErrCorruptPayload", err)
	}

	p.Databases["billing"] = []byte("invoices")
	data, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Databases["billing"]) != "invoices" {
		t.Errorf("billing = %q", got.Databases["billing"])
	}
}
