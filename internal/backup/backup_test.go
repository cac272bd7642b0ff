package backup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/kebairia/drbackup/internal/config"
	"github.com/kebairia/drbackup/internal/crypto"
	"github.com/kebairia/drbackup/internal/database"
	"github.com/kebairia/drbackup/internal/filestore"
	"github.com/kebairia/drbackup/internal/record"
	"github.com/kebairia/drbackup/internal/repository"
	"github.com/kebairia/drbackup/internal/snapshot"
	"github.com/kebairia/drbackup/internal/storage"
)

var t0 = time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

type sent struct {
	event string
	data  map[string]any
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Notify(_ context.Context, event string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{event, data})
	return nil
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

type harness struct {
	env     Env
	clk     *testclock.Clock
	repo    *repository.Memory
	store   *storage.Memory
	db      *database.Memory
	files   *filestore.Memory
	notes   *recorder
	orch    *Orchestrator
	restore *Restorer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := testclock.NewClock(t0)
	engine, err := crypto.New("correct horse battery staple", crypto.AES256GCM,
		crypto.WithParams(crypto.Params{N: 1024, R: 8, P: 1}))
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}

	db := database.NewMemory("app", "users", "orders")
	db.SetClock(clk.Now)
	for i := 1; i <= 10; i++ {
		db.Put("users", fmt.Sprintf("u%02d", i), map[string]any{"n": i})
	}
	db.Put("orders", "o1", map[string]any{"user": "u01"})

	files := filestore.NewMemory("media")
	files.SetClock(clk.Now)
	files.Upload(context.Background(), "media", "logo.png", []byte("png"), "image/png")

	h := &harness{
		clk:   clk,
		repo:  repository.NewMemory(repository.WithClock(clk.Now)),
		store: storage.NewMemory(),
		db:    db,
		files: files,
		notes: &recorder{},
	}
	h.env = Env{
		Repo:     h.repo,
		Store:    h.store,
		Crypto:   engine,
		Target:   &snapshot.Target{Databases: []database.Database{db}, Files: files, Workers: 2},
		Notifier: h.notes,
		Clock:    clk,
		Config: config.BackupConfig{
			LeaseTTL:          time.Minute,
			MaxChainDepth:     5,
			RollbackOnFailure: true,
			Prefix:            "backups",
		},
		Put: storage.PutOptions{ServerSideEncryption: "AES256", StorageClass: "STANDARD_IA"},
	}
	h.orch = NewOrchestrator(h.env)
	h.restore = NewRestorer(h.env, h.orch)
	return h
}

// backup runs a backup and advances the clock so ids never collide.
func (h *harness) backup(t *testing.T, typ record.Type) *record.Record {
	t.Helper()
	rec, err := h.orch.PerformBackup(context.Background(), typ, record.TriggerManual)
	if err != nil {
		t.Fatalf("PerformBackup(%s): %v", typ, err)
	}
	h.clk.Advance(time.Minute)
	return rec
}

func (h *harness) get(t *testing.T, id string) *record.Record {
	t.Helper()
	rec, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return rec
}

func userKeys(db *database.Memory) []string {
	var keys []string
	for _, r := range db.Rows("users") {
		keys = append(keys, r.Key)
	}
	return keys
}
