package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
)

type flakyStore struct {
	mu       sync.Mutex
	Store    Store
	failures int
	err      error
	calls    int
}

func (f *flakyStore) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.Put(ctx, key, data, opts)
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Store.Delete(ctx, key)
}

var fastPolicy = RetryPolicy{Attempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	opts := PutOptions{ServerSideEncryption: "AES256", StorageClass: "STANDARD_IA"}
	if err := m.Put(ctx, "backups/2026/a.bin", []byte("blob"), opts); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, "backups/2026/a.bin")
	if err != nil || string(got) != "blob" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if o, _ := m.Options("backups/2026/a.bin"); o != opts {
		t.Errorf("options = %+v", o)
	}

	got[0] = 'X'
	again, _ := m.Get(ctx, "backups/2026/a.bin")
	if string(again) != "blob" {
		t.Error("Get returned a shared buffer")
	}

	if err := m.Delete(ctx, "backups/2026/a.bin"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "backups/2026/a.bin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestRetryingTransient(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: NewMemory(), failures: 2, err: Transient(errors.New("503"))}
	r := NewRetrying(flaky, fastPolicy, clock.WallClock, nil)

	if err := r.Put(ctx, "k", []byte("v"), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls)
	}
}

func TestRetryingGivesUp(t *testing.T) {
	ctx := context.Background()
	cause := Transient(errors.New("503"))
	flaky := &flakyStore{Store: NewMemory(), failures: 10, err: cause}
	r := NewRetrying(flaky, fastPolicy, clock.WallClock, nil)

	err := r.Delete(ctx, "k")
	if !IsTransient(err) {
		t.Fatalf("err = %v, want the last transient error", err)
	}
	if flaky.calls != fastPolicy.Attempts {
		t.Errorf("calls = %d, want %d", flaky.calls, fastPolicy.Attempts)
	}
}

func TestRetryingPermanent(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: NewMemory()}
	r := NewRetrying(flaky, fastPolicy, clock.WallClock, nil)

	_, err := r.Get(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if flaky.calls != 1 {
		t.Errorf("not-found was retried: calls = %d", flaky.calls)
	}
}

func TestReplicated(t *testing.T) {
	ctx := context.Background()
	primary, replica := NewMemory(), NewMemory()
	r := NewReplicated(primary, replica, nil)

	if err := r.Put(ctx, "k", []byte("v"), PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := replica.Get(ctx, "k"); err != nil {
		t.Errorf("replica missing object: %v", err)
	}

	broken := &flakyStore{Store: NewMemory(), failures: 1, err: errors.New("region down")}
	r = NewReplicated(primary, broken, nil)
	if err := r.Put(ctx, "k2", []byte("v"), PutOptions{}); err != nil {
		t.Errorf("replica failure leaked into Put: %v", err)
	}
}
