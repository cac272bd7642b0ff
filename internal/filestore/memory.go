package filestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memObject
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory(buckets ...string) *Memory {
	m := &Memory{buckets: make(map[string]map[string]memObject), now: time.Now}
	for _, b := range buckets {
		m.buckets[b] = make(map[string]memObject)
	}
	return m
}

// SetClock replaces the clock used to stamp LastModified.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) ListBuckets(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for b := range m.buckets {
		names = append(names, b)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) ListObjects(_ context.Context, bucket string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs, ok := m.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("bucket %q does not exist", bucket)
	}
	out := make([]Object, 0, len(objs))
	for k, o := range objs {
		out = append(out, Object{
			Key:          k,
			Size:         int64(len(o.data)),
			ContentType:  o.contentType,
			LastModified: o.modified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Download(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return append([]byte(nil), o.data...), nil
}

// Upload creates the bucket on first use.
func (m *Memory) Upload(_ context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buckets[bucket] == nil {
		m.buckets[bucket] = make(map[string]memObject)
	}
	m.buckets[bucket][key] = memObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		modified:    m.now(),
	}
	return nil
}

// Remove deletes an object; a no-op when absent.
func (m *Memory) Remove(bucket, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
}
